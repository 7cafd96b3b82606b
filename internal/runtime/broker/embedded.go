package broker

import (
	"fmt"
	"os"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// startEmbedded runs an in-process NATS server with JetStream enabled and
// waits until it accepts client connections. Queue streams are kept in memory;
// the store directory only satisfies JetStream's bootstrap.
func startEmbedded(cfg config.Broker, log logging.ServiceLogger) (*server.Server, string, error) {
	storeDir, err := os.MkdirTemp("", "servicekit-broker-")
	if err != nil {
		return nil, "", fmt.Errorf("create broker store: %w", err)
	}

	port := cfg.Port
	if port < 0 {
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		ServerName: "servicekit",
		Host:       cfg.Host,
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		_ = os.RemoveAll(storeDir)
		return nil, "", fmt.Errorf("create broker: %w", err)
	}
	ns.SetLoggerV2(&serverLogger{log: log}, false, false, false)

	go ns.Start()

	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = config.DefaultStartTimeout
	}
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		_ = os.RemoveAll(storeDir)
		return nil, "", fmt.Errorf("broker not ready on %s:%d after %s", cfg.Host, cfg.Port, timeout)
	}
	return ns, storeDir, nil
}

// serverLogger routes the embedded server's output into the service logger.
// Notices are demoted to debug since the server is chatty at startup.
type serverLogger struct {
	log logging.ServiceLogger
}

func (l *serverLogger) Noticef(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l *serverLogger) Warnf(format string, v ...any) {
	l.log.Warn(fmt.Sprintf(format, v...), nil)
}

func (l *serverLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...), nil, logging.LogFields{"fatal": true})
}

func (l *serverLogger) Errorf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...), nil, nil)
}

func (l *serverLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l *serverLogger) Tracef(format string, v ...any) {
	l.log.Trace(fmt.Sprintf(format, v...), nil)
}
