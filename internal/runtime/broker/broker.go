package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/destination"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/ids"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/metadata"
)

// Source is the name the broker reports faults under.
const Source = "Broker"

// Reporter receives broker faults. The alert channel implements it; until one
// is attached faults are only logged.
type Reporter interface {
	Warning(source, message string)
	Severe(source, message string, cause error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry replaces the scheme registry used for override addresses.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithReporter attaches a fault reporter.
func WithReporter(r Reporter) Option {
	return func(m *Manager) {
		m.reporter = r
	}
}

// Manager owns the embedded broker and the connection cache shared by every
// service in the runtime.
type Manager struct {
	cfg      config.Broker
	log      logging.ServiceLogger
	wmLogger watermill.LoggerAdapter
	registry *Registry

	reporterMu sync.RWMutex
	reporter   Reporter

	mu       sync.Mutex
	server   *server.Server
	storeDir string
	endpoint string
	conns    map[string]Connection

	active atomic.Bool
}

// New creates a stopped manager.
func New(cfg config.Broker, log logging.ServiceLogger, opts ...Option) *Manager {
	log = logging.Named(log, "broker")
	m := &Manager{
		cfg:      cfg,
		log:      log,
		wmLogger: logging.NewWatermillAdapter(log),
		registry: DefaultRegistry,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetReporter attaches r after construction. The alert channel depends on the
// manager, so the runtime wires it this way.
func (m *Manager) SetReporter(r Reporter) {
	m.reporterMu.Lock()
	defer m.reporterMu.Unlock()
	m.reporter = r
}

// Start launches the embedded broker, or adopts the configured remote URL.
// Calling it on an active manager only logs.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active.Load() {
		m.mu.Unlock()
		m.log.Info("Broker already active", logging.LogFields{"endpoint": config.RedactURL(m.Endpoint())})
		return nil
	}

	if m.cfg.URL != "" {
		m.endpoint = m.cfg.URL
	} else {
		srv, dir, err := startEmbedded(m.cfg, m.log)
		if err != nil {
			m.mu.Unlock()
			m.severe("Could not start broker", err)
			return err
		}
		m.server, m.storeDir, m.endpoint = srv, dir, srv.ClientURL()
	}
	m.conns = make(map[string]Connection)
	m.active.Store(true)
	endpoint := m.endpoint
	m.mu.Unlock()

	m.log.Info("Broker started", logging.LogFields{"endpoint": config.RedactURL(endpoint), "embedded": m.cfg.URL == ""})
	return nil
}

// Active reports whether the broker is running. Workers poll it between
// messages.
func (m *Manager) Active() bool {
	return m.active.Load()
}

// Endpoint is the client URL of the broker every binding uses by default.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Registry returns the scheme registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// WatermillLogger is the logger handed to watermill components.
func (m *Manager) WatermillLogger() watermill.LoggerAdapter {
	return m.wmLogger
}

// Session opens a session on the cached connection for endpoint, dialling it
// on first use. An empty endpoint means the runtime's broker. Failures are
// reported as severe.
func (m *Manager) Session(ctx context.Context, endpoint string) (Session, error) {
	if !m.Active() {
		return nil, errspkg.ErrBrokerInactive
	}
	if endpoint == "" {
		endpoint = m.Endpoint()
	}

	conn, err := m.connection(ctx, endpoint)
	var sess Session
	if err == nil {
		sess, err = conn.Session(ctx)
	}
	if err != nil {
		err = fmt.Errorf("session for %s: %w", config.RedactURL(endpoint), err)
		m.severe("Could not create session", err)
		return nil, err
	}
	return sess, nil
}

func (m *Manager) connection(ctx context.Context, endpoint string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns == nil {
		return nil, errspkg.ErrBrokerInactive
	}
	if conn, ok := m.conns[endpoint]; ok {
		return conn, nil
	}

	conn, err := m.registry.Dial(ctx, endpoint, Env{Config: m.cfg, Log: m.log, Logger: m.wmLogger})
	if err != nil {
		return nil, err
	}
	m.conns[endpoint] = conn
	m.log.Debug("Connection opened", logging.LogFields{"endpoint": config.RedactURL(endpoint)})
	return conn, nil
}

// Destination parses address and declares it on sess. Failures are reported
// as severe.
func (m *Manager) Destination(sess Session, address string) (destination.Destination, error) {
	dest := destination.Parse(address)
	if sess == nil {
		return dest, errspkg.ErrSessionRequired
	}
	if err := sess.Declare(dest); err != nil {
		err = fmt.Errorf("destination %s: %w", dest, err)
		m.severe("Could not create destination", err)
		return dest, err
	}
	return dest, nil
}

// Send publishes one text payload to address on the runtime's broker. It opens
// and closes a session per call, so it suits tools and tests rather than hot
// paths.
func (m *Manager) Send(ctx context.Context, address, payload string) error {
	sess, err := m.Session(ctx, "")
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	dest, err := m.Destination(sess, address)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.New(), []byte(payload))
	metadata.Outgoing(ctx, "", "").Apply(msg)
	return sess.Publish(dest, msg)
}

// Stop closes every cached connection and shuts the embedded server down.
// It is a no-op when the broker never started. Close failures are reported as
// warnings.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.active.Load() && m.server == nil {
		m.mu.Unlock()
		return
	}
	m.active.Store(false)
	conns := m.conns
	srv, storeDir := m.server, m.storeDir
	m.conns, m.server, m.storeDir = nil, nil, ""
	m.mu.Unlock()

	for endpoint, conn := range conns {
		if err := conn.Close(); err != nil {
			m.warning(fmt.Sprintf("Could not close connection to %s: %v", config.RedactURL(endpoint), err))
		}
	}
	if srv != nil {
		srv.Shutdown()
		srv.WaitForShutdown()
		if err := os.RemoveAll(storeDir); err != nil {
			m.warning(fmt.Sprintf("Could not remove broker store: %v", err))
		}
	}
	m.log.Info("Broker stopped", nil)
}

func (m *Manager) currentReporter() Reporter {
	m.reporterMu.RLock()
	defer m.reporterMu.RUnlock()
	return m.reporter
}

func (m *Manager) warning(msg string) {
	if r := m.currentReporter(); r != nil {
		r.Warning(Source, msg)
		return
	}
	m.log.Warn(msg, logging.LogFields{"source": Source})
}

func (m *Manager) severe(msg string, err error) {
	if r := m.currentReporter(); r != nil {
		r.Severe(Source, msg, err)
		return
	}
	m.log.Error(msg, err, logging.LogFields{"source": Source, "severity": "SEVERE"})
}
