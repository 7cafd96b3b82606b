package runtime

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/drblury/servicekit/internal/runtime/alert"
	"github.com/drblury/servicekit/internal/runtime/broker"
	"github.com/drblury/servicekit/internal/runtime/config"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/metrics"
)

// RuntimeOption configures NewRuntime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	exit     func(int)
	notifier message.Publisher
	schemes  *broker.Registry
}

// WithExit replaces os.Exit for severe alerts and the quit command.
func WithExit(exit func(code int)) RuntimeOption {
	return func(o *runtimeOptions) {
		if exit != nil {
			o.exit = exit
		}
	}
}

// WithNotifier replaces the external alert notification publisher.
func WithNotifier(p message.Publisher) RuntimeOption {
	return func(o *runtimeOptions) {
		o.notifier = p
	}
}

// WithSchemes replaces the broker scheme registry used for override addresses.
func WithSchemes(r *broker.Registry) RuntimeOption {
	return func(o *runtimeOptions) {
		o.schemes = r
	}
}

// Runtime is the per-process context every service runs in. It owns the
// broker, the alert channel, the metrics registry and the directory of
// running services.
type Runtime struct {
	cfg     config.Config
	log     logging.ServiceLogger
	exit    func(int)
	broker  *broker.Manager
	alerts  *alert.Channel
	prom    *prometheus.Registry
	metrics *metrics.Metrics

	mu       sync.RWMutex
	services map[string]*Service
	running  map[*Service]struct{}
	closed   bool
}

// NewRuntime validates cfg, starts the broker and then the alert channel.
func NewRuntime(ctx context.Context, cfg config.Config, log logging.ServiceLogger, opts ...RuntimeOption) (*Runtime, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	o := runtimeOptions{exit: os.Exit}
	for _, opt := range opts {
		opt(&o)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(prom)
	if err := m.Register(); err != nil {
		return nil, err
	}

	var brokerOpts []broker.Option
	if o.schemes != nil {
		brokerOpts = append(brokerOpts, broker.WithRegistry(o.schemes))
	}
	b := broker.New(cfg.Broker, log, brokerOpts...)

	alertOpts := []alert.Option{alert.WithExit(o.exit), alert.WithMetrics(m)}
	if o.notifier != nil {
		alertOpts = append(alertOpts, alert.WithNotifier(o.notifier))
	}
	alerts := alert.New(b, log, cfg.Alert, alertOpts...)
	b.SetReporter(alerts)

	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	alerts.Start(context.WithoutCancel(ctx))

	log.Info("Runtime started", logging.LogFields{"broker": config.RedactURL(b.Endpoint()), "config": cfg.String()})
	return &Runtime{
		cfg:      cfg,
		log:      log,
		exit:     o.exit,
		broker:   b,
		alerts:   alerts,
		prom:     prom,
		metrics:  m,
		services: make(map[string]*Service),
		running:  make(map[*Service]struct{}),
	}, nil
}

func (rt *Runtime) Config() config.Config { return rt.cfg }
func (rt *Runtime) Logger() logging.ServiceLogger { return rt.log }
func (rt *Runtime) Broker() *broker.Manager { return rt.broker }
func (rt *Runtime) Alerts() *alert.Channel { return rt.alerts }
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }
func (rt *Runtime) Gatherer() prometheus.Gatherer { return rt.prom }

// ActiveServices counts started services that have not stopped.
func (rt *Runtime) ActiveServices() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.running)
}

// Lookup returns the URL of the running service with the given name.
func (rt *Runtime) Lookup(name string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	s, ok := rt.services[name]
	if !ok {
		return "", false
	}
	return s.URL(), true
}

// ServiceInfo names a running service and where to reach it.
type ServiceInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Services lists running services sorted by name.
func (rt *Runtime) Services() []ServiceInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(rt.services))
	for name, s := range rt.services {
		out = append(out, ServiceInfo{Name: name, URL: s.URL()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (rt *Runtime) register(s *Service) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, ok := rt.services[s.name]; ok && prev != s {
		rt.log.Warn("Service name registered twice, lookups return the newest", logging.LogFields{"service": s.name})
	}
	rt.services[s.name] = s
	rt.running[s] = struct{}{}
	rt.metrics.ServiceStarted()
}

func (rt *Runtime) unregister(s *Service) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.running[s]; !ok {
		return
	}
	delete(rt.running, s)
	if rt.services[s.name] == s {
		delete(rt.services, s.name)
		// fall back to another running instance of the same name
		for other := range rt.running {
			if other.name == s.name {
				rt.services[s.name] = other
				break
			}
		}
	}
	rt.metrics.ServiceStopped()
}

// Close stops every running service, then the alert channel and the broker.
// Calling it again does nothing.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	running := make([]*Service, 0, len(rt.running))
	for s := range rt.running {
		running = append(running, s)
	}
	rt.mu.Unlock()

	for _, s := range running {
		if err := s.Stop(); err != nil {
			rt.log.Debug("Service already stopped", logging.LogFields{"service": s.name, "error": err})
		}
	}
	rt.alerts.Flush()
	rt.alerts.Stop()
	rt.broker.Stop()
	rt.log.Info("Runtime closed", nil)
}
