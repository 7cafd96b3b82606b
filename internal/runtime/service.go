package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/servicekit/internal/runtime/config"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/httpserver"
	"github.com/drblury/servicekit/internal/runtime/jsoncodec"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/worker"
)

// State is a service's position in its lifecycle. Each transition happens
// once.
type State int

const (
	Created State = iota
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Optioned lets a business object declare its own command-line options. They
// resolve together with the service options.
type Optioned interface {
	Options(o *config.OptionSet)
}

// listenerReadyTimeout bounds how long Start waits for listeners to
// subscribe.
const listenerReadyTimeout = 5 * time.Second

// Service runs one business object: its HTTP routes, hooks, listeners and
// publishers.
type Service struct {
	rt       *Runtime
	obj      any
	name     string
	bindings []Binding
	log      logging.ServiceLogger

	stdin  io.Reader
	stdout io.Writer

	// lifecycle serialises Start and Stop; mu guards the fields below and is
	// never held while user code runs.
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	port    int
	domain  string
	options *config.OptionSet
	http    *httpserver.Server
	cancel  context.CancelFunc
	workers *errgroup.Group
}

// NewService discovers obj's capabilities. Nothing starts until Start.
func NewService(rt *Runtime, obj any) (*Service, error) {
	if rt == nil {
		return nil, errspkg.ErrRuntimeRequired
	}
	bindings, err := Discover(obj)
	if err != nil {
		return nil, err
	}
	name := ObjectName(obj)
	return &Service{
		rt:       rt,
		obj:      obj,
		name:     name,
		bindings: bindings,
		log:      rt.log.With(logging.LogFields{"service": name}),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		domain:   config.DefaultDomain,
	}, nil
}

func (s *Service) Name() string { return s.name }

// Instance is the business object.
func (s *Service) Instance() any { return s.obj }

func (s *Service) Runtime() *Runtime { return s.rt }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port is the bound HTTP port, 0 until started.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// URL is the domain joined with the bound port.
func (s *Service) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimRight(s.domain, "/") + ":" + strconv.Itoa(s.port)
}

// Options holds the resolved options, nil until started.
func (s *Service) Options() *config.OptionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// Bindings returns a copy of the discovered bindings.
func (s *Service) Bindings() []Binding {
	return append([]Binding(nil), s.bindings...)
}

func (s *Service) bindingsOf(kind BindingKind) []Binding {
	var out []Binding
	for _, b := range s.bindings {
		if b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

// Start resolves options from args, builds the HTTP server, runs the before
// hooks, starts listening, runs the after hooks and finally launches the
// listener and publisher workers. It returns once the HTTP listener is bound
// and every listener has subscribed.
func (s *Service) Start(ctx context.Context, args ...string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	switch s.State() {
	case Started:
		return errspkg.ErrAlreadyStarted
	case Stopped:
		return errspkg.ErrAlreadyStopped
	}

	opts, port, commands, anyHost, err := s.resolveOptions(args)
	if err != nil {
		return err
	}

	server, err := s.buildHTTP(anyHost)
	if err != nil {
		return err
	}

	s.runHooks(ctx, s.bindingsOf(LifecycleBefore), true)

	bound, err := server.Start(port)
	if err != nil {
		return fmt.Errorf("%s: start http: %w", s.name, err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.options = opts
	s.http = server
	s.port = bound
	s.state = Started
	s.cancel = cancel
	s.workers = new(errgroup.Group)
	s.mu.Unlock()

	s.rt.register(s)
	s.log.Info("Service started", logging.LogFields{"url": s.URL()})

	s.runHooks(ctx, s.bindingsOf(LifecycleAfter), false)

	s.startListeners(workerCtx)
	s.startPublishers(workerCtx)

	if commands {
		go s.commandLoop(workerCtx)
	}
	return nil
}

func (s *Service) resolveOptions(args []string) (opts *config.OptionSet, port int, commands, anyHost bool, err error) {
	opts = config.NewOptionSet(s.name)
	portOpt := opts.Int("port", "p", 0, "HTTP port, 0 picks a free one")
	domainOpt := opts.String("domain", "", config.DefaultDomain, "scheme and host the service is reachable at")
	commandsOpt := opts.Bool("commands", "o", false, "read commands from standard input")
	anyHostOpt := opts.Bool("any-host", "", true, "answer CORS requests from any origin")
	if o, ok := s.obj.(Optioned); ok {
		o.Options(opts)
	}

	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	if err := opts.Resolve(args, dir); err != nil {
		return nil, 0, false, false, err
	}
	if *portOpt < 0 || *portOpt > 65535 {
		return nil, 0, false, false, errspkg.NewConfigError(s.name, "port", fmt.Sprintf("%d is not a valid port", *portOpt))
	}
	s.mu.Lock()
	s.domain = *domainOpt
	s.mu.Unlock()
	return opts, *portOpt, *commandsOpt, *anyHostOpt, nil
}

func (s *Service) buildHTTP(anyHost bool) (*httpserver.Server, error) {
	cfg := httpserver.NewConfig(s.rt.cfg.HTTP, anyHost)
	for _, b := range s.bindingsOf(ConfigHook) {
		b.configure(&cfg)
	}

	var codec jsoncodec.Codec
	for _, b := range s.bindingsOf(CodecHook) {
		codec = b.codec()
		if codec == nil {
			return nil, errspkg.NewConfigError(s.name, b.Name, "codec hook returned nil")
		}
	}

	server := httpserver.New(cfg, codec, s.log)
	groups := []httpserver.RouteGroup{s.introspectionRoutes()}
	for _, b := range s.bindingsOf(RouteMapping) {
		groups = append(groups, b.routes)
	}
	if err := server.Mount(groups...); err != nil {
		return nil, &errspkg.ConfigError{Object: s.name, Member: "routes", Err: err}
	}
	if s.rt.cfg.Metrics.Enabled {
		server.Handle(s.rt.cfg.Metrics.Path, s.rt.metricsHandler())
	}
	return server, nil
}

func (s *Service) startListeners(ctx context.Context) {
	listeners := s.bindingsOf(Listener)
	ready := make([]chan struct{}, len(listeners))
	for i, b := range listeners {
		ready[i] = make(chan struct{})
		var once sync.Once
		signal := func() { once.Do(func() { close(ready[i]) }) }
		l := &worker.Listener{
			Binding: s.workerBinding(b),
			Invoke: func(ctx context.Context, payload string) error {
				return b.listen(ctx, payload, s)
			},
			Metrics: s.rt.metrics,
			Ready:   signal,
		}
		s.workers.Go(func() error {
			defer signal()
			return l.Run(ctx)
		})
	}

	timeout := time.After(listenerReadyTimeout)
	for i, ch := range ready {
		select {
		case <-ch:
		case <-timeout:
			s.log.Error("Listener not ready", errspkg.ErrListenerNotReady, logging.LogFields{"binding": listeners[i].Name, "timeout": listenerReadyTimeout})
			return
		}
	}
}

func (s *Service) startPublishers(ctx context.Context) {
	for _, b := range s.bindingsOf(Publisher) {
		p := &worker.Publisher{
			Binding:  s.workerBinding(b),
			Source:   b.source,
			Interval: s.rt.cfg.Worker.PublishInterval,
			Metrics:  s.rt.metrics,
		}
		s.workers.Go(func() error {
			return p.Run(ctx)
		})
	}
}

func (s *Service) workerBinding(b Binding) worker.Binding {
	return worker.Binding{
		Service:  s.name,
		Name:     b.Name,
		Address:  b.Address,
		Override: b.OverrideAddress,
		Broker:   s.rt.broker,
		Reporter: s.rt.alerts,
		Log:      s.log,
	}
}

// Stop shuts the HTTP server down, stops every worker and announces the stop
// on the alert channel. Stopping twice is an error.
func (s *Service) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case Created:
		s.mu.Unlock()
		return errspkg.ErrNotStarted
	case Stopped:
		s.mu.Unlock()
		return errspkg.ErrAlreadyStopped
	}
	s.state = Stopped
	server, cancel, workers := s.http, s.cancel, s.workers
	s.mu.Unlock()

	var stopErr error
	if err := server.Stop(context.Background()); err != nil {
		stopErr = fmt.Errorf("%s: %w", s.name, err)
		s.log.Error("HTTP server did not stop cleanly", err, nil)
	}
	cancel()
	s.waitWorkers(workers)

	s.rt.unregister(s)
	s.rt.alerts.PublishWarning(s.name, "Service stopped")
	s.log.Info("Service stopped", nil)
	return stopErr
}

// waitWorkers waits for cancelled workers, bounded so a binding that calls
// Stop itself cannot block forever.
func (s *Service) waitWorkers(workers *errgroup.Group) {
	done := make(chan error, 1)
	go func() { done <- workers.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			s.log.Debug("Worker ended with error", logging.LogFields{"error": err})
		}
	case <-time.After(s.rt.cfg.HTTP.ShutdownTimeout):
		s.log.Warn("Workers still running after stop", nil)
	}
}
