// Package httpserver is the HTTP side of a service: a chi router fed with
// route groups, a pluggable body codec and a start that blocks until the
// listener is bound.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/jsoncodec"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// Middleware wraps every route of a server.
type Middleware func(http.Handler) http.Handler

// Config is handed to a service's HTTP configuration hooks before the server
// is built.
type Config struct {
	Host              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// AnyHost answers CORS requests from every origin.
	AnyHost        bool
	AllowedOrigins []string
	Middlewares    []Middleware
}

// NewConfig seeds a Config from the runtime configuration.
func NewConfig(cfg config.HTTP, anyHost bool) Config {
	return Config{
		Host:              cfg.Host,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		AnyHost:           anyHost,
	}
}

// Use appends middlewares after the built-in chain.
func (c *Config) Use(mw ...Middleware) {
	c.Middlewares = append(c.Middlewares, mw...)
}

// Server serves mounted route groups on one port.
type Server struct {
	cfg    Config
	codec  jsoncodec.Codec
	log    logging.ServiceLogger
	router chi.Router

	mu       sync.Mutex
	srv      *http.Server
	port     int
	serveErr chan error
}

// New builds the router and its middleware chain. A nil codec falls back to
// jsoncodec.Default.
func New(cfg Config, codec jsoncodec.Codec, log logging.ServiceLogger) *Server {
	if codec == nil {
		codec = jsoncodec.Default()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = config.DefaultReadTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	log = logging.Named(log, "http")

	r := chi.NewRouter()
	for _, mw := range DefaultMiddlewares(log) {
		r.Use(mw)
	}
	if c := corsHandler(cfg); c != nil {
		r.Use(c)
	}
	for _, mw := range cfg.Middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	s := &Server{cfg: cfg, codec: codec, log: log, router: r}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(newContext(w, req, s.codec), NewError(http.StatusNotFound, "not found"))
	})
	return s
}

func corsHandler(cfg Config) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if cfg.AnyHost {
		origins = []string{"*"}
	}
	if len(origins) == 0 {
		return nil
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{CorrelationIDHeader},
		MaxAge:         300,
	})
}

// Mount registers route groups. Every group is validated before any is
// mounted.
func (s *Server) Mount(groups ...RouteGroup) error {
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	for _, g := range groups {
		for _, route := range g.Routes {
			s.router.Method(strings.ToUpper(route.Verb), pattern(g.Prefix, route.Path), s.adapt(route.Handler))
		}
	}
	return nil
}

// Handle mounts a plain http.Handler, for example a metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) adapt(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := newContext(w, r, s.codec)
		if err := h(c); err != nil {
			s.writeError(c, err)
		}
	}
}

func (s *Server) writeError(c *Context, err error) {
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var httpErr *Error
	if errors.As(err, &httpErr) {
		status, message = httpErr.Status, httpErr.Message
	} else {
		s.log.Error("Handler failed", err, logging.LogFields{"method": c.r.Method, "path": c.r.URL.Path})
	}
	if c.Written() {
		return
	}
	_ = c.Status(status).JSON(map[string]string{"error": message})
}

// Start binds host:port, port 0 meaning any free port, and serves on its own
// goroutine. It returns once the listener is bound with the actual port.
func (s *Server) Start(port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.port, errors.New("http server already started")
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	ready := make(chan error, 1)
	s.serveErr = make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			ready <- fmt.Errorf("listen on %s: %w", addr, err)
			return
		}
		s.port = ln.Addr().(*net.TCPAddr).Port
		ready <- nil
		err = srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()

	if err := <-ready; err != nil {
		return 0, err
	}
	s.srv = srv
	s.log.Info("HTTP server listening", logging.LogFields{"address": net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port))})
	return s.port, nil
}

// Port is the bound port, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stop shuts the server down gracefully within the configured timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-s.serveErr; err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	s.log.Debug("HTTP server stopped", nil)
	return nil
}
