package broker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/servicekit/internal/runtime/config"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// Env is what a Dialer receives besides the endpoint.
type Env struct {
	Config config.Broker
	Log    logging.ServiceLogger
	Logger watermill.LoggerAdapter
}

// Dialer opens a Connection to the endpoint of one URI scheme.
type Dialer func(ctx context.Context, endpoint *url.URL, env Env) (Connection, error)

// Capabilities describes how a scheme maps destinations onto its broker.
type Capabilities struct {
	Scheme string `json:"scheme"`
	// PointToPoint is true when queue destinations deliver each message to a
	// single consumer.
	PointToPoint bool `json:"point_to_point"`
	// Buffered is true when queue messages wait for a consumer that is not yet
	// subscribed.
	Buffered bool `json:"buffered"`
	// Remote is true when the scheme talks to an external process.
	Remote bool `json:"remote"`
}

// Registry maps URI schemes to dialers. Override addresses on bindings are
// resolved through it.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry holds every built-in scheme.
var DefaultRegistry = NewDefaultRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// NewDefaultRegistry creates a registry with nats, amqp, amqps, kafka, aws and
// mem registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("nats", dialNATS, NATSCapabilities)
	r.Register("amqp", dialAMQP, AMQPCapabilities)
	r.Register("amqps", dialAMQP, Capabilities{Scheme: "amqps", PointToPoint: true, Buffered: true, Remote: true})
	r.Register("kafka", dialKafka, KafkaCapabilities)
	r.Register("aws", dialAWS, AWSCapabilities)
	r.Register("mem", dialMem, MemCapabilities)
	return r
}

// Register adds or replaces the dialer for scheme.
func (r *Registry) Register(scheme string, dialer Dialer, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps.Scheme = scheme
	r.dialers[scheme] = dialer
	r.capabilities[scheme] = caps
}

// Lookup returns the dialer registered for scheme.
func (r *Registry) Lookup(scheme string) (Dialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[scheme]
	return d, ok
}

// Capabilities returns what is known about scheme. Unknown schemes yield a
// zero value carrying only the name.
func (r *Registry) Capabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Scheme: scheme}
}

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	_, ok := r.Lookup(scheme)
	return ok
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.dialers))
	for scheme := range r.dialers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Dial parses endpoint and opens a connection with the matching dialer.
func (r *Registry) Dial(ctx context.Context, endpoint string, env Env) (Connection, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", config.RedactURL(endpoint), err)
	}
	dialer, ok := r.Lookup(parsed.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownScheme, parsed.Scheme, r.Schemes())
	}
	return dialer(ctx, parsed, env)
}

// Register adds a dialer to the default registry.
func Register(scheme string, dialer Dialer, caps Capabilities) {
	DefaultRegistry.Register(scheme, dialer, caps)
}

// Predefined capability sets for the built-in schemes.
var (
	NATSCapabilities  = Capabilities{Scheme: "nats", PointToPoint: true, Buffered: true}
	AMQPCapabilities  = Capabilities{Scheme: "amqp", PointToPoint: true, Buffered: true, Remote: true}
	KafkaCapabilities = Capabilities{Scheme: "kafka", PointToPoint: true, Buffered: true, Remote: true}
	AWSCapabilities   = Capabilities{Scheme: "aws", PointToPoint: true, Buffered: true, Remote: true}
	// mem queues replay to every subscriber; it exists for tests and demos.
	MemCapabilities = Capabilities{Scheme: "mem", Buffered: true}
)
