// Package metadata describes the headers servicekit attaches to every message
// a publisher binding sends. Payloads stay plain text; the headers carry who
// sent the message and the trace it belongs to.
package metadata

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

const (
	KeySource  = "servicekit_source"
	KeyBinding = "servicekit_binding"
	KeySentAt  = "servicekit_sent_at"
)

// Metadata is the header map of one message.
type Metadata map[string]string

// Clone returns a shallow copy that is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy holding key.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Source is the name of the sending service, empty for tools.
func (m Metadata) Source() string { return m[KeySource] }

// Binding is the publisher binding that sent the message.
func (m Metadata) Binding() string { return m[KeyBinding] }

// SentAt parses the send time. ok is false when the header is missing or
// malformed.
func (m Metadata) SentAt() (at time.Time, ok bool) {
	raw, found := m[KeySentAt]
	if !found {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// propagator carries W3C trace context and baggage.
var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Outgoing builds the headers for a message sent by binding of service within
// ctx's trace.
func Outgoing(ctx context.Context, service, binding string) Metadata {
	md := Metadata{
		KeySentAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if service != "" {
		md[KeySource] = service
	}
	if binding != "" {
		md[KeyBinding] = binding
	}
	propagator.Inject(ctx, propagation.MapCarrier(md))
	return md
}

// Extract returns ctx joined to the trace recorded in m, if any.
func Extract(ctx context.Context, m Metadata) context.Context {
	if len(m) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(m))
}
