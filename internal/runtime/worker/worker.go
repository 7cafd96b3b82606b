// Package worker runs the long-lived goroutines behind listener and publisher
// bindings. Each worker owns one broker session and exits when its context is
// cancelled, the broker stops, or its binding fails.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/servicekit/internal/runtime/broker"
	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// Shutdown is the reserved payload that stops a listener in-band.
const Shutdown = "SHUTDOWN"

// DefaultInterval is how long a publisher sleeps when its source is empty.
const DefaultInterval = 10 * time.Millisecond

// Broker is the part of broker.Manager a worker needs.
type Broker interface {
	Active() bool
	Session(ctx context.Context, endpoint string) (broker.Session, error)
	Destination(sess broker.Session, address string) (destination.Destination, error)
}

// Binding carries what listeners and publishers share: where they point, who
// owns them and where faults go.
type Binding struct {
	// Service names the owning service. It is the alert source.
	Service string
	// Name is the binding's member name.
	Name string
	// Address is a queue:// or topic:// destination.
	Address string
	// Override is an absolute broker URI used instead of the runtime's broker.
	Override string

	Broker   Broker
	Reporter broker.Reporter
	Log      logging.ServiceLogger
}

// key identifies the binding in metrics.
func (b *Binding) key() string {
	if b.Service == "" {
		return b.Name
	}
	return b.Service + "." + b.Name
}

func (b *Binding) logger(kind string) logging.ServiceLogger {
	return logging.Named(b.Log, kind).With(logging.LogFields{
		"service": b.Service,
		"binding": b.Name,
		"address": b.Address,
	})
}

func (b *Binding) warning(log logging.ServiceLogger, msg string, err error) {
	if b.Reporter == nil {
		log.Warn(msg, logging.LogFields{"error": err})
		return
	}
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	b.Reporter.Warning(b.Service, msg)
}

// open creates the worker's session and resolves its destination. The broker
// reports failures itself.
func (b *Binding) open(ctx context.Context) (broker.Session, destination.Destination, error) {
	sess, err := b.Broker.Session(ctx, b.Override)
	if err != nil {
		return nil, destination.Destination{}, err
	}
	dest, err := b.Broker.Destination(sess, b.Address)
	if err != nil {
		_ = sess.Close()
		return nil, dest, err
	}
	return sess, dest, nil
}

func (b *Binding) running(ctx context.Context) bool {
	return ctx.Err() == nil && b.Broker.Active()
}
