package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/servicekit/internal/runtime/destination"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/metadata"
	"github.com/drblury/servicekit/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/servicekit/worker"

var errSubscriptionClosed = errors.New("subscription closed")

// InvokeFunc is the business method behind a listener binding.
type InvokeFunc func(ctx context.Context, payload string) error

// Listener consumes text messages from one destination and hands each to
// Invoke, one at a time and in arrival order.
type Listener struct {
	Binding

	Invoke  InvokeFunc
	Metrics *metrics.Metrics
	// Ready, when set, is called once the subscription is in place.
	Ready func()
}

// Run receives until ctx is cancelled, the broker stops, the subscription
// closes or a Shutdown payload arrives. Every message is acknowledged,
// including those whose invocation failed. A nil error means a clean exit.
func (l *Listener) Run(ctx context.Context) error {
	log := l.logger("listener")

	sess, dest, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("Session close failed", logging.LogFields{"error": err})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := sess.Subscribe(ctx, dest)
	if err != nil {
		l.warning(log, "Could not receive messages", err)
		return err
	}
	if l.Ready != nil {
		l.Ready()
	}
	log.Debug("Listener started", logging.LogFields{"destination": dest.String()})

	for l.running(ctx) {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if !l.running(ctx) {
					return nil
				}
				err := fmt.Errorf("%s: %w", dest, errSubscriptionClosed)
				l.warning(log, "Could not receive messages", err)
				return err
			}
			if l.handle(ctx, log, dest, msg) {
				log.Info("Listener stopped by shutdown message", nil)
				return nil
			}
		}
	}
	return nil
}

// handle processes one message and reports whether the listener should stop.
func (l *Listener) handle(ctx context.Context, log logging.ServiceLogger, dest destination.Destination, msg *message.Message) (stop bool) {
	defer msg.Ack()
	l.Metrics.RecordReceived(l.key(), dest.String())

	if !utf8.Valid(msg.Payload) {
		log.Warn("Dropping message that is not text", logging.LogFields{"message_uuid": msg.UUID, "size": len(msg.Payload)})
		l.Metrics.RecordDropped(l.key(), "non_text")
		return false
	}
	payload := string(msg.Payload)
	if payload == Shutdown {
		return true
	}

	md := metadata.FromMessage(msg)
	if src := md.Source(); src != "" {
		log.Trace("Message received", logging.LogFields{"message_uuid": msg.UUID, "from": src + "." + md.Binding()})
	}
	if err := l.invoke(metadata.Extract(ctx, md), msg, payload); err != nil {
		l.warning(log, "Failed to invoke "+l.Name, err)
	}
	return false
}

func (l *Listener) invoke(ctx context.Context, msg *message.Message, payload string) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "listen "+l.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("servicekit.service", l.Service),
			attribute.String("servicekit.binding", l.Name),
			attribute.String("messaging.destination.name", l.Address),
			attribute.String("messaging.message.id", msg.UUID),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		l.Metrics.RecordInvocation(l.key(), time.Since(start), err != nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if l.Invoke == nil {
		return errspkg.ErrInvokeRequired
	}
	return l.Invoke(ctx, payload)
}
