package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/servicekit/internal/runtime/broker"
	"github.com/drblury/servicekit/internal/runtime/destination"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/ids"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/metadata"
	"github.com/drblury/servicekit/internal/runtime/metrics"
)

// Source yields payloads to publish. Poll must be safe to call from the
// publisher goroutine while the business object fills it.
type Source interface {
	Poll() (payload string, ok bool)
}

// Publisher drains Source onto one destination.
type Publisher struct {
	Binding

	Source   Source
	Interval time.Duration
	Metrics  *metrics.Metrics
}

// Run polls until ctx is cancelled or the broker stops. The first failed send
// is reported as a warning and ends the worker; the payload is lost.
func (p *Publisher) Run(ctx context.Context) error {
	log := p.logger("publisher")
	if p.Source == nil {
		return errspkg.ErrSourceRequired
	}

	sess, dest, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("Session close failed", logging.LogFields{"error": err})
		}
	}()

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	log.Debug("Publisher started", logging.LogFields{"destination": dest.String()})
	for p.running(ctx) {
		payload, ok := p.Source.Poll()
		if !ok {
			timer.Reset(interval)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			continue
		}

		msg, err := p.send(ctx, sess, dest, payload)
		if err != nil {
			p.Metrics.RecordPublishFailure(p.key())
			err = fmt.Errorf("%s: %w", dest, err)
			p.warning(log, "Could not send messages", err)
			return err
		}
		p.Metrics.RecordPublished(p.key(), dest.String())
		log.Trace("Message sent", logging.LogFields{"message_uuid": msg.UUID})
	}
	return nil
}

// send publishes payload inside a producer span whose context travels in the
// message headers.
func (p *Publisher) send(ctx context.Context, sess broker.Session, dest destination.Destination, payload string) (*message.Message, error) {
	msg := message.NewMessage(ids.New(), []byte(payload))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publish "+p.Name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("servicekit.service", p.Service),
			attribute.String("servicekit.binding", p.Name),
			attribute.String("messaging.destination.name", p.Address),
			attribute.String("messaging.message.id", msg.UUID),
		),
	)
	defer span.End()

	metadata.Outgoing(ctx, p.Service, p.Name).Apply(msg)
	msg.SetContext(ctx)
	if err := sess.Publish(dest, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return msg, err
	}
	return msg, nil
}
