// Package alert is the process-wide fault channel. Warnings are recoverable
// and scoped to one binding or service; a severe record ends the process.
// Every record is logged, optionally forwarded to an external notification
// endpoint and published on a broker topic other services can observe.
package alert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/logging"
	"github.com/drblury/servicekit/internal/runtime/metrics"
	"github.com/drblury/servicekit/internal/runtime/worker"
)

// ExitSevere is the process exit code after a severe record.
const ExitSevere = 6

// Source is the label the channel uses for its own records.
const Source = "AlertService"

// Option configures a Channel.
type Option func(*Channel)

// WithExit replaces os.Exit, mainly for tests.
func WithExit(exit func(code int)) Option {
	return func(c *Channel) {
		if exit != nil {
			c.exit = exit
		}
	}
}

// WithMetrics counts records by severity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithNotifier replaces the external notification publisher built from
// NotifyURL.
func WithNotifier(p message.Publisher) Option {
	return func(c *Channel) {
		c.notifier = p
	}
}

// Channel publishes alert records. It implements broker.Reporter.
type Channel struct {
	broker   worker.Broker
	log      logging.ServiceLogger
	cfg      config.Alert
	exit     func(int)
	metrics  *metrics.Metrics
	notifier message.Publisher

	queue *worker.Queue

	mu       sync.Mutex
	captured []Record
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a channel publishing onto the broker's alert topic. Nothing
// runs until Start.
func New(b worker.Broker, log logging.ServiceLogger, cfg config.Alert, opts ...Option) *Channel {
	log = logging.Named(log, "alert")
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultAlertTopic
	}
	c := &Channel{
		broker: b,
		log:    log,
		cfg:    cfg,
		exit:   os.Exit,
		queue:  worker.NewQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil && cfg.NotifyURL != "" {
		notifier, err := newNotifier(cfg.NotifyURL, logging.NewWatermillAdapter(log))
		if err != nil {
			log.Error("External notifications disabled", err, logging.LogFields{"url": config.RedactURL(cfg.NotifyURL)})
		} else {
			c.notifier = notifier
		}
	}
	return c
}

// Address is the topic records are published on.
func (c *Channel) Address() string {
	return destination.Format(destination.KindTopic, c.cfg.Topic)
}

// Start launches the publisher draining the record queue and the watchdog.
// Calling Start on a running channel does nothing.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	pub := &worker.Publisher{
		Binding: worker.Binding{
			Service: Source,
			Name:    "alerts",
			Address: c.Address(),
			Broker:  c.broker,
			Log:     c.log,
		},
		Source:   c.queue,
		Interval: config.DefaultPublishInterval,
		Metrics:  c.metrics,
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := pub.Run(ctx); err != nil {
			c.log.Error("Alert publisher stopped", err, nil)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.watchdog(ctx)
	}()
	c.log.Debug("Alert channel started", logging.LogFields{"address": c.Address()})
}

// Stop ends the publisher and the watchdog and closes the notifier.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	if c.notifier != nil {
		if err := c.notifier.Close(); err != nil {
			c.log.Debug("Notifier close failed", logging.LogFields{"error": err})
		}
	}
}

// PublishWarning records a recoverable fault.
func (c *Channel) PublishWarning(source, msg string) {
	c.publish(Record{Source: source, Severity: Warning, Message: msg, Time: time.Now()})
}

// PublishSevere records a fatal fault, gives the queue a moment to drain and
// exits with ExitSevere.
func (c *Channel) PublishSevere(source, msg string, cause error) {
	c.publish(Record{Source: source, Severity: Severe, Message: msg, Cause: cause, Time: time.Now()})
	c.Flush()
	c.exit(ExitSevere)
}

// Warning implements broker.Reporter.
func (c *Channel) Warning(source, msg string) {
	c.PublishWarning(source, msg)
}

// Severe implements broker.Reporter.
func (c *Channel) Severe(source, msg string, cause error) {
	c.PublishSevere(source, msg, cause)
}

// Capture keeps a fault raised away from any request path, typically a
// recovered panic. The watchdog reports it as severe on its next tick.
func (c *Channel) Capture(source string, recovered any) {
	if recovered == nil {
		return
	}
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, Record{
		Source:   source,
		Severity: Severe,
		Message:  "Uncaught fault: " + cause.Error(),
		Cause:    cause,
		Time:     time.Now(),
	})
}

// Pending returns how many records wait for the publisher.
func (c *Channel) Pending() int {
	return c.queue.Len()
}

func (c *Channel) publish(r Record) {
	fields := logging.LogFields{"source": r.Source, "severity": r.Severity.String()}
	if r.Severity == Severe {
		c.log.Error(r.String(), r.Cause, fields)
	} else {
		c.log.Warn(r.String(), fields)
	}
	c.metrics.RecordAlert(r.Severity.String())
	c.notify(r)
	c.queue.Offer(r.String())
}

func (c *Channel) notify(r Record) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(c.cfg.NotifyURL, notification(r)); err != nil {
		c.log.Debug("External notification failed", logging.LogFields{"error": err})
	}
}

// Flush waits up to the flush timeout for queued records to be published.
func (c *Channel) Flush() {
	timeout := c.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = config.DefaultFlushTimeout
	}
	deadline := time.Now().Add(timeout)
	for c.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(config.DefaultPublishInterval)
	}
}

func (c *Channel) watchdog(ctx context.Context) {
	interval := c.cfg.WatchdogInterval
	if interval <= 0 {
		interval = config.DefaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			captured := c.captured
			c.captured = nil
			c.mu.Unlock()
			for _, r := range captured {
				c.PublishSevere(r.Source, r.Message, r.Cause)
			}
		}
	}
}

// Subscribe delivers records published on the alert topic from the moment it
// returns until ctx ends. Payloads that are not records are skipped.
func (c *Channel) Subscribe(ctx context.Context) (<-chan Record, error) {
	sess, err := c.broker.Session(ctx, "")
	if err != nil {
		return nil, err
	}
	dest, err := c.broker.Destination(sess, c.Address())
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	msgs, err := sess.Subscribe(ctx, dest)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer func() { _ = sess.Close() }()
		for msg := range msgs {
			msg.Ack()
			r, ok := ParseRecord(string(msg.Payload))
			if !ok {
				c.log.Debug("Skipping payload on alert topic", logging.LogFields{"message_uuid": msg.UUID})
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Listen calls fn for every record until ctx ends.
func (c *Channel) Listen(ctx context.Context, fn func(Record)) error {
	records, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	for r := range records {
		fn(r)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
