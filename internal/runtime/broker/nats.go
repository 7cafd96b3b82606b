package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// DefaultAckWait is how long a queue message stays invisible to other
// consumers before it is redelivered.
const DefaultAckWait = 30 * time.Second

// NATSConnect allows overriding the client connection for testing.
var NATSConnect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// natsConnection maps topics onto core NATS subjects and queues onto JetStream
// work-queue streams held in memory.
type natsConnection struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	fetchWait time.Duration
	log       logging.ServiceLogger

	done      chan struct{}
	closeOnce sync.Once
}

func dialNATS(_ context.Context, endpoint *url.URL, env Env) (Connection, error) {
	nc, err := NATSConnect(endpoint.String(), nats.Name("servicekit"))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", config.RedactURL(endpoint.String()), err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	fetchWait := env.Config.FetchWait
	if fetchWait <= 0 {
		fetchWait = config.DefaultFetchWait
	}
	return &natsConnection{
		nc:        nc,
		js:        js,
		fetchWait: fetchWait,
		log:       logging.Named(env.Log, "nats"),
		done:      make(chan struct{}),
	}, nil
}

func (c *natsConnection) Session(context.Context) (Session, error) {
	if c.nc.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}
	return &natsSession{
		conn:      c,
		marshaler: &wmnats.NATSMarshaler{},
		declared:  make(map[string]struct{}),
		closed:    make(chan struct{}),
	}, nil
}

func (c *natsConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
	return nil
}

type natsSession struct {
	conn      *natsConnection
	marshaler wmnats.MarshalerUnmarshaler

	mu        sync.Mutex
	declared  map[string]struct{}
	subs      []*nats.Subscription
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *natsSession) Declare(dest destination.Destination) error {
	if dest.Name == "" {
		return errors.New("destination name is required")
	}
	if dest.IsTopic() {
		return nil
	}
	return s.ensureStream(dest)
}

func (s *natsSession) ensureStream(dest destination.Destination) error {
	stream := streamName(dest)

	s.mu.Lock()
	_, ok := s.declared[stream]
	s.mu.Unlock()
	if ok {
		return nil
	}

	subject := subjectFor(dest)
	streamCfg := &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.MemoryStorage,
		Replicas:  1,
	}
	if _, err := s.conn.js.AddStream(streamCfg); err != nil {
		// another session may have created it first; accept only a stream
		// that holds exactly this queue's subject
		info, infoErr := s.conn.js.StreamInfo(stream)
		if infoErr != nil {
			return fmt.Errorf("declare queue %q: %w", dest.Name, err)
		}
		if len(info.Config.Subjects) != 1 || info.Config.Subjects[0] != subject {
			return fmt.Errorf("declare queue %q: stream %s is bound to %v", dest.Name, stream, info.Config.Subjects)
		}
	}

	s.mu.Lock()
	s.declared[stream] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *natsSession) Publish(dest destination.Destination, msgs ...*message.Message) error {
	if s.isClosed() {
		return errSessionClosed
	}
	if !dest.IsTopic() {
		if err := s.ensureStream(dest); err != nil {
			return err
		}
	}

	subject := subjectFor(dest)
	for _, msg := range msgs {
		natsMsg, err := s.marshaler.Marshal(subject, msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}
		if dest.IsTopic() {
			err = s.conn.nc.PublishMsg(natsMsg)
		} else {
			_, err = s.conn.js.PublishMsg(natsMsg)
		}
		if err != nil {
			return fmt.Errorf("publish to %s: %w", dest, err)
		}
	}
	return nil
}

func (s *natsSession) Subscribe(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error) {
	if s.isClosed() {
		return nil, errSessionClosed
	}
	if dest.IsTopic() {
		return s.subscribeTopic(ctx, dest)
	}
	return s.subscribeQueue(ctx, dest)
}

func (s *natsSession) subscribeTopic(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error) {
	sub, err := s.conn.nc.SubscribeSync(subjectFor(dest))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}
	// a slow listener must not make the client drop messages
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}
	s.track(sub)
	// the server must know the interest before publishers on other
	// connections send
	if err := s.conn.nc.Flush(); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}

	ctx, cancel := s.watch(ctx)
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = sub.Unsubscribe() }()

		for {
			natsMsg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
					s.conn.log.Error("Failed to receive message", err, logging.LogFields{"destination": dest.String()})
				}
				return
			}
			msg, err := s.marshaler.Unmarshal(natsMsg)
			if err != nil {
				s.conn.log.Error("Dropping undecodable message", err, logging.LogFields{"destination": dest.String()})
				continue
			}
			if _, ok := handOff(ctx, out, msg); !ok {
				return
			}
		}
	}()
	return out, nil
}

func (s *natsSession) subscribeQueue(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error) {
	if err := s.ensureStream(dest); err != nil {
		return nil, err
	}

	stream := streamName(dest)
	consumer := stream + "_WORKERS"
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: subjectFor(dest),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       DefaultAckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := s.conn.js.AddConsumer(stream, consumerCfg); err != nil {
		if _, err = s.conn.js.UpdateConsumer(stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer for %s: %w", dest, err)
		}
	}

	sub, err := s.conn.js.PullSubscribe(subjectFor(dest), consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", dest, err)
	}
	s.track(sub)

	ctx, cancel := s.watch(ctx)
	out := make(chan *message.Message)
	go func() {
		defer cancel()
		s.fetch(ctx, sub, dest, out)
	}()
	return out, nil
}

func (s *natsSession) fetch(ctx context.Context, sub *nats.Subscription, dest destination.Destination, out chan<- *message.Message) {
	defer close(out)

	for ctx.Err() == nil {
		batch, err := sub.Fetch(1, nats.MaxWait(s.conn.fetchWait))
		if err != nil {
			switch {
			case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return
			}
			s.conn.log.Error("Failed to fetch messages", err, logging.LogFields{"destination": dest.String()})
			continue
		}

		for _, natsMsg := range batch {
			msg, err := s.marshaler.Unmarshal(natsMsg)
			if err != nil {
				s.conn.log.Error("Dropping undecodable message", err, logging.LogFields{"destination": dest.String()})
				_ = natsMsg.Term()
				continue
			}
			acked, ok := handOff(ctx, out, msg)
			if !ok {
				return
			}
			if acked {
				err = natsMsg.Ack()
			} else {
				err = natsMsg.Nak()
			}
			if err != nil {
				s.conn.log.Error("Failed to settle message", err, logging.LogFields{"destination": dest.String()})
			}
		}
	}
}

func (s *natsSession) track(sub *nats.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// watch derives a context that also ends when the session or its connection
// closes.
func (s *natsSession) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
			cancel()
		case <-s.conn.done:
			cancel()
		}
	}()
	return ctx, cancel
}

func (s *natsSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *natsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		s.subs = nil
	})
	return nil
}

// subjectFor maps a destination onto a NATS subject holding a single token
// after the kind prefix.
func subjectFor(dest destination.Destination) string {
	return dest.Kind.String() + "." + escapeName(dest.Name)
}

// streamName derives the JetStream stream name for a queue.
func streamName(dest destination.Destination) string {
	return "QUEUE_" + escapeName(dest.Name)
}

// escapeName keeps letters, digits and '-' as they are, doubles '_' and writes
// every other byte as '_' followed by two lowercase hex digits. Distinct names
// never share an encoding.
func escapeName(name string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			b.WriteByte('_')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
