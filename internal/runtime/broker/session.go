package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/ids"
)

// Connection is an open link to one broker endpoint. It is shared by every
// binding addressing that endpoint and closed only by the Manager.
type Connection interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session is a per-binding unit of work on a Connection.
type Session interface {
	// Declare makes sure the destination exists on the broker.
	Declare(dest destination.Destination) error
	Publish(dest destination.Destination, msgs ...*message.Message) error
	// Subscribe delivers messages until ctx is cancelled or the session or its
	// connection closes, at which point the channel is closed. The next message
	// is delivered only after the previous one was acked or nacked.
	Subscribe(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error)
	Close() error
}

var errSessionClosed = errors.New("session is closed")

// watermillConnection adapts a watermill publisher/subscriber pair per
// destination kind into sessions. Every session gets its own id so topic
// subscriptions can fan out.
type watermillConnection struct {
	scheme        string
	newPublisher  func(kind destination.Kind) (message.Publisher, error)
	newSubscriber func(kind destination.Kind, sessionID string) (message.Subscriber, error)
	closeFn       func() error
}

func (c *watermillConnection) Session(context.Context) (Session, error) {
	return &watermillSession{
		conn:        c,
		id:          ids.Suffixed(c.scheme),
		publishers:  make(map[destination.Kind]message.Publisher),
		subscribers: make(map[destination.Kind]message.Subscriber),
	}, nil
}

func (c *watermillConnection) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

type watermillSession struct {
	conn *watermillConnection
	id   string

	mu          sync.Mutex
	closed      bool
	publishers  map[destination.Kind]message.Publisher
	subscribers map[destination.Kind]message.Subscriber
}

func (s *watermillSession) Declare(dest destination.Destination) error {
	if dest.Name == "" {
		return errors.New("destination name is required")
	}
	return nil
}

func (s *watermillSession) Publish(dest destination.Destination, msgs ...*message.Message) error {
	pub, err := s.publisher(dest.Kind)
	if err != nil {
		return err
	}
	return pub.Publish(dest.Name, msgs...)
}

func (s *watermillSession) Subscribe(ctx context.Context, dest destination.Destination) (<-chan *message.Message, error) {
	sub, err := s.subscriber(dest.Kind)
	if err != nil {
		return nil, err
	}
	return sub.Subscribe(ctx, dest.Name)
}

func (s *watermillSession) publisher(kind destination.Kind) (message.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if pub, ok := s.publishers[kind]; ok {
		return pub, nil
	}
	pub, err := s.conn.newPublisher(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s publisher: %w", s.conn.scheme, err)
	}
	s.publishers[kind] = pub
	return pub, nil
}

func (s *watermillSession) subscriber(kind destination.Kind) (message.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSessionClosed
	}
	if sub, ok := s.subscribers[kind]; ok {
		return sub, nil
	}
	sub, err := s.conn.newSubscriber(kind, s.id)
	if err != nil {
		return nil, fmt.Errorf("create %s subscriber: %w", s.conn.scheme, err)
	}
	s.subscribers[kind] = sub
	return sub, nil
}

func (s *watermillSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, sub := range s.subscribers {
		errs = append(errs, sub.Close())
	}
	for _, pub := range s.publishers {
		errs = append(errs, pub.Close())
	}
	return errors.Join(errs...)
}

// handOff passes msg to out and waits for the consumer's verdict. ok is false
// when ctx ended first.
func handOff(ctx context.Context, out chan<- *message.Message, msg *message.Message) (acked bool, ok bool) {
	msg.SetContext(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false, false
	}
	select {
	case <-msg.Acked():
		return true, true
	case <-msg.Nacked():
		return false, true
	case <-ctx.Done():
		return false, false
	}
}
