package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/servicekit/internal/runtime/broker"
	"github.com/drblury/servicekit/internal/runtime/destination"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

// memBroker serves sessions from one in-process mem:// connection.
type memBroker struct {
	conn       broker.Connection
	active     atomic.Bool
	sessionErr error
	wrap       func(broker.Session) broker.Session
}

func newMemBroker(t *testing.T) *memBroker {
	t.Helper()
	log := logging.Discard()
	conn, err := broker.NewDefaultRegistry().Dial(context.Background(), "mem://worker-test", broker.Env{
		Log:    log,
		Logger: logging.NewWatermillAdapter(log),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	b := &memBroker{conn: conn}
	b.active.Store(true)
	return b
}

func (b *memBroker) Active() bool { return b.active.Load() }

func (b *memBroker) Session(ctx context.Context, _ string) (broker.Session, error) {
	if b.sessionErr != nil {
		return nil, b.sessionErr
	}
	sess, err := b.conn.Session(ctx)
	if err != nil || b.wrap == nil {
		return sess, err
	}
	return b.wrap(sess), nil
}

func (b *memBroker) Destination(sess broker.Session, address string) (destination.Destination, error) {
	dest := destination.Parse(address)
	return dest, sess.Declare(dest)
}

func (b *memBroker) send(t *testing.T, address string, payloads ...[]byte) {
	t.Helper()
	sess, err := b.conn.Session(context.Background())
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	for _, p := range payloads {
		require.NoError(t, sess.Publish(destination.Parse(address), message.NewMessage("test", p)))
	}
}

// failingPublish wraps a session so every Publish fails.
type failingPublish struct {
	broker.Session
}

func (failingPublish) Publish(destination.Destination, ...*message.Message) error {
	return errors.New("broker unreachable")
}

type recordingReporter struct {
	mu       sync.Mutex
	warnings []string
	severe   []string
}

func (r *recordingReporter) Warning(source, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, "["+source+"] "+msg)
}

func (r *recordingReporter) Severe(source, msg string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.severe = append(r.severe, "["+source+"] "+msg)
}

func (r *recordingReporter) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

func runAsync(ctx context.Context, run func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}
