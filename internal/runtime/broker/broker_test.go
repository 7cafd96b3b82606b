package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/destination"
	errspkg "github.com/drblury/servicekit/internal/runtime/errors"
	"github.com/drblury/servicekit/internal/runtime/ids"
	"github.com/drblury/servicekit/internal/runtime/logging"
)

func testBrokerConfig() config.Broker {
	return config.Broker{Host: "127.0.0.1", Port: -1, FetchWait: 50 * time.Millisecond}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(testBrokerConfig(), logging.Discard(), opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func newSession(t *testing.T, m *Manager, endpoint string) Session {
	t.Helper()
	sess, err := m.Session(context.Background(), endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed before a message arrived")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func textMessage(payload string) *message.Message {
	return message.NewMessage(ids.New(), []byte(payload))
}

type recordingReporter struct {
	mu       sync.Mutex
	warnings []string
	severe   []error
}

func (r *recordingReporter) Warning(source, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, fmt.Sprintf("[%s] %s", source, msg))
}

func (r *recordingReporter) Severe(source, msg string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.severe = append(r.severe, fmt.Errorf("[%s] %s: %w", source, msg, cause))
}

func (r *recordingReporter) severeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.severe)
}

func TestManagerStartIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.Active())
	endpoint := m.Endpoint()
	assert.Contains(t, endpoint, "nats://")

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, endpoint, m.Endpoint(), "second start must not launch another server")
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := New(testBrokerConfig(), logging.Discard())
	m.Stop() // never started

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()

	assert.False(t, m.Active())
	_, err := m.Session(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrBrokerInactive)
}

func TestManagerStartHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(testBrokerConfig(), logging.Discard())
	assert.ErrorIs(t, m.Start(ctx), context.Canceled)
	assert.False(t, m.Active())
}

func TestQueueBuffersUntilListenerSubscribes(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Send(context.Background(), "queue://jobs", "hello"))

	sess := newSession(t, m, "")
	dest, err := m.Destination(sess, "jobs")
	require.NoError(t, err)

	ch, err := sess.Subscribe(context.Background(), dest)
	require.NoError(t, err)

	msg := receive(t, ch)
	assert.Equal(t, "hello", string(msg.Payload))
	msg.Ack()
}

func TestQueuePreservesOrder(t *testing.T) {
	m := newTestManager(t)
	pub := newSession(t, m, "")
	dest, err := m.Destination(pub, "queue://ordered")
	require.NoError(t, err)

	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, pub.Publish(dest, textMessage(fmt.Sprint(i))))
	}

	sub := newSession(t, m, "")
	ch, err := sub.Subscribe(context.Background(), dest)
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		msg := receive(t, ch)
		assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
		msg.Ack()
	}
}

func TestQueueDeliversEachMessageOnce(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dest := destination.Queue("work")
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	const total = 10
	wg.Add(total)

	for i := 0; i < 2; i++ {
		sess := newSession(t, m, "")
		_, err := m.Destination(sess, dest.String())
		require.NoError(t, err)
		ch, err := sess.Subscribe(ctx, dest)
		require.NoError(t, err)
		go func() {
			for msg := range ch {
				mu.Lock()
				seen[string(msg.Payload)]++
				mu.Unlock()
				msg.Ack()
				wg.Done()
			}
		}()
	}

	pub := newSession(t, m, "")
	for i := 0; i < total; i++ {
		require.NoError(t, pub.Publish(dest, textMessage(fmt.Sprint(i))))
	}

	waitOrFail(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for payload, count := range seen {
		assert.Equal(t, 1, count, "message %s delivered more than once", payload)
	}
}

func TestTopicFansOutToEverySession(t *testing.T) {
	m := newTestManager(t)
	dest := destination.Topic("news")

	var channels []<-chan *message.Message
	for i := 0; i < 2; i++ {
		sess := newSession(t, m, "")
		ch, err := sess.Subscribe(context.Background(), dest)
		require.NoError(t, err)
		channels = append(channels, ch)
	}

	require.NoError(t, m.Send(context.Background(), "topic://news", "extra"))

	for _, ch := range channels {
		msg := receive(t, ch)
		assert.Equal(t, "extra", string(msg.Payload))
		msg.Ack()
	}
}

func TestSubscriptionClosesWhenBrokerStops(t *testing.T) {
	m := New(testBrokerConfig(), logging.Discard())
	require.NoError(t, m.Start(context.Background()))

	sess, err := m.Session(context.Background(), "")
	require.NoError(t, err)
	ch, err := sess.Subscribe(context.Background(), destination.Queue("stopping"))
	require.NoError(t, err)

	m.Stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel not closed after stop")
	}
}

func TestSessionUnknownSchemeIsSevere(t *testing.T) {
	reporter := &recordingReporter{}
	m := newTestManager(t, WithReporter(reporter))

	_, err := m.Session(context.Background(), "carrier-pigeon://loft")
	assert.ErrorIs(t, err, errspkg.ErrUnknownScheme)
	assert.Equal(t, 1, reporter.severeCount())
}

func TestSetReporterAfterConstruction(t *testing.T) {
	m := newTestManager(t)
	reporter := &recordingReporter{}
	m.SetReporter(reporter)

	_, err := m.Destination(failingSession{}, "queue://broken")
	assert.Error(t, err)
	assert.Equal(t, 1, reporter.severeCount())

	_, err = m.Destination(nil, "queue://broken")
	assert.ErrorIs(t, err, errspkg.ErrSessionRequired)
}

func TestConnectionsAreCachedPerEndpoint(t *testing.T) {
	m := newTestManager(t)

	first, err := m.connection(context.Background(), "mem://shared")
	require.NoError(t, err)
	second, err := m.connection(context.Background(), "mem://shared")
	require.NoError(t, err)
	other, err := m.connection(context.Background(), "mem://other")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

func TestRemoteURLSkipsEmbeddedServer(t *testing.T) {
	embedded := newTestManager(t)

	cfg := testBrokerConfig()
	cfg.URL = embedded.Endpoint()
	remote := New(cfg, logging.Discard())
	require.NoError(t, remote.Start(context.Background()))
	t.Cleanup(remote.Stop)

	assert.Equal(t, embedded.Endpoint(), remote.Endpoint())

	sess := newSession(t, embedded, "")
	ch, err := sess.Subscribe(context.Background(), destination.Topic("bridge"))
	require.NoError(t, err)
	require.NoError(t, remote.Send(context.Background(), "topic://bridge", "across"))
	assert.Equal(t, "across", string(receive(t, ch).Payload))
}

func TestStreamAndSubjectNames(t *testing.T) {
	tests := []struct {
		dest    destination.Destination
		stream  string
		subject string
	}{
		{destination.Queue("stage"), "QUEUE_stage", "queue.stage"},
		{destination.Queue("orders_eu"), "QUEUE_orders__eu", "queue.orders__eu"},
		{destination.Queue("orders.eu"), "QUEUE_orders_2eeu", "queue.orders_2eeu"},
		{destination.Queue("a b*"), "QUEUE_a_20b_2a", "queue.a_20b_2a"},
		{destination.Topic("alert"), "QUEUE_alert", "topic.alert"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.stream, streamName(tt.dest))
		assert.Equal(t, tt.subject, subjectFor(tt.dest))
	}
}

func TestEscapedNamesNeverCollide(t *testing.T) {
	names := []string{"a b", "a_b", "a.b", "a__b", "a_20b", "a_5fb", "a>b", "a*b", "ab", "a-b", "ä"}
	seen := make(map[string]string)
	for _, name := range names {
		got := escapeName(name)
		prev, dup := seen[got]
		assert.False(t, dup, "%q and %q both encode to %q", prev, name, got)
		seen[got] = name
	}
}

func TestDistinctTopicNamesStayApart(t *testing.T) {
	m := newTestManager(t)
	sess := newSession(t, m, "")
	ch, err := sess.Subscribe(context.Background(), destination.Topic("a_b"))
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), "topic://a b", "other"))
	require.NoError(t, m.Send(context.Background(), "topic://a_b", "mine"))

	msg := receive(t, ch)
	assert.Equal(t, "mine", string(msg.Payload))
	msg.Ack()
}

func TestDistinctQueueNamesStayApart(t *testing.T) {
	m := newTestManager(t)
	pub := newSession(t, m, "")

	for _, name := range []string{"orders.eu", "orders_eu"} {
		dest, err := m.Destination(pub, "queue://"+name)
		require.NoError(t, err)
		require.NoError(t, pub.Publish(dest, textMessage(name)))
	}

	for _, name := range []string{"orders.eu", "orders_eu"} {
		sub := newSession(t, m, "")
		ch, err := sub.Subscribe(context.Background(), destination.Queue(name))
		require.NoError(t, err)
		msg := receive(t, ch)
		assert.Equal(t, name, string(msg.Payload))
		msg.Ack()
	}
}

func TestDeclareRefusesStreamOfAnotherSubject(t *testing.T) {
	m := newTestManager(t)
	nc, err := nats.Connect(m.Endpoint())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "QUEUE_taken",
		Subjects:  []string{"elsewhere"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.MemoryStorage,
	})
	require.NoError(t, err)

	sess := newSession(t, m, "")
	err = sess.Declare(destination.Queue("taken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_taken")

	info, err := js.StreamInfo("QUEUE_taken")
	require.NoError(t, err)
	assert.Equal(t, []string{"elsewhere"}, info.Config.Subjects)
}

func TestTopicKeepsBurstsForSlowListeners(t *testing.T) {
	m := newTestManager(t)
	dest := destination.Topic("burst")
	sub := newSession(t, m, "")
	ch, err := sub.Subscribe(context.Background(), dest)
	require.NoError(t, err)

	const total = 600
	msgs := make([]*message.Message, 0, total+1)
	for i := 0; i < total; i++ {
		msgs = append(msgs, textMessage(fmt.Sprint(i)))
	}
	msgs = append(msgs, textMessage("SHUTDOWN"))
	pub := newSession(t, m, "")
	require.NoError(t, pub.Publish(dest, msgs...))

	var got int
	for {
		msg := receive(t, ch)
		payload := string(msg.Payload)
		msg.Ack()
		if payload == "SHUTDOWN" {
			break
		}
		require.Equal(t, fmt.Sprint(got), payload)
		got++
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, total, got)
}

type failingSession struct{}

func (failingSession) Declare(destination.Destination) error { return errors.New("declare failed") }
func (failingSession) Publish(destination.Destination, ...*message.Message) error {
	return errors.New("publish failed")
}
func (failingSession) Subscribe(context.Context, destination.Destination) (<-chan *message.Message, error) {
	return nil, errors.New("subscribe failed")
}
func (failingSession) Close() error { return nil }

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}
