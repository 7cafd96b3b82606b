package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/servicekit"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startBroker(t *testing.T) *servicekit.Runtime {
	t.Helper()
	cfg := servicekit.DefaultConfig()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = -1
	cfg.Broker.FetchWait = 50 * time.Millisecond
	rt, err := servicekit.NewRuntime(context.Background(), cfg, servicekit.DiscardLogger(), servicekit.WithExit(func(int) {}))
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func execute(ctx context.Context, args ...string) (string, error) {
	out := &syncBuffer{}
	cmd := newRootCmd(out, &syncBuffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSendDelivers(t *testing.T) {
	rt := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := rt.Broker().Session(ctx, "")
	require.NoError(t, err)
	defer sess.Close()
	jobs, err := sess.Subscribe(ctx, servicekit.QueueAddress("jobs"))
	require.NoError(t, err)

	out, err := execute(ctx, "send", "--url", rt.Broker().Endpoint(), "jobs", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "sent to queue://jobs\n", out)

	select {
	case msg := <-jobs:
		msg.Ack()
		assert.Equal(t, "hello world", string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendNeedsURL(t *testing.T) {
	_, err := execute(context.Background(), "send", "queue://jobs", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--url")
}

func TestSendNeedsPayload(t *testing.T) {
	_, err := execute(context.Background(), "send", "--url", "nats://127.0.0.1:4222", "queue://jobs")
	require.Error(t, err)
}

func TestBrokerRejectsURL(t *testing.T) {
	_, err := execute(context.Background(), "broker", "--url", "nats://127.0.0.1:4222")
	require.Error(t, err)
}

func TestBrokerRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	cmd := newRootCmd(out, &syncBuffer{})
	cmd.SetArgs([]string{"broker", "--host", "127.0.0.1", "--port", "-1"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.HasPrefix(out.String(), "broker listening on nats://127.0.0.1:")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker command did not stop")
	}
}

func TestAlertsPrintsRecords(t *testing.T) {
	rt := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := newRootCmd(out, &syncBuffer{})
	cmd.SetArgs([]string{"alerts", "--url", rt.Broker().Endpoint()})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		rt.Alerts().PublishWarning("StageService", "Failed to invoke onStage: boom")
		return strings.Contains(out.String(), "[StageService] [WARNING] Failed to invoke onStage: boom")
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("alerts command did not stop")
	}
}
