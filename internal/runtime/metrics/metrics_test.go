package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ListenerActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.RecordReceived("onStage", "topic://stage")
	m.RecordReceived("onStage", "topic://stage")
	m.RecordDropped("onStage", "non_text")
	m.RecordInvocation("onStage", 5*time.Millisecond, false)
	m.RecordInvocation("onStage", 5*time.Millisecond, true)

	stats := m.Binding("onStage")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.InvokeFailures)
	assert.False(t, stats.LastActivityAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.received.WithLabelValues("onStage", "topic://stage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invokeFailures.WithLabelValues("onStage")))
}

func TestMetrics_PublisherActivity(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordPublished("stageOut", "topic://stage")
	m.RecordPublishFailure("stageOut")

	stats := m.Binding("stageOut")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.PublishFailed)
}

func TestMetrics_ServicesAndAlerts(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.ServiceStarted()
	m.ServiceStarted()
	m.ServiceStopped()
	m.RecordAlert("WARNING")
	m.RecordHookFailure("seed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeServices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("WARNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hookFailures.WithLabelValues("seed")))
}

func TestMetrics_RegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// identical descriptors on a shared registry are tolerated
	other := New(reg)
	require.NoError(t, other.Register())
}

func TestMetrics_Snapshot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordReceived("a", "queue://a")
	m.RecordPublished("b", "queue://b")

	snapshot := m.Snapshot()
	assert.Len(t, snapshot.Bindings, 2)
	assert.Equal(t, uint64(1), snapshot.Bindings["a"].Received)
	assert.Equal(t, uint64(1), snapshot.Bindings["b"].Published)
	assert.False(t, snapshot.CollectedAt.IsZero())
	assert.Nil(t, m.Binding("missing"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Register())
	m.RecordReceived("a", "queue://a")
	m.RecordDropped("a", "non_text")
	m.RecordInvocation("a", time.Millisecond, true)
	m.RecordPublished("a", "queue://a")
	m.RecordPublishFailure("a")
	m.RecordHookFailure("h")
	m.RecordAlert("SEVERE")
	m.ServiceStarted()
	m.ServiceStopped()
	assert.Nil(t, m.Binding("a"))
	assert.Empty(t, m.Snapshot().Bindings)
}
