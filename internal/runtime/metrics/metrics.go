package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks listener, publisher, hook and alert activity for one runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.RWMutex

	bindings map[string]*BindingStats

	received        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	invokeFailures  *prometheus.CounterVec
	invokeDuration  *prometheus.HistogramVec
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	hookFailures    *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	activeServices  prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// BindingStats holds counters for a single listener or publisher binding.
type BindingStats struct {
	Received       uint64    `json:"received,omitempty"`
	Dropped        uint64    `json:"dropped,omitempty"`
	InvokeFailures uint64    `json:"invoke_failures,omitempty"`
	Published      uint64    `json:"published,omitempty"`
	PublishFailed  uint64    `json:"publish_failed,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
}

// Snapshot is a point-in-time copy of all binding stats.
type Snapshot struct {
	Bindings    map[string]BindingStats `json:"bindings"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicekit",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer falls back to the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		bindings:        make(map[string]*BindingStats),
		registerer:      registerer,
		received:        newCounterVec("listener", "messages_received_total", "Messages received by listener bindings", []string{"binding", "destination"}),
		dropped:         newCounterVec("listener", "messages_dropped_total", "Messages acknowledged without invoking the binding", []string{"binding", "reason"}),
		invokeFailures:  newCounterVec("listener", "invoke_failures_total", "Listener invocations that returned an error or panicked", []string{"binding"}),
		published:       newCounterVec("publisher", "messages_published_total", "Messages sent by publisher bindings", []string{"binding", "destination"}),
		publishFailures: newCounterVec("publisher", "publish_failures_total", "Publisher sends that failed", []string{"binding"}),
		hookFailures:    newCounterVec("lifecycle", "hook_failures_total", "Lifecycle hooks that returned an error or panicked", []string{"hook"}),
		alerts:          newCounterVec("alert", "records_total", "Alert records published", []string{"severity"}),
		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "servicekit",
				Subsystem: "listener",
				Name:      "invoke_duration_seconds",
				Help:      "Time spent inside listener bindings",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"binding"},
		),
		activeServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "servicekit",
			Name:      "active_services",
			Help:      "Services currently started in this runtime",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.dropped,
		m.invokeFailures,
		m.invokeDuration,
		m.published,
		m.publishFailures,
		m.hookFailures,
		m.alerts,
		m.activeServices,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) RecordReceived(binding, destination string) {
	if m == nil {
		return
	}
	m.update(binding, func(s *BindingStats) { s.Received++ })
	m.received.WithLabelValues(binding, destination).Inc()
}

func (m *Metrics) RecordDropped(binding, reason string) {
	if m == nil {
		return
	}
	m.update(binding, func(s *BindingStats) { s.Dropped++ })
	m.dropped.WithLabelValues(binding, reason).Inc()
}

// RecordInvocation observes one listener invocation and whether it failed.
func (m *Metrics) RecordInvocation(binding string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.invokeDuration.WithLabelValues(binding).Observe(elapsed.Seconds())
	if failed {
		m.update(binding, func(s *BindingStats) { s.InvokeFailures++ })
		m.invokeFailures.WithLabelValues(binding).Inc()
	}
}

func (m *Metrics) RecordPublished(binding, destination string) {
	if m == nil {
		return
	}
	m.update(binding, func(s *BindingStats) { s.Published++ })
	m.published.WithLabelValues(binding, destination).Inc()
}

func (m *Metrics) RecordPublishFailure(binding string) {
	if m == nil {
		return
	}
	m.update(binding, func(s *BindingStats) { s.PublishFailed++ })
	m.publishFailures.WithLabelValues(binding).Inc()
}

func (m *Metrics) RecordHookFailure(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}

func (m *Metrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity).Inc()
}

// ServiceStarted and ServiceStopped move the active-services gauge.
func (m *Metrics) ServiceStarted() {
	if m == nil {
		return
	}
	m.activeServices.Inc()
}

func (m *Metrics) ServiceStopped() {
	if m == nil {
		return
	}
	m.activeServices.Dec()
}

func (m *Metrics) update(binding string, fn func(*BindingStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.bindings[binding]
	if !ok {
		stats = &BindingStats{}
		m.bindings[binding] = stats
	}
	fn(stats)
	stats.LastActivityAt = time.Now()
}

// Binding returns a copy of the stats for one binding, or nil if it has seen
// no activity.
func (m *Metrics) Binding(name string) *BindingStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.bindings[name]; ok {
		copy := *stats
		return &copy
	}
	return nil
}

// Snapshot returns a copy of every binding's stats.
func (m *Metrics) Snapshot() Snapshot {
	snapshot := Snapshot{Bindings: make(map[string]BindingStats), CollectedAt: time.Now()}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, stats := range m.bindings {
		snapshot.Bindings[name] = *stats
	}
	return snapshot
}
