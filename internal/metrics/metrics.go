// Package metrics owns the Prometheus registry and the resource-accounting
// counters. Counters are plain atomic increments mirrored into Prometheus
// collectors; the open-connection count and poll counters are also readable
// in-process for the supervisor's drain logic and the admin status surface.
package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

const namespace = "deucalion"

// Metrics bundles every collector the daemon exposes.
type Metrics struct {
	registry *prometheus.Registry

	openConns      atomic.Int64
	pollsCompleted atomic.Uint64
	pollsSkipped   atomic.Uint64
	pollsFailed    atomic.Uint64

	openConnsGauge  prometheus.Gauge
	connsAccepted   prometheus.Counter
	connsRejected   prometheus.Counter
	connsTimedOut   prometheus.Counter
	connsClosed     prometheus.Counter
	pollsCompletedC prometheus.Counter
	pollsSkippedC   prometheus.Counter
	pollsFailedC    prometheus.Counter
	pollDuration    prometheus.Histogram
	snapshotVersion prometheus.Gauge

	exposeTags    []string
	tagLabels     []string
	instanceState *prometheus.GaugeVec

	mu        sync.Mutex
	fleetSeen map[string]prometheus.Labels
}

// New builds the daemon's collectors on a fresh registry. exposeTags are
// the instance tag keys surfaced as labels on the per-instance gauge.
func New(exposeTags []string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	tagLabels := make([]string, 0, len(exposeTags))
	for _, t := range exposeTags {
		tagLabels = append(tagLabels, tagLabelName(t))
	}

	m := &Metrics{
		registry:   reg,
		exposeTags: exposeTags,
		tagLabels:  tagLabels,
		fleetSeen:  make(map[string]prometheus.Labels),

		openConnsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Sessions currently open on the relay listener.",
		}),
		connsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted and handed to a session.",
		}),
		connsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed immediately at the cap or rate limit.",
		}),
		connsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_timed_out_total",
			Help:      "Sessions closed by a read or keep-alive deadline.",
		}),
		connsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Sessions closed for any reason.",
		}),
		pollsCompletedC: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_completed_total",
			Help:      "Refresh cycles that published a snapshot.",
		}),
		pollsSkippedC: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running.",
		}),
		pollsFailedC: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_failed_total",
			Help:      "Refresh cycles that failed and kept the prior snapshot.",
		}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall time of completed refresh cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_version",
			Help:      "Version of the currently published fleet snapshot.",
		}),
		instanceState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aws_instance_state",
			Help:      "Identifies a running AWS instance.",
		}, append([]string{"id", "platform", "type", "lifecycle"}, tagLabels...)),
	}
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ConnOpened records an accepted connection and returns the new open count.
func (m *Metrics) ConnOpened() int64 {
	m.connsAccepted.Inc()
	m.openConnsGauge.Inc()
	return m.openConns.Add(1)
}

// ConnClosed records a session reaching its terminal state.
func (m *Metrics) ConnClosed() int64 {
	m.connsClosed.Inc()
	m.openConnsGauge.Dec()
	return m.openConns.Add(-1)
}

// ConnRejected records a connection shed at the cap or rate limit.
func (m *Metrics) ConnRejected() { m.connsRejected.Inc() }

// ConnTimedOut records a session closed by a deadline.
func (m *Metrics) ConnTimedOut() { m.connsTimedOut.Inc() }

// OpenConns returns the number of currently open sessions.
func (m *Metrics) OpenConns() int64 { return m.openConns.Load() }

// PollCompleted records a successful refresh cycle.
func (m *Metrics) PollCompleted(d time.Duration) {
	m.pollsCompleted.Add(1)
	m.pollsCompletedC.Inc()
	m.pollDuration.Observe(d.Seconds())
}

// PollSkipped records a tick skipped because a cycle was still running.
func (m *Metrics) PollSkipped() {
	m.pollsSkipped.Add(1)
	m.pollsSkippedC.Inc()
}

// PollFailed records a refresh cycle that errored.
func (m *Metrics) PollFailed() {
	m.pollsFailed.Add(1)
	m.pollsFailedC.Inc()
}

// PollCounts returns completed, skipped and failed cycle counts.
func (m *Metrics) PollCounts() (completed, skipped, failed uint64) {
	return m.pollsCompleted.Load(), m.pollsSkipped.Load(), m.pollsFailed.Load()
}

// SetFleet republishes the per-instance gauge from snap: every instance in
// the snapshot is set to 1 and instances that left the fleet since the
// previous call have their label sets deleted.
func (m *Metrics) SetFleet(snap *state.Snapshot) {
	m.snapshotVersion.Set(float64(snap.Version))

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]prometheus.Labels, len(snap.Fleet))
	for id, inst := range snap.Fleet {
		labels := prometheus.Labels{
			"id":        inst.ID,
			"platform":  inst.Platform,
			"type":      inst.Type,
			"lifecycle": inst.Lifecycle,
		}
		for i, tag := range m.exposeTags {
			labels[m.tagLabels[i]] = inst.Tags[tag]
		}
		m.instanceState.With(labels).Set(1)
		seen[id] = labels
	}

	for id, labels := range m.fleetSeen {
		if _, still := seen[id]; !still {
			m.instanceState.Delete(labels)
		}
	}
	m.fleetSeen = seen
}

// tagLabelName maps an instance tag key to a valid Prometheus label name.
func tagLabelName(tag string) string {
	var b strings.Builder
	b.WriteString("tag_")
	for _, r := range strings.ToLower(tag) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
