package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lsmrepl/pkg/types"
)

const namespace = "lsmrepl"

// Metrics holds the replication collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registrations        *prometheus.CounterVec
	snapshotsServed      prometheus.Counter
	snapshotBytes        prometheus.Counter
	activeSessions       prometheus.Gauge
	rejectedSessions     prometheus.Counter
	framesSent           prometheus.Counter
	bytesSent            prometheus.Counter
	continuityViolations prometheus.Counter

	appliedSequence prometheus.Gauge
	framesApplied   prometheus.Counter
	reconnects      prometheus.Counter
	bootstraps      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_registrations_total",
			Help:      "Session registrations by result.",
		}, []string{"result"}),
		snapshotsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_served_total",
			Help:      "Bootstrap snapshots streamed to replicas.",
		}),
		snapshotBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_total",
			Help:      "Compressed snapshot bytes streamed to replicas.",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "master_sessions_active",
			Help:      "Streaming sessions currently served.",
		}),
		rejectedSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "master_sessions_rejected_total",
			Help:      "Connections closed before streaming: bad key or session limit.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Write batches sent to replicas.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_sent_total",
			Help:      "Write batch bytes sent to replicas.",
		}),
		continuityViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuity_violations_total",
			Help:      "Sessions closed because the history had a gap.",
		}),
		appliedSequence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_applied_sequence",
			Help:      "Latest sequence number applied on the replica.",
		}),
		framesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_frames_applied_total",
			Help:      "Write batches applied on the replica.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_reconnects_total",
			Help:      "Times the replica re-ran registration after a session ended.",
		}),
		bootstraps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_bootstraps_total",
			Help:      "Times the replica restored itself from a snapshot.",
		}),
	}
}

func (m *Metrics) Registration(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) SnapshotServed(bytes int64) {
	if m == nil {
		return
	}
	m.snapshotsServed.Inc()
	m.snapshotBytes.Add(float64(bytes))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.rejectedSessions.Inc()
}

func (m *Metrics) FrameSent(size int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(size))
}

func (m *Metrics) ContinuityViolation() {
	if m == nil {
		return
	}
	m.continuityViolations.Inc()
}

func (m *Metrics) FrameApplied(seq types.SequenceNumber) {
	if m == nil {
		return
	}
	m.framesApplied.Inc()
	m.appliedSequence.Set(float64(seq))
}

func (m *Metrics) AppliedSequence(seq types.SequenceNumber) {
	if m == nil {
		return
	}
	m.appliedSequence.Set(float64(seq))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Bootstrap() {
	if m == nil {
		return
	}
	m.bootstraps.Inc()
}
