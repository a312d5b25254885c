package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Registration(true)
	m.Registration(false)
	m.Registration(false)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.FrameSent(10)
	m.FrameSent(5)
	m.FrameApplied(42)

	if got := testutil.ToFloat64(m.registrations.WithLabelValues("rejected")); got != 2 {
		t.Fatalf("rejected registrations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesSent); got != 15 {
		t.Fatalf("bytes sent = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.appliedSequence); got != 42 {
		t.Fatalf("applied sequence = %v, want 42", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Registration(true)
	m.SessionStarted()
	m.FrameSent(1)
	m.Bootstrap()
}
