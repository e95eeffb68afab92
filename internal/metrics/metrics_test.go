package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Verification("FACE_LOCAL", "accepted")
	m.Verification("FACE_LOCAL", "accepted")
	m.Duplicate()

	if got := testutil.ToFloat64(m.verifications.WithLabelValues("FACE_LOCAL", "accepted")); got != 2 {
		t.Errorf("verifications = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Verification("FACE", "rejected")
	m.BackendUnavailable("face")
	m.RecordWritten("PRESENT")
	m.Duplicate()
	m.DoorEvent("ENTRY")
	m.Published("door:event")
	m.SubscriberDropped()
	m.MediaFailure()
	m.WindowExpired()
}
