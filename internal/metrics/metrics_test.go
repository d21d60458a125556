package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Requests.Total != 0 {
		t.Errorf("expected 0 total requests, got %d", s.Requests.Total)
	}
}

func TestRequestCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.Add(10)
	m.RequestsSanitized.Add(7)
	m.RequestsPassthrough.Add(2)
	m.RequestsAuth.Add(1)

	s := m.Snapshot()
	if s.Requests.Total != 10 {
		t.Errorf("Total: got %d, want 10", s.Requests.Total)
	}
	if s.Requests.Sanitized != 7 {
		t.Errorf("Sanitized: got %d, want 7", s.Requests.Sanitized)
	}
	if s.Requests.Passthrough != 2 {
		t.Errorf("Passthrough: got %d, want 2", s.Requests.Passthrough)
	}
	if s.Requests.Auth != 1 {
		t.Errorf("Auth: got %d, want 1", s.Requests.Auth)
	}
}

func TestErrorCounters(t *testing.T) {
	m := New()
	m.ErrorsUpstream.Add(3)
	m.ErrorsSanitize.Add(2)
	m.ErrorsReload.Add(1)

	s := m.Snapshot()
	if s.Errors.Upstream != 3 {
		t.Errorf("Upstream errors: got %d, want 3", s.Errors.Upstream)
	}
	if s.Errors.Sanitize != 2 {
		t.Errorf("Sanitize errors: got %d, want 2", s.Errors.Sanitize)
	}
	if s.Errors.Reload != 1 {
		t.Errorf("Reload errors: got %d, want 1", s.Errors.Reload)
	}
}

func TestTokenCounters(t *testing.T) {
	m := New()
	m.TokensCreated.Add(50)
	m.TokensReconciled.Add(45)
	m.TokensMissing.Add(2)

	s := m.Snapshot()
	if s.Tokens.Created != 50 {
		t.Errorf("Created: got %d, want 50", s.Tokens.Created)
	}
	if s.Tokens.Reconciled != 45 {
		t.Errorf("Reconciled: got %d, want 45", s.Tokens.Reconciled)
	}
	if s.Tokens.Missing != 2 {
		t.Errorf("Missing: got %d, want 2", s.Tokens.Missing)
	}
}

func TestRecordSanitizeLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordSanitizeLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.SanitizeMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.SanitizeMs.Count)
	}
	if s.Latency.SanitizeMs.MinMs < 90 || s.Latency.SanitizeMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.SanitizeMs.MinMs)
	}
}

func TestRecordReconcileLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordReconcileLatency(75 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.ReconcileMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.ReconcileMs.Count)
	}
	if s.Latency.ReconcileMs.MinMs < 65 || s.Latency.ReconcileMs.MinMs > 85 {
		t.Errorf("MinMs: got %f, want ~75", s.Latency.ReconcileMs.MinMs)
	}
}

func TestRecordUpstreamLatency_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordUpstreamLatency(50 * time.Millisecond)
	m.RecordUpstreamLatency(150 * time.Millisecond)
	m.RecordUpstreamLatency(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.UpstreamMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.SanitizeMs.Count != 0 {
		t.Errorf("empty sanitize latency count should be 0")
	}
	if s.Latency.ReconcileMs.Count != 0 {
		t.Errorf("empty reconcile latency count should be 0")
	}
	if s.Latency.UpstreamMs.Count != 0 {
		t.Errorf("empty upstream latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
