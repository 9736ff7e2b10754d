package archon

import (
	"testing"
	"time"
)

func TestMetricsSnapshotReflectsCounters(t *testing.T) {
	var m Metrics
	m.BytesSent.Add(100)
	m.BytesReceived.Add(200)
	m.CommandsSent.Add(3)
	m.CommandsFailed.Add(1)
	m.ReconnectCount.Add(2)
	now := time.Now()
	m.LastCommandTime.Store(now)

	snap := m.Snapshot()
	if snap.BytesSent != 100 || snap.BytesReceived != 200 {
		t.Fatalf("byte counters = %+v", snap)
	}
	if snap.CommandsSent != 3 || snap.CommandsFailed != 1 {
		t.Fatalf("command counters = %+v", snap)
	}
	if snap.ReconnectCount != 2 {
		t.Fatalf("ReconnectCount = %d, want 2", snap.ReconnectCount)
	}
	if !snap.LastCommandTime.Equal(now) {
		t.Fatalf("LastCommandTime = %v, want %v", snap.LastCommandTime, now)
	}
}

func TestMetricsSnapshotZeroValueHasNoLastCommandTime(t *testing.T) {
	var m Metrics
	snap := m.Snapshot()
	if !snap.LastCommandTime.IsZero() {
		t.Fatalf("LastCommandTime = %v, want zero value", snap.LastCommandTime)
	}
}
