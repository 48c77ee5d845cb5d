package meter

import (
	"testing"
	"time"
)

func newTestMeter(window time.Duration) (*Meter, *time.Time) {
	m := New(window)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestZeroMovementReportsZero(t *testing.T) {
	m, _ := newTestMeter(5 * time.Second)
	if got := m.DownloadRate("a"); got != 0 {
		t.Errorf("idle DownloadRate = %v, want exactly 0", got)
	}
	if got := m.TotalRate(); got != 0 {
		t.Errorf("idle TotalRate = %v, want exactly 0", got)
	}
}

func TestRateOverWindow(t *testing.T) {
	m, _ := newTestMeter(5 * time.Second)
	m.Add("a", 0, 5000)
	if got := m.ChunkRate("a", 0); got != 1000 {
		t.Errorf("ChunkRate = %v, want 1000", got)
	}
}

func TestDownloadRateSumsChunks(t *testing.T) {
	m, _ := newTestMeter(5 * time.Second)
	m.Add("a", 0, 5000)
	m.Add("a", 1, 10000)
	m.Add("b", 0, 5000)
	if got := m.DownloadRate("a"); got != 3000 {
		t.Errorf("DownloadRate = %v, want 3000", got)
	}
	if got := m.TotalRate(); got != 4000 {
		t.Errorf("TotalRate = %v, want 4000", got)
	}
}

func TestSamplesExpire(t *testing.T) {
	m, clock := newTestMeter(5 * time.Second)
	m.Add("a", 0, 5000)
	*clock = clock.Add(6 * time.Second)
	if got := m.DownloadRate("a"); got != 0 {
		t.Errorf("rate after window = %v, want exactly 0", got)
	}
}

func TestNegativeDeltaClampedToZero(t *testing.T) {
	m, _ := newTestMeter(5 * time.Second)
	m.Add("a", 0, 1000)
	m.Add("a", 0, -5000)
	if got := m.ChunkRate("a", 0); got != 0 {
		t.Errorf("rate = %v, want 0 (never negative)", got)
	}
	if got := m.TotalRate(); got < 0 {
		t.Errorf("TotalRate = %v, negative", got)
	}
}

func TestForget(t *testing.T) {
	m, _ := newTestMeter(5 * time.Second)
	m.Add("a", 0, 5000)
	m.Add("a", 3, 5000)
	m.Forget("a")
	if got := m.TotalRate(); got != 0 {
		t.Errorf("TotalRate after Forget = %v, want 0", got)
	}
}
