// Package meter aggregates per-worker byte deltas into rolling-window
// transfer rates, per chunk, per download and across all downloads.
package meter

import (
	"sync"
	"time"
)

const DefaultWindow = 5 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

type chunkKey struct {
	id    string
	chunk int
}

type Meter struct {
	mu      sync.Mutex
	window  time.Duration
	samples map[chunkKey][]sample
	now     func() time.Time
}

func New(window time.Duration) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{
		window:  window,
		samples: make(map[chunkKey][]sample),
		now:     time.Now,
	}
}

// Add records a byte delta for one chunk of one download. Negative deltas
// (a chunk reset) are accepted; the computed rate is clamped at zero.
func (m *Meter) Add(id string, chunk int, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chunkKey{id: id, chunk: chunk}
	m.samples[key] = append(m.prune(m.samples[key]), sample{at: m.now(), bytes: n})
}

// ChunkRate returns the bytes/sec moved by one chunk over the window.
func (m *Meter) ChunkRate(id string, chunk int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate(chunkKey{id: id, chunk: chunk})
}

// DownloadRate sums the chunk rates of one download.
func (m *Meter) DownloadRate(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := float64(0)
	for key := range m.samples {
		if key.id == id {
			total += m.rate(key)
		}
	}
	return total
}

// TotalRate sums the rates of every tracked download.
func (m *Meter) TotalRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := float64(0)
	for key := range m.samples {
		total += m.rate(key)
	}
	return total
}

// Forget drops all samples for a download once it leaves the active set.
func (m *Meter) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.samples {
		if key.id == id {
			delete(m.samples, key)
		}
	}
}

func (m *Meter) prune(samples []sample) []sample {
	cutoff := m.now().Add(-m.window)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}

func (m *Meter) rate(key chunkKey) float64 {
	pruned := m.prune(m.samples[key])
	m.samples[key] = pruned
	if len(pruned) == 0 {
		return 0
	}
	var sum int64
	for _, s := range pruned {
		sum += s.bytes
	}
	rate := float64(sum) / m.window.Seconds()
	if rate < 0 {
		return 0
	}
	return rate
}
