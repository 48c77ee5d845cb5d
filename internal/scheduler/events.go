package scheduler

import (
	"time"

	"github.com/saltflake/modfetch/internal/meter"
	"github.com/saltflake/modfetch/internal/utils"
)

// Config carries every knob of the engine; zero values fall back to
// defaults so a library caller can set only what it cares about.
type Config struct {
	GlobalLimit      int           // parallel downloads admitted at once
	ChunkLimit       int           // simultaneous workers per download
	MaxChunks        int           // upper bound for the chunk plan
	MinChunkSize     int64         // below this a chunk is not worth a connection
	ChunkRetries     int           // network attempts per candidate URL per chunk
	RetryBackoff     time.Duration // base backoff between chunk retries
	ProgressInterval time.Duration // throttle for progress events
	SpeedWindow      time.Duration // rolling window for rate computation
	IdleTimeout      time.Duration // worker watchdog: no bytes for this long is a stall
	BufferSize       int
	DestDir          string
	ClientConfig     utils.HTTPClientConfig
}

func (c Config) withDefaults() Config {
	if c.GlobalLimit < 1 {
		c.GlobalLimit = 2
	}
	if c.ChunkLimit < 1 {
		c.ChunkLimit = 4
	}
	if c.MaxChunks < 1 {
		c.MaxChunks = 8
	}
	if c.MinChunkSize < 1 {
		c.MinChunkSize = 10 * 1024 * 1024
	}
	if c.ChunkRetries < 1 {
		c.ChunkRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 3 * time.Second
	}
	if c.SpeedWindow <= 0 {
		c.SpeedWindow = meter.DefaultWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = utils.DefaultIdleTimeout
	}
	if c.BufferSize < 1 {
		c.BufferSize = utils.DefaultBufferSize
	}
	return c
}

type EventType int

const (
	EventProgress EventType = iota
	EventFinished
	EventFailed
	EventInterrupted
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	case EventInterrupted:
		return "interrupted"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is what the engine surfaces to its caller: throttled progress
// ticks plus one terminal event per record.
type Event struct {
	Type        EventType
	ID          string
	LocalPath   string
	Received    int64
	Total       int64 // -1 while unknown
	Speed       float64
	ChunkSpeeds []float64
	Err         error
	Kind        utils.Kind
}
