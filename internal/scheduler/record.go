package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

type chunkState int

const (
	chunkPending chunkState = iota
	chunkActive
	chunkDone
	chunkFailed
)

type chunkInfo struct {
	offset   int64
	length   int64 // -1 while the remote size is unknown
	received int64
	state    chunkState

	// transient transfer bookkeeping, not persisted
	urlIndex int
	attempts int
	tried    map[int]bool
	retryAt  time.Time
}

func (c *chunkInfo) markTried(idx int) {
	if c.tried == nil {
		c.tried = make(map[int]bool)
	}
	c.tried[idx] = true
}

// nextCandidate rotates to the next URL not yet exhausted for this chunk.
func (c *chunkInfo) nextCandidate(numURLs int) (int, bool) {
	for i := 1; i <= numURLs; i++ {
		idx := (c.urlIndex + i) % numURLs
		if !c.tried[idx] {
			return idx, true
		}
	}
	return 0, false
}

// pendingAction records a control decision that must wait for in-flight
// workers to drain before it can complete.
type pendingAction int

const (
	actionNone pendingAction = iota
	actionPause
	actionCollapse
	actionFail
	actionCancel
)

type record struct {
	id           string
	rawURLs      []string // as submitted, before resolution
	urls         []string // resolved candidates, priority order
	localPath    string
	destHint     string
	totalSize    int64 // -1 until a response reveals it
	expectedHash string
	state        string // store.State* values
	chunks       []*chunkInfo
	lastErr      error
	errKind      utils.Kind

	file          *os.File
	ranged        bool
	activeWorkers int
	verifying     bool
	pending       pendingAction
	workersCtx    context.Context
	workersCancel context.CancelFunc
}

func (r *record) received() int64 {
	var total int64
	for _, c := range r.chunks {
		total += c.received
	}
	return total
}

func (r *record) allDone() bool {
	if len(r.chunks) == 0 {
		return r.totalSize == 0
	}
	for _, c := range r.chunks {
		if c.state != chunkDone {
			return false
		}
	}
	return true
}

// requestAction upgrades the pending action; cancel wins over everything,
// fail over collapse and pause.
func (r *record) requestAction(a pendingAction) {
	if a > r.pending {
		r.pending = a
	}
}

func (r *record) toStore() store.Record {
	rec := store.Record{
		ID:           r.id,
		URLs:         r.urls,
		LocalPath:    r.localPath,
		TotalSize:    r.totalSize,
		ExpectedHash: r.expectedHash,
		State:        r.state,
	}
	if len(rec.URLs) == 0 {
		rec.URLs = nil
	}
	if r.lastErr != nil {
		rec.LastError = r.lastErr.Error()
	}
	for _, c := range r.chunks {
		rec.Chunks = append(rec.Chunks, store.ChunkRecord{
			Offset:   c.offset,
			Length:   c.length,
			Received: c.received,
			Done:     c.state == chunkDone,
		})
	}
	return rec
}

func fromStore(rec store.Record) *record {
	r := &record{
		id:           rec.ID,
		urls:         rec.URLs,
		rawURLs:      rec.URLs,
		localPath:    rec.LocalPath,
		totalSize:    rec.TotalSize,
		expectedHash: rec.ExpectedHash,
		state:        rec.State,
	}
	if r.totalSize == 0 && len(rec.Chunks) == 0 {
		r.totalSize = -1
	}
	for _, c := range rec.Chunks {
		state := chunkPending
		if c.Done {
			state = chunkDone
		}
		r.chunks = append(r.chunks, &chunkInfo{
			offset:   c.Offset,
			length:   c.Length,
			received: c.Received,
			state:    state,
		})
	}
	r.ranged = len(r.chunks) > 1
	return r
}
