// Package recovery reconciles persisted download records against the
// working directory at startup, before the scheduler admits new work.
package recovery

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

// Removal is the explicit "removed: never started" signal for a record
// that cannot be resumed.
type Removal struct {
	ID        string
	LocalPath string
	Reason    string
}

type Result struct {
	// Resumable records, re-marked interrupted; they need an explicit
	// resume action before re-entering the queue.
	Resumable []store.Record
	// Terminal records, passed through untouched.
	Terminal []store.Record
	Removed  []Removal
}

type Manager struct {
	store *store.Store
	// VerifyOnDisk re-stats each partial file and clamps chunk progress
	// to what is actually on disk, catching bookkeeping that ran ahead
	// of a crashed write.
	VerifyOnDisk bool
	log          zerolog.Logger
}

func New(st *store.Store) *Manager {
	return &Manager{
		store: st,
		log:   utils.GetLogger("recovery"),
	}
}

// Remaining computes the bytes still needed from chunk bookkeeping alone.
// Unknown or zero totals have nothing left to verify; corrupted counters
// clamp to zero instead of going negative.
func Remaining(rec store.Record) int64 {
	if rec.TotalSize <= 0 {
		return 0
	}
	remaining := rec.TotalSize - rec.Received()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reconcile classifies every persisted record and rewrites the state file
// to match. Records that never resolved a candidate URL are dropped and
// their partial files removed.
func (m *Manager) Reconcile() (Result, error) {
	records, err := m.store.Load()
	if err != nil {
		return Result{}, err
	}
	var result Result
	for _, rec := range records {
		if rec.Terminal() {
			result.Terminal = append(result.Terminal, rec)
			continue
		}
		if len(rec.URLs) == 0 {
			if rec.LocalPath != "" {
				if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
					m.log.Warn().Err(err).Str("path", rec.LocalPath).Msg("Could not remove partial file")
				}
			}
			m.log.Info().Str("recordId", rec.ID).Msg("Removing record that never started")
			result.Removed = append(result.Removed, Removal{
				ID:        rec.ID,
				LocalPath: rec.LocalPath,
				Reason:    "never started: no candidate URLs were resolved",
			})
			continue
		}
		if m.VerifyOnDisk {
			m.clampToDisk(&rec)
		}
		rec.State = store.StateInterrupted
		m.log.Debug().Str("recordId", rec.ID).Int64("remaining", Remaining(rec)).Msg("Record marked interrupted")
		result.Resumable = append(result.Resumable, rec)
	}
	kept := append(append([]store.Record{}, result.Terminal...), result.Resumable...)
	if err := m.store.Save(kept); err != nil {
		return result, err
	}
	return result, nil
}

// clampToDisk trusts the file over the bookkeeping: a chunk cannot have
// received bytes past the end of the partial file.
func (m *Manager) clampToDisk(rec *store.Record) {
	info, err := os.Stat(rec.LocalPath)
	if err != nil {
		for i := range rec.Chunks {
			rec.Chunks[i].Received = 0
			rec.Chunks[i].Done = false
		}
		return
	}
	fileSize := info.Size()
	for i := range rec.Chunks {
		c := &rec.Chunks[i]
		max := fileSize - c.Offset
		if max < 0 {
			max = 0
		}
		if c.Received > max {
			m.log.Debug().Str("recordId", rec.ID).Int("chunk", i).Int64("received", c.Received).Int64("onDisk", max).Msg("Clamping chunk progress to disk")
			c.Received = max
			c.Done = false
		}
	}
}
