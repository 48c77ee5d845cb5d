package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saltflake/modfetch/internal/store"
)

func newTestStore(t *testing.T, records []store.Record) *store.Store {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "state.yaml"))
	if err := st.Save(records); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestNeverStartedRecordRemoved(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "mod.zip")
	if err := os.WriteFile(partial, []byte("partial bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	st := newTestStore(t, []store.Record{
		{ID: "never", URLs: nil, LocalPath: partial, State: store.StateQueued},
	})

	result, err := New(st).Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0].ID != "never" {
		t.Fatalf("Removed = %+v, want the never-started record", result.Removed)
	}
	if len(result.Resumable) != 0 {
		t.Errorf("record left resumable: %+v", result.Resumable)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Error("partial file not deleted")
	}
	records, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("state file still holds %d records", len(records))
	}
}

func TestInterruptedClassification(t *testing.T) {
	st := newTestStore(t, []store.Record{
		{
			ID: "partial", URLs: []string{"https://a.example/m.zip"},
			LocalPath: filepath.Join(t.TempDir(), "m.zip"), TotalSize: 1000,
			State: store.StateActive,
			Chunks: []store.ChunkRecord{
				{Offset: 0, Length: 500, Received: 500, Done: true},
				{Offset: 500, Length: 500, Received: 100},
			},
		},
		{ID: "done", URLs: []string{"https://a.example/d.zip"}, State: store.StateFinished},
		{ID: "dead", URLs: []string{"https://a.example/f.zip"}, State: store.StateFailed},
	})

	result, err := New(st).Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Resumable) != 1 || result.Resumable[0].ID != "partial" {
		t.Fatalf("Resumable = %+v", result.Resumable)
	}
	rec := result.Resumable[0]
	if rec.State != store.StateInterrupted {
		t.Errorf("state = %s, want interrupted", rec.State)
	}
	if got := Remaining(rec); got != 400 {
		t.Errorf("Remaining = %d, want 400", got)
	}
	if len(result.Terminal) != 2 {
		t.Errorf("Terminal = %+v, want finished and failed passed through", result.Terminal)
	}
}

func TestRemainingClampsUnderflow(t *testing.T) {
	rec := store.Record{
		TotalSize: 100,
		Chunks:    []store.ChunkRecord{{Offset: 0, Length: 100, Received: 250}},
	}
	if got := Remaining(rec); got != 0 {
		t.Errorf("Remaining = %d, want 0 on underflow", got)
	}
}

func TestRemainingUnknownTotal(t *testing.T) {
	if got := Remaining(store.Record{TotalSize: 0}); got != 0 {
		t.Errorf("Remaining = %d, want 0 for zero total", got)
	}
	if got := Remaining(store.Record{TotalSize: -1}); got != 0 {
		t.Errorf("Remaining = %d, want 0 for unknown total", got)
	}
}

func TestVerifyOnDiskClampsToFileLength(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "m.zip")
	// 600 bytes on disk, bookkeeping claims 500+300
	if err := os.WriteFile(partial, make([]byte, 600), 0644); err != nil {
		t.Fatal(err)
	}
	st := newTestStore(t, []store.Record{
		{
			ID: "drifted", URLs: []string{"https://a.example/m.zip"},
			LocalPath: partial, TotalSize: 1000, State: store.StateActive,
			Chunks: []store.ChunkRecord{
				{Offset: 0, Length: 500, Received: 500, Done: true},
				{Offset: 500, Length: 500, Received: 300},
			},
		},
	})

	m := New(st)
	m.VerifyOnDisk = true
	result, err := m.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec := result.Resumable[0]
	if rec.Chunks[0].Received != 500 || !rec.Chunks[0].Done {
		t.Errorf("chunk 0 should be untouched: %+v", rec.Chunks[0])
	}
	if rec.Chunks[1].Received != 100 || rec.Chunks[1].Done {
		t.Errorf("chunk 1 should clamp to 100 on-disk bytes: %+v", rec.Chunks[1])
	}
}

func TestVerifyOnDiskMissingFileResets(t *testing.T) {
	st := newTestStore(t, []store.Record{
		{
			ID: "gone", URLs: []string{"https://a.example/m.zip"},
			LocalPath: filepath.Join(t.TempDir(), "missing.zip"), TotalSize: 1000,
			State:  store.StateActive,
			Chunks: []store.ChunkRecord{{Offset: 0, Length: 1000, Received: 700}},
		},
	})

	m := New(st)
	m.VerifyOnDisk = true
	result, err := m.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := result.Resumable[0].Chunks[0].Received; got != 0 {
		t.Errorf("received = %d, want 0 when partial file is gone", got)
	}
}
