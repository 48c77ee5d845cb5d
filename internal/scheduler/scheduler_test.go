package scheduler

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

func testContent(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating content: %v", err)
	}
	return data
}

func rangedServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	modTime := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", modTime, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, string) {
	t.Helper()
	utils.SetLogOutput(io.Discard)
	dir := t.TempDir()
	cfg.DestDir = dir
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 50 * time.Millisecond
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	e := New(cfg, WithStore(store.New(filepath.Join(dir, "state.yaml"))))
	if err := e.Start(); err != nil {
		t.Fatalf("starting engine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, dir
}

func waitTerminal(t *testing.T, events <-chan Event, id string) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event channel closed before terminal event")
			}
			if ev.ID == id && ev.Type != EventProgress {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestDownloadChunkedToCompletion(t *testing.T) {
	content := testContent(t, 10*1024)
	srv := rangedServer(t, content)
	sum := sha256.Sum256(content)

	e, dir := newTestEngine(t, Config{MaxChunks: 4, MinChunkSize: 1024})
	id, err := e.Submit([]string{srv.URL + "/payload.bin"}, "", hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFinished {
		t.Fatalf("terminal event = %s (err %v), want finished", ev.Type, ev.Err)
	}
	if ev.Received != int64(len(content)) || ev.Total != int64(len(content)) {
		t.Errorf("received/total = %d/%d, want %d", ev.Received, ev.Total, len(content))
	}
	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("output bytes differ from served content")
	}
}

func TestSubmitRejectsEmptyCandidates(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	if _, err := e.Submit(nil, "", ""); utils.KindOf(err) != utils.KindInvalidRequest {
		t.Errorf("Submit(nil) error kind = %s, want invalid request", utils.KindOf(err))
	}
	if _, err := e.Submit([]string{""}, "", ""); utils.KindOf(err) != utils.KindInvalidRequest {
		t.Errorf("Submit with empty candidate kind = %s, want invalid request", utils.KindOf(err))
	}
}

func TestCandidateRotationOnServerError(t *testing.T) {
	content := testContent(t, 4096)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)
	good := rangedServer(t, content)

	e, dir := newTestEngine(t, Config{})
	id, err := e.Submit([]string{bad.URL + "/payload.bin", good.URL + "/payload.bin"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFinished {
		t.Fatalf("terminal event = %s (err %v), want finished via second candidate", ev.Type, ev.Err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("output bytes differ from served content")
	}
}

func TestAllCandidatesExhaustedFailsRecord(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)

	e, _ := newTestEngine(t, Config{})
	id, err := e.Submit([]string{bad.URL + "/a", bad.URL + "/b"}, "dead.bin", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFailed {
		t.Fatalf("terminal event = %s, want failed", ev.Type)
	}
	if ev.Kind != utils.KindServer {
		t.Errorf("failure kind = %s, want server", ev.Kind)
	}
}

func TestHashMismatchFailsAndRetainsFile(t *testing.T) {
	content := testContent(t, 2048)
	srv := rangedServer(t, content)

	e, dir := newTestEngine(t, Config{})
	wrong := sha256.Sum256([]byte("something else entirely"))
	id, err := e.Submit([]string{srv.URL + "/payload.bin"}, "", hex.EncodeToString(wrong[:]))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFailed {
		t.Fatalf("terminal event = %s, want failed", ev.Type)
	}
	if ev.Kind != utils.KindHashMismatch {
		t.Errorf("failure kind = %s, want hash mismatch", ev.Kind)
	}
	if _, err := os.Stat(filepath.Join(dir, "payload.bin")); err != nil {
		t.Errorf("mismatched file should be retained for inspection: %v", err)
	}
}

func TestCancelRemovesPartialFile(t *testing.T) {
	content := testContent(t, 64*1024)
	started := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.ServeContent(w, r, "slow.bin", time.Now(), bytes.NewReader(content))
			return
		}
		w.Header().Set("Content-Length", "65536")
		w.WriteHeader(http.StatusOK)
		w.Write(content[:512])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	e, dir := newTestEngine(t, Config{})
	id, err := e.Submit([]string{srv.URL + "/slow.bin"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("transfer never started")
	}
	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventRemoved {
		t.Fatalf("terminal event = %s, want removed", ev.Type)
	}
	if _, err := os.Stat(filepath.Join(dir, "slow.bin")); !os.IsNotExist(err) {
		t.Errorf("partial file should be deleted on cancel, stat err = %v", err)
	}
}

func TestPauseQueuedDownloadPersists(t *testing.T) {
	content := testContent(t, 16*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.ServeContent(w, r, "block.bin", time.Now(), bytes.NewReader(content))
			return
		}
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	e, dir := newTestEngine(t, Config{GlobalLimit: 1})
	if _, err := e.Submit([]string{srv.URL + "/block.bin"}, "first.bin", ""); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := e.Submit([]string{srv.URL + "/other.bin"}, "second.bin", "")
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := e.Pause(second); err != nil {
		t.Fatalf("pause queued download: %v", err)
	}

	records, err := store.New(filepath.Join(dir, "state.yaml")).Load()
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.ID == second {
			found = true
			if rec.State != store.StatePaused {
				t.Errorf("second record state = %s, want paused", rec.State)
			}
		}
	}
	if !found {
		t.Error("paused record missing from persisted state")
	}
}

func TestRangeSupportCollapsesToLinear(t *testing.T) {
	content := testContent(t, 8*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			// Advertise range support that GET will not honor.
			http.ServeContent(w, r, "liar.bin", time.Now(), bytes.NewReader(content))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	e, dir := newTestEngine(t, Config{MaxChunks: 4, MinChunkSize: 1024})
	id, err := e.Submit([]string{srv.URL + "/liar.bin"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFinished {
		t.Fatalf("terminal event = %s (err %v), want finished after collapse", ev.Type, ev.Err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "liar.bin"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("collapsed linear download produced wrong bytes")
	}
}

func TestTerminalEventSurvivesLaggingConsumer(t *testing.T) {
	content := testContent(t, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			http.ServeContent(w, r, "drip.bin", time.Now(), bytes.NewReader(content))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content[:1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(600 * time.Millisecond)
		w.Write(content[1024:])
	}))
	t.Cleanup(srv.Close)

	e, _ := newTestEngine(t, Config{ProgressInterval: time.Millisecond})
	id, err := e.Submit([]string{srv.URL + "/drip.bin"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Let progress ticks overflow the event buffer before consuming
	time.Sleep(800 * time.Millisecond)
	ev := waitTerminal(t, e.Events(), id)
	if ev.Type != EventFinished {
		t.Fatalf("terminal event = %s (err %v), want finished despite lagging consumer", ev.Type, ev.Err)
	}
}

func TestConcurrencyCapsHold(t *testing.T) {
	content := testContent(t, 8*1024)
	var mu sync.Mutex
	perPath := make(map[string]int)
	var maxPerPath, inflight, maxInflight, activePaths, maxActivePaths int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			if perPath[r.URL.Path] == 0 {
				activePaths++
			}
			perPath[r.URL.Path]++
			inflight++
			maxPerPath = max(maxPerPath, perPath[r.URL.Path])
			maxInflight = max(maxInflight, inflight)
			maxActivePaths = max(maxActivePaths, activePaths)
			mu.Unlock()
			defer func() {
				mu.Lock()
				perPath[r.URL.Path]--
				if perPath[r.URL.Path] == 0 {
					activePaths--
				}
				inflight--
				mu.Unlock()
			}()
			time.Sleep(20 * time.Millisecond)
		}
		http.ServeContent(w, r, "part.bin", time.Now(), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)

	const globalLimit, chunkLimit = 2, 2
	e, _ := newTestEngine(t, Config{
		GlobalLimit: globalLimit, ChunkLimit: chunkLimit,
		MaxChunks: 4, MinChunkSize: 1024,
	})
	ids := make(map[string]bool)
	for i := 0; i < 4; i++ {
		id, err := e.Submit([]string{fmt.Sprintf("%s/f%d.bin", srv.URL, i)},
			fmt.Sprintf("f%d.bin", i), "")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[id] = true
	}
	deadline := time.After(30 * time.Second)
	for len(ids) > 0 {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			if ev.Type == EventFinished || ev.Type == EventFailed || ev.Type == EventRemoved {
				if ev.Type != EventFinished {
					t.Errorf("download %s ended %s: %v", ev.ID, ev.Type, ev.Err)
				}
				delete(ids, ev.ID)
			}
		case <-deadline:
			t.Fatal("timed out waiting for downloads")
		}
	}
	if maxActivePaths > globalLimit {
		t.Errorf("observed %d downloads transferring at once, limit is %d", maxActivePaths, globalLimit)
	}
	if maxPerPath > chunkLimit {
		t.Errorf("observed %d connections for one download, limit is %d", maxPerPath, chunkLimit)
	}
	if maxInflight > globalLimit*chunkLimit {
		t.Errorf("observed %d connections total, limit is %d", maxInflight, globalLimit*chunkLimit)
	}
}

func TestRestoreSurfacesInterruptedRecords(t *testing.T) {
	e, dir := newTestEngine(t, Config{})
	rec := store.Record{
		ID:        "rec-1",
		URLs:      []string{"http://example.invalid/file"},
		LocalPath: filepath.Join(dir, "file.part"),
		TotalSize: 1000,
		State:     store.StateInterrupted,
		Chunks: []store.ChunkRecord{
			{Offset: 0, Length: 500, Received: 500, Done: true},
			{Offset: 500, Length: 500, Received: 120},
		},
	}
	if err := e.Restore([]store.Record{rec}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	ev := waitTerminal(t, e.Events(), "rec-1")
	if ev.Type != EventInterrupted {
		t.Fatalf("event = %s, want interrupted", ev.Type)
	}
	if ev.Received != 620 || ev.Total != 1000 {
		t.Errorf("received/total = %d/%d, want 620/1000", ev.Received, ev.Total)
	}
}
