// Package scheduler owns the set of active downloads: admission under the
// global cap, chunk-worker assignment, candidate URL rotation, retries,
// verification and the event stream back to the caller. The record set is
// mutated only by the engine's loop goroutine; workers report over
// channels (single-writer discipline).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/saltflake/modfetch/internal/chunk"
	"github.com/saltflake/modfetch/internal/fetch"
	"github.com/saltflake/modfetch/internal/meter"
	"github.com/saltflake/modfetch/internal/resolver"
	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
	"github.com/saltflake/modfetch/internal/verify"
)

type cmdOp int

const (
	opSubmit cmdOp = iota
	opRestore
	opPause
	opResume
	opCancel
	opSetGlobal
	opSetChunkLimit
	opSetDestDir
	opKick
)

type command struct {
	op    cmdOp
	id    string
	rec   *record
	recs  []*record
	n     int
	path  string
	reply chan error
}

type probeResult struct {
	id         string
	candidates []string
	size       int64
	ranged     bool
	filename   string
	err        error
}

type verifyResult struct {
	id     string
	result verify.Result
	err    error
}

// Engine is the download scheduler. Construct with New, then Start; the
// caller owns the lifecycle and must consume Events.
type Engine struct {
	cfg      Config
	registry *resolver.Registry
	store    *store.Store
	client   *utils.Client
	meter    *meter.Meter
	log      zerolog.Logger

	commands chan command
	reports  chan fetch.Report
	probes   chan probeResult
	verifies chan verifyResult
	events   chan Event

	records  map[string]*record
	queue    []string
	inflight int // worker + probe + verify goroutines not yet reported

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu      sync.Mutex
	started bool
}

type Option func(*Engine)

func WithRegistry(r *resolver.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		registry: resolver.DefaultRegistry(),
		meter:    meter.New(cfg.SpeedWindow),
		log:      utils.GetLogger("scheduler"),
		commands: make(chan command),
		reports:  make(chan fetch.Report, 256),
		probes:   make(chan probeResult),
		verifies: make(chan verifyResult),
		events:   make(chan Event, 256),
		records:  make(map[string]*record),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	clientCfg := cfg.ClientConfig
	clientCfg.HighThreadMode = cfg.ChunkLimit > 5
	e.client = utils.NewClient(clientCfg)
	return e
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.loop()
	return nil
}

// Stop cancels all in-flight work, persists a final snapshot and closes
// the event channel.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.cancel()
	<-e.loopDone
}

// Events must be consumed for the engine to make progress; the channel is
// closed by Stop.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Submit registers a new download. Validation is synchronous: an empty
// candidate list is rejected without creating a record.
func (e *Engine) Submit(candidateURLs []string, destHint string, expectedHash string) (string, error) {
	if len(candidateURLs) == 0 {
		return "", fmt.Errorf("%w: no candidate URLs", utils.ErrInvalidRequest)
	}
	for _, raw := range candidateURLs {
		if raw == "" {
			return "", fmt.Errorf("%w: empty candidate URL", utils.ErrInvalidRequest)
		}
	}
	rec := &record{
		id:           uuid.New().String(),
		rawURLs:      append([]string{}, candidateURLs...),
		destHint:     destHint,
		totalSize:    -1,
		expectedHash: expectedHash,
		state:        store.StateQueued,
	}
	if err := e.send(command{op: opSubmit, rec: rec}); err != nil {
		return "", err
	}
	return rec.id, nil
}

// Restore injects records reclassified by the recovery manager. They sit
// in interrupted until individually resumed.
func (e *Engine) Restore(recs []store.Record) error {
	restored := make([]*record, 0, len(recs))
	for _, rec := range recs {
		restored = append(restored, fromStore(rec))
	}
	return e.send(command{op: opRestore, recs: restored})
}

func (e *Engine) Pause(id string) error  { return e.send(command{op: opPause, id: id}) }
func (e *Engine) Resume(id string) error { return e.send(command{op: opResume, id: id}) }
func (e *Engine) Cancel(id string) error { return e.send(command{op: opCancel, id: id}) }

func (e *Engine) SetGlobalConcurrency(n int) error {
	return e.send(command{op: opSetGlobal, n: n})
}

func (e *Engine) SetPerDownloadChunkLimit(n int) error {
	return e.send(command{op: opSetChunkLimit, n: n})
}

// SetDestinationDirectory affects newly admitted records; in-flight
// records keep their path until individually resumed.
func (e *Engine) SetDestinationDirectory(path string) error {
	return e.send(command{op: opSetDestDir, path: path})
}

func (e *Engine) send(cmd command) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return errors.New("engine not started")
	}
	cmd.reply = make(chan error, 1)
	select {
	case e.commands <- cmd:
	case <-e.ctx.Done():
		return errors.New("engine stopped")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.ctx.Done():
		return errors.New("engine stopped")
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-e.commands:
			cmd.reply <- e.handleCommand(cmd)
		case rep := <-e.reports:
			e.handleReport(rep)
		case pr := <-e.probes:
			e.handleProbe(pr)
		case vr := <-e.verifies:
			e.handleVerify(vr)
		case <-ticker.C:
			e.emitProgress()
			e.persist()
		case <-e.ctx.Done():
			e.shutdown()
			return
		}
	}
}

// shutdown drains outstanding goroutines, then persists the snapshot so
// the recovery manager can reclassify it on the next run.
func (e *Engine) shutdown() {
	for _, rec := range e.records {
		if rec.workersCancel != nil {
			rec.workersCancel()
		}
	}
	for e.inflight > 0 {
		select {
		case rep := <-e.reports:
			if rep.Terminal {
				e.inflight--
				if rec, ok := e.records[rep.RecordID]; ok && rec.activeWorkers > 0 {
					rec.activeWorkers--
				}
			}
		case <-e.probes:
			e.inflight--
		case <-e.verifies:
			e.inflight--
		}
	}
	for _, rec := range e.records {
		if rec.file != nil {
			rec.file.Close()
			rec.file = nil
		}
	}
	e.persist()
	close(e.events)
}

func (e *Engine) handleCommand(cmd command) error {
	switch cmd.op {
	case opSubmit:
		return e.handleSubmit(cmd.rec)
	case opRestore:
		for _, rec := range cmd.recs {
			rec.state = store.StateInterrupted
			e.records[rec.id] = rec
			e.emit(Event{Type: EventInterrupted, ID: rec.id, LocalPath: rec.localPath,
				Received: rec.received(), Total: rec.totalSize})
		}
		e.persist()
		return nil
	case opPause:
		return e.handlePause(cmd.id)
	case opResume:
		return e.handleResume(cmd.id)
	case opCancel:
		return e.handleCancel(cmd.id)
	case opSetGlobal:
		if cmd.n < 1 {
			return fmt.Errorf("%w: concurrency must be positive", utils.ErrInvalidRequest)
		}
		e.cfg.GlobalLimit = cmd.n
		e.admit()
		return nil
	case opSetChunkLimit:
		if cmd.n < 1 {
			return fmt.Errorf("%w: chunk limit must be positive", utils.ErrInvalidRequest)
		}
		e.cfg.ChunkLimit = cmd.n
		for _, rec := range e.records {
			if rec.state == store.StateActive {
				e.dispatch(rec)
			}
		}
		return nil
	case opSetDestDir:
		e.cfg.DestDir = cmd.path
		return nil
	case opKick:
		if rec, ok := e.records[cmd.id]; ok && rec.state == store.StateActive {
			e.dispatch(rec)
		}
		return nil
	}
	return fmt.Errorf("unknown command %d", cmd.op)
}

func (e *Engine) handleSubmit(rec *record) error {
	// A second submission against the same destination supersedes the
	// first; the newer request owns the path.
	if rec.destHint != "" {
		for _, other := range e.records {
			if other.destHint == rec.destHint && other.state != store.StateFinished && other.state != store.StateFailed {
				e.log.Info().Str("recordId", other.id).Str("dest", rec.destHint).Msg("Superseding duplicate download")
				e.removeRecord(other, false)
			}
		}
	}
	e.records[rec.id] = rec
	e.queue = append(e.queue, rec.id)
	e.log.Debug().Str("recordId", rec.id).Int("candidates", len(rec.rawURLs)).Msg("Download queued")
	e.admit()
	return nil
}

func (e *Engine) handlePause(id string) error {
	rec, ok := e.records[id]
	if !ok {
		return utils.ErrUnknownRecord
	}
	switch rec.state {
	case store.StateQueued:
		e.dequeue(id)
		rec.state = store.StatePaused
		e.persist()
		return nil
	case store.StateProbing, store.StateActive:
		rec.requestAction(actionPause)
		if rec.workersCancel != nil {
			rec.workersCancel()
		}
		if rec.activeWorkers == 0 && !rec.verifying && rec.state == store.StateActive {
			e.finalizePause(rec)
		}
		return nil
	}
	return fmt.Errorf("cannot pause record in state %s", rec.state)
}

func (e *Engine) handleResume(id string) error {
	rec, ok := e.records[id]
	if !ok {
		return utils.ErrUnknownRecord
	}
	switch rec.state {
	case store.StatePaused, store.StateInterrupted, store.StateFailed:
	default:
		return fmt.Errorf("cannot resume record in state %s", rec.state)
	}
	// Failed chunks get a fresh retry budget on explicit retry
	for _, c := range rec.chunks {
		if c.state == chunkFailed || c.state == chunkActive {
			c.state = chunkPending
		}
		c.attempts = 0
		c.tried = nil
		c.urlIndex = 0
		c.retryAt = time.Time{}
	}
	rec.lastErr = nil
	rec.errKind = utils.KindNone
	rec.pending = actionNone
	e.relocate(rec)
	rec.state = store.StateQueued
	e.queue = append(e.queue, rec.id)
	e.log.Debug().Str("recordId", rec.id).Msg("Download re-queued")
	e.admit()
	return nil
}

// relocate moves a record's partial file under the current destination
// directory; resuming is the only point where a path may change.
func (e *Engine) relocate(rec *record) {
	if e.cfg.DestDir == "" || rec.localPath == "" {
		return
	}
	if filepath.Dir(rec.localPath) == filepath.Clean(e.cfg.DestDir) {
		return
	}
	newPath := filepath.Join(e.cfg.DestDir, filepath.Base(rec.localPath))
	if rec.file != nil {
		rec.file.Close()
		rec.file = nil
	}
	if err := os.MkdirAll(e.cfg.DestDir, 0755); err != nil {
		e.log.Warn().Err(err).Str("dir", e.cfg.DestDir).Msg("Could not create destination directory, keeping original path")
		return
	}
	if _, err := os.Stat(rec.localPath); err == nil {
		if err := os.Rename(rec.localPath, newPath); err != nil {
			e.log.Warn().Err(err).Str("from", rec.localPath).Str("to", newPath).Msg("Could not move partial file, keeping original path")
			return
		}
	}
	rec.localPath = newPath
}

func (e *Engine) handleCancel(id string) error {
	rec, ok := e.records[id]
	if !ok {
		return utils.ErrUnknownRecord
	}
	if rec.state == store.StateQueued {
		e.dequeue(id)
	}
	rec.requestAction(actionCancel)
	if rec.workersCancel != nil {
		rec.workersCancel()
	}
	if rec.activeWorkers == 0 && !rec.verifying && rec.state != store.StateProbing {
		e.removeRecord(rec, true)
	}
	return nil
}

func (e *Engine) dequeue(id string) {
	for i, queued := range e.queue {
		if queued == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) activeCount() int {
	count := 0
	for _, rec := range e.records {
		if rec.state == store.StateProbing || rec.state == store.StateActive {
			count++
		}
	}
	return count
}

// admit moves queued records into probing, FIFO, while the global cap
// allows.
func (e *Engine) admit() {
	for len(e.queue) > 0 && e.activeCount() < e.cfg.GlobalLimit {
		id := e.queue[0]
		e.queue = e.queue[1:]
		rec, ok := e.records[id]
		if !ok || rec.state != store.StateQueued {
			continue
		}
		e.startProbing(rec)
	}
}

func (e *Engine) startProbing(rec *record) {
	rec.workersCtx, rec.workersCancel = context.WithCancel(e.ctx)
	// A restored record already knows its plan; skip straight to transfer.
	if len(rec.chunks) > 0 && rec.localPath != "" {
		if err := e.openFile(rec, false); err != nil {
			e.failRecord(rec, utils.KindDisk, err)
			return
		}
		rec.state = store.StateActive
		e.persist()
		if rec.allDone() {
			// All bytes were already on disk; only verification remains.
			e.startVerify(rec)
			return
		}
		e.dispatch(rec)
		return
	}
	rec.state = store.StateProbing
	e.inflight++
	go e.probe(rec.workersCtx, rec.id, rec.rawURLs)
}

// probe resolves candidates and learns size/range support off the loop
// goroutine; the result is handed back as a message.
func (e *Engine) probe(ctx context.Context, id string, rawURLs []string) {
	log := e.log.With().Str("recordId", id).Logger()
	var candidates []string
	var lastErr error
	for _, raw := range rawURLs {
		resolved, err := e.registry.Resolve(ctx, raw)
		if err != nil {
			log.Debug().Err(err).Str("url", raw).Msg("Candidate failed to resolve")
			lastErr = fmt.Errorf("%w: %v", utils.ErrInvalidRequest, err)
			continue
		}
		candidates = append(candidates, resolved...)
	}
	if len(candidates) == 0 {
		if lastErr == nil {
			lastErr = utils.ErrInvalidRequest
		}
		e.probes <- probeResult{id: id, err: lastErr}
		return
	}
	result := probeResult{id: id, candidates: candidates, size: -1}
	for _, url := range candidates {
		if ctx.Err() != nil {
			break
		}
		probed, err := utils.Probe(url, e.client)
		if err != nil {
			log.Debug().Err(err).Str("url", url).Msg("Probe failed, trying next candidate")
			continue
		}
		result.size = probed.Size
		result.ranged = probed.Ranged
		result.filename = probed.Filename
		break
	}
	// No probe succeeded: fall back to a linear GET attempt; real
	// failures will surface through the normal chunk error path.
	e.probes <- probeResult{id: result.id, candidates: result.candidates,
		size: result.size, ranged: result.ranged, filename: result.filename}
}

func (e *Engine) handleProbe(pr probeResult) {
	e.inflight--
	rec, ok := e.records[pr.id]
	if !ok {
		return
	}
	switch rec.pending {
	case actionCancel:
		e.removeRecord(rec, true)
		return
	case actionPause:
		rec.pending = actionNone
		rec.state = store.StatePaused
		e.persist()
		e.admit()
		return
	}
	if pr.err != nil {
		e.failRecord(rec, utils.KindOf(pr.err), pr.err)
		return
	}
	rec.urls = pr.candidates
	rec.totalSize = pr.size
	rec.ranged = pr.ranged && pr.size > 0
	if rec.localPath == "" {
		name := rec.destHint
		if name == "" {
			name = pr.filename
		}
		if name == "" {
			name = utils.FilenameFromURL(pr.candidates[0])
		}
		if name == "" {
			name = rec.id
		}
		path := name
		if e.cfg.DestDir != "" && !filepath.IsAbs(name) {
			path = filepath.Join(e.cfg.DestDir, name)
		}
		if _, err := os.Stat(path); err == nil && !e.pathOwned(path) {
			path = utils.RenewOutputPath(path)
		}
		rec.localPath = path
	}
	if err := e.openFile(rec, true); err != nil {
		e.failRecord(rec, utils.KindDisk, err)
		return
	}
	if rec.ranged {
		plan := chunk.Plan(rec.totalSize, e.cfg.MaxChunks, e.cfg.MinChunkSize)
		for _, r := range plan {
			rec.chunks = append(rec.chunks, &chunkInfo{offset: r.Offset, length: r.Length})
		}
		rec.ranged = len(rec.chunks) > 1
	} else if rec.totalSize != 0 {
		rec.chunks = []*chunkInfo{{offset: 0, length: rec.totalSize}}
	}
	rec.state = store.StateActive
	e.log.Debug().Str("recordId", rec.id).Int64("size", rec.totalSize).Int("chunks", len(rec.chunks)).Bool("ranged", rec.ranged).Str("path", rec.localPath).Msg("Probe complete")
	e.persist()
	if rec.totalSize == 0 {
		e.startVerify(rec)
		return
	}
	e.dispatch(rec)
}

func (e *Engine) pathOwned(path string) bool {
	for _, rec := range e.records {
		if rec.localPath == path {
			return true
		}
	}
	return false
}

func (e *Engine) openFile(rec *record, fresh bool) error {
	if rec.file != nil {
		return nil
	}
	if dir := filepath.Dir(rec.localPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %v", err)
		}
	}
	flags := os.O_RDWR | os.O_CREATE
	if fresh && rec.received() == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(rec.localPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("error opening output file: %v", err)
	}
	rec.file = f
	return nil
}

// dispatch assigns pending chunks to free worker slots in offset order so
// early-file data is available first.
func (e *Engine) dispatch(rec *record) {
	if rec.pending != actionNone || rec.state != store.StateActive {
		return
	}
	now := time.Now()
	var nextRetry time.Time
	for idx, c := range rec.chunks {
		if rec.activeWorkers >= e.cfg.ChunkLimit {
			break
		}
		if c.state != chunkPending {
			continue
		}
		if c.retryAt.After(now) {
			if nextRetry.IsZero() || c.retryAt.Before(nextRetry) {
				nextRetry = c.retryAt
			}
			continue
		}
		c.state = chunkActive
		rec.activeWorkers++
		e.inflight++
		go fetch.Run(rec.workersCtx, fetch.Request{
			RecordID:    rec.id,
			ChunkIndex:  idx,
			URL:         rec.urls[c.urlIndex],
			Offset:      c.offset,
			Length:      c.length,
			Received:    c.received,
			File:        rec.file,
			Client:      e.client,
			Ranged:      rec.ranged,
			IdleTimeout: e.cfg.IdleTimeout,
			BufferSize:  e.cfg.BufferSize,
		}, e.reports)
	}
	if !nextRetry.IsZero() {
		id := rec.id
		delay := time.Until(nextRetry)
		if delay < 0 {
			delay = 0
		}
		time.AfterFunc(delay, func() {
			select {
			case e.commands <- command{op: opKick, id: id, reply: make(chan error, 1)}:
			case <-e.ctx.Done():
			}
		})
	}
}

func (e *Engine) handleReport(rep fetch.Report) {
	rec, ok := e.records[rep.RecordID]
	if !rep.Terminal {
		if ok && rep.ChunkIndex < len(rec.chunks) {
			rec.chunks[rep.ChunkIndex].received += rep.Delta
			e.meter.Add(rep.RecordID, rep.ChunkIndex, rep.Delta)
		}
		return
	}
	e.inflight--
	if !ok {
		return
	}
	rec.activeWorkers--
	if rep.ChunkIndex >= len(rec.chunks) {
		return
	}
	c := rec.chunks[rep.ChunkIndex]
	switch rep.Outcome {
	case fetch.OutcomeDone:
		c.state = chunkDone
		if c.length < 0 {
			// Linear stream finished; the received count is the size.
			c.length = c.received
			rec.totalSize = c.received
		}
		e.persist()
		if rec.pending == actionCancel || rec.pending == actionFail {
			e.maybeFinalizeAction(rec)
			return
		}
		if rec.allDone() {
			// A pause or collapse that raced the final chunk is moot.
			rec.pending = actionNone
			e.startVerify(rec)
			return
		}
		if rec.pending != actionNone {
			e.maybeFinalizeAction(rec)
			return
		}
		e.dispatch(rec)
	case fetch.OutcomeCanceled:
		c.state = chunkPending
		e.maybeFinalizeAction(rec)
	case fetch.OutcomeNetworkError:
		e.retryChunk(rec, rep.ChunkIndex, c, rep.Err)
	case fetch.OutcomeServerError:
		e.log.Debug().Str("recordId", rec.id).Int("chunk", rep.ChunkIndex).Int("status", rep.Status).Msg("Candidate exhausted by server error")
		c.markTried(c.urlIndex)
		e.rotateOrFail(rec, c, utils.KindServer, rep.Err)
	case fetch.OutcomeDiskError:
		c.state = chunkPending
		e.failRecord(rec, utils.KindDisk, rep.Err)
	case fetch.OutcomeRangeUnsupported:
		c.state = chunkPending
		e.log.Debug().Str("recordId", rec.id).Msg("Range support lost mid-flight, collapsing to linear stream")
		rec.requestAction(actionCollapse)
		if rec.workersCancel != nil {
			rec.workersCancel()
		}
		e.maybeFinalizeAction(rec)
	}
}

// retryChunk re-queues a chunk after a transient failure, rotating to the
// next candidate once the per-candidate attempt budget is spent.
func (e *Engine) retryChunk(rec *record, idx int, c *chunkInfo, cause error) {
	c.attempts++
	if c.attempts < e.cfg.ChunkRetries {
		c.state = chunkPending
		c.retryAt = time.Now().Add(time.Duration(c.attempts) * e.cfg.RetryBackoff)
		e.log.Debug().Str("recordId", rec.id).Int("chunk", idx).Int("attempt", c.attempts).Err(cause).Msg("Retrying chunk")
		e.dispatch(rec)
		return
	}
	c.markTried(c.urlIndex)
	e.rotateOrFail(rec, c, utils.KindNetwork, cause)
}

func (e *Engine) rotateOrFail(rec *record, c *chunkInfo, kind utils.Kind, cause error) {
	if next, ok := c.nextCandidate(len(rec.urls)); ok {
		c.urlIndex = next
		c.attempts = 0
		c.state = chunkPending
		c.retryAt = time.Time{}
		e.log.Debug().Str("recordId", rec.id).Int("candidate", next).Msg("Rotating chunk to next candidate URL")
		e.dispatch(rec)
		return
	}
	c.state = chunkFailed
	if cause == nil {
		cause = errors.New("all candidate URLs exhausted")
	}
	e.failRecord(rec, kind, cause)
}

// maybeFinalizeAction completes a pause, cancel or collapse once every
// worker for the record has drained.
func (e *Engine) maybeFinalizeAction(rec *record) {
	if rec.activeWorkers > 0 || rec.verifying {
		return
	}
	switch rec.pending {
	case actionPause:
		e.finalizePause(rec)
	case actionCancel:
		e.removeRecord(rec, true)
	case actionFail:
		rec.pending = actionNone
		e.finalizeFail(rec)
	case actionCollapse:
		rec.pending = actionNone
		e.collapseToLinear(rec)
	}
}

func (e *Engine) finalizePause(rec *record) {
	rec.pending = actionNone
	rec.state = store.StatePaused
	e.log.Debug().Str("recordId", rec.id).Int64("received", rec.received()).Msg("Download paused")
	e.persist()
	e.admit()
}

// collapseToLinear discards the chunk plan after discovering the server
// does not honor ranges; split bytes cannot be trusted, so the transfer
// restarts as one stream.
func (e *Engine) collapseToLinear(rec *record) {
	if rec.file != nil {
		if err := rec.file.Truncate(0); err != nil {
			e.failRecord(rec, utils.KindDisk, fmt.Errorf("error discarding split plan: %v", err))
			return
		}
	}
	e.meter.Forget(rec.id)
	rec.chunks = []*chunkInfo{{offset: 0, length: rec.totalSize}}
	rec.ranged = false
	rec.workersCtx, rec.workersCancel = context.WithCancel(e.ctx)
	e.persist()
	e.dispatch(rec)
}

func (e *Engine) failRecord(rec *record, kind utils.Kind, err error) {
	rec.errKind = kind
	rec.lastErr = err
	if rec.activeWorkers > 0 || rec.verifying {
		rec.requestAction(actionFail)
		if rec.workersCancel != nil {
			rec.workersCancel()
		}
		return
	}
	e.finalizeFail(rec)
}

func (e *Engine) finalizeFail(rec *record) {
	rec.state = store.StateFailed
	if rec.file != nil {
		rec.file.Close()
		rec.file = nil
	}
	// Disk errors for a never-written record leave nothing worth keeping
	e.meter.Forget(rec.id)
	e.log.Debug().Str("recordId", rec.id).Str("kind", string(rec.errKind)).Err(rec.lastErr).Msg("Download failed")
	e.persist()
	e.emit(Event{Type: EventFailed, ID: rec.id, LocalPath: rec.localPath,
		Received: rec.received(), Total: rec.totalSize, Err: rec.lastErr, Kind: rec.errKind})
	e.admit()
}

func (e *Engine) startVerify(rec *record) {
	rec.verifying = true
	e.inflight++
	path, hash := rec.localPath, rec.expectedHash
	id := rec.id
	go func() {
		result, err := verify.File(path, hash)
		e.verifies <- verifyResult{id: id, result: result, err: err}
	}()
}

func (e *Engine) handleVerify(vr verifyResult) {
	e.inflight--
	rec, ok := e.records[vr.id]
	if !ok {
		return
	}
	rec.verifying = false
	if rec.pending == actionCancel {
		e.removeRecord(rec, true)
		return
	}
	if vr.err != nil {
		e.failRecord(rec, utils.KindDisk, vr.err)
		return
	}
	if vr.result == verify.Mismatch {
		// File is retained for inspection; this is not a transfer error.
		e.failRecord(rec, utils.KindHashMismatch, errors.New("downloaded file does not match expected hash"))
		return
	}
	rec.state = store.StateFinished
	if rec.file != nil {
		rec.file.Close()
		rec.file = nil
	}
	e.meter.Forget(rec.id)
	e.log.Info().Str("recordId", rec.id).Str("path", rec.localPath).Int64("size", rec.totalSize).Msg("Download finished")
	e.persist()
	e.emit(Event{Type: EventFinished, ID: rec.id, LocalPath: rec.localPath,
		Received: rec.received(), Total: rec.totalSize})
	e.admit()
}

// removeRecord drops a record; deletePartial additionally removes the
// on-disk file (explicit cancel or never-started cleanup).
func (e *Engine) removeRecord(rec *record, deletePartial bool) {
	if rec.workersCancel != nil {
		rec.workersCancel()
	}
	if rec.file != nil {
		rec.file.Close()
		rec.file = nil
	}
	if deletePartial && rec.localPath != "" {
		if err := os.Remove(rec.localPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("path", rec.localPath).Msg("Could not remove partial file")
		}
	}
	delete(e.records, rec.id)
	e.dequeue(rec.id)
	e.meter.Forget(rec.id)
	e.persist()
	e.emit(Event{Type: EventRemoved, ID: rec.id, LocalPath: rec.localPath})
	e.admit()
}

func (e *Engine) emitProgress() {
	for _, rec := range e.records {
		if rec.state != store.StateActive && rec.state != store.StateProbing {
			continue
		}
		ev := Event{
			Type:      EventProgress,
			ID:        rec.id,
			LocalPath: rec.localPath,
			Received:  rec.received(),
			Total:     rec.totalSize,
			Speed:     e.meter.DownloadRate(rec.id),
		}
		for idx := range rec.chunks {
			ev.ChunkSpeeds = append(ev.ChunkSpeeds, e.meter.ChunkRate(rec.id, idx))
		}
		if rec.lastErr != nil {
			ev.Err = rec.lastErr
			ev.Kind = rec.errKind
		}
		e.emit(ev)
	}
}

// emit delivers an event to the consumer. Finished, failed and removed
// carry a record's outcome exactly once and are never dropped: the send
// waits for the consumer (or engine shutdown). Progress and interrupted
// notices are best-effort and dropped when the buffer is full.
func (e *Engine) emit(ev Event) {
	switch ev.Type {
	case EventFinished, EventFailed, EventRemoved:
		select {
		case e.events <- ev:
		case <-e.ctx.Done():
		}
	default:
		select {
		case e.events <- ev:
		default:
			e.log.Debug().Str("recordId", ev.ID).Str("type", ev.Type.String()).Msg("Event dropped, consumer lagging")
		}
	}
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	snapshot := make([]store.Record, 0, len(e.records))
	for _, rec := range e.records {
		snapshot = append(snapshot, rec.toStore())
	}
	if err := e.store.Save(snapshot); err != nil {
		e.log.Warn().Err(err).Msg("Could not persist download state")
	}
}
