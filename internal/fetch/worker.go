// Package fetch performs one ranged request against one candidate URL,
// streaming bytes to their absolute position in the destination file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/saltflake/modfetch/internal/utils"
)

type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeNetworkError
	OutcomeServerError
	OutcomeDiskError
	OutcomeRangeUnsupported
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeNetworkError:
		return "networkError"
	case OutcomeServerError:
		return "serverError"
	case OutcomeDiskError:
		return "diskError"
	case OutcomeRangeUnsupported:
		return "rangeUnsupported"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// Report is one message from a worker to the scheduler: either a byte
// delta (Terminal false) or the terminal outcome of the fetch.
type Report struct {
	RecordID   string
	ChunkIndex int
	Delta      int64
	Terminal   bool
	Outcome    Outcome
	Status     int
	Err        error
}

// Request describes one chunk fetch. Length -1 means the remote size is
// unknown and the body is streamed linearly until EOF.
type Request struct {
	RecordID    string
	ChunkIndex  int
	URL         string
	Offset      int64
	Length      int64
	Received    int64
	File        *os.File
	Client      utils.HTTPDoer
	Ranged      bool
	IdleTimeout time.Duration
	BufferSize  int
}

// Run fetches the chunk and reports into the scheduler's channel. Bytes
// already on disk ([Offset, Offset+Received)) are never rewritten; the
// request starts at Offset+Received. The terminal report is always sent.
func Run(ctx context.Context, req Request, reports chan<- Report) {
	log := utils.GetLogger("fetch").With().Str("recordId", req.RecordID).Int("chunkIndex", req.ChunkIndex).Logger()
	if req.IdleTimeout == 0 {
		req.IdleTimeout = utils.DefaultIdleTimeout
	}
	if req.BufferSize == 0 {
		req.BufferSize = utils.DefaultBufferSize
	}
	terminal := func(outcome Outcome, status int, err error) {
		reports <- Report{
			RecordID:   req.RecordID,
			ChunkIndex: req.ChunkIndex,
			Terminal:   true,
			Outcome:    outcome,
			Status:     status,
			Err:        err,
		}
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	httpReq, err := http.NewRequestWithContext(reqCtx, "GET", req.URL, nil)
	if err != nil {
		terminal(OutcomeNetworkError, 0, err)
		return
	}
	httpReq.Header.Set("Connection", "keep-alive")
	wantPartial := false
	if req.Ranged && req.Length >= 0 {
		rangeHeader := fmt.Sprintf("bytes=%d-%d", req.Offset+req.Received, req.Offset+req.Length-1)
		httpReq.Header.Set("Range", rangeHeader)
		wantPartial = true
		log.Debug().Str("range", rangeHeader).Msg("Sending range request")
	} else if req.Received > 0 {
		// Linear stream resumed from its own prior progress
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset+req.Received))
		wantPartial = true
		log.Debug().Int64("resumeOffset", req.Received).Msg("Resuming linear stream")
	}

	// Idle watchdog: no bytes for IdleTimeout aborts the request so a
	// stalled connection surfaces as a network error, not a hang.
	var lastActivity atomic.Int64
	var idleFired atomic.Bool
	lastActivity.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(req.IdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > req.IdleTimeout {
					idleFired.Store(true)
					cancelReq()
					return
				}
			case <-watchdogDone:
				return
			case <-reqCtx.Done():
				return
			}
		}
	}()

	resp, err := req.Client.Do(httpReq)
	if err != nil {
		terminal(classifyTransportError(ctx, &idleFired, err), 0, err)
		return
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 400:
		terminal(OutcomeServerError, resp.StatusCode, &utils.ServerError{Status: resp.StatusCode})
		return
	case wantPartial && resp.StatusCode != http.StatusPartialContent:
		// Server ignored the Range header; the chunk plan is void.
		log.Debug().Int("status", resp.StatusCode).Msg("Range request answered with full body")
		terminal(OutcomeRangeUnsupported, resp.StatusCode, utils.ErrRangeRequestsNotSupported)
		return
	case !wantPartial && resp.StatusCode != http.StatusOK:
		terminal(OutcomeNetworkError, resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		return
	}

	remaining := int64(-1)
	if req.Length >= 0 {
		remaining = req.Length - req.Received
	}
	buffer := make([]byte, req.BufferSize)
	written := int64(0)
	for {
		if remaining == 0 {
			break
		}
		limit := int64(len(buffer))
		if remaining > 0 && remaining < limit {
			limit = remaining
		}
		bytesRead, err := resp.Body.Read(buffer[:limit])
		if bytesRead > 0 {
			lastActivity.Store(time.Now().UnixNano())
			pos := req.Offset + req.Received + written
			if _, writeErr := req.File.WriteAt(buffer[:bytesRead], pos); writeErr != nil {
				terminal(OutcomeDiskError, 0, writeErr)
				return
			}
			written += int64(bytesRead)
			if remaining > 0 {
				remaining -= int64(bytesRead)
			}
			reports <- Report{RecordID: req.RecordID, ChunkIndex: req.ChunkIndex, Delta: int64(bytesRead)}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			terminal(classifyTransportError(ctx, &idleFired, err), 0, err)
			return
		}
	}
	if remaining > 0 {
		err := fmt.Errorf("connection closed with %d bytes remaining", remaining)
		log.Debug().Int64("remaining", remaining).Int64("written", written).Msg("Short chunk body")
		terminal(OutcomeNetworkError, 0, err)
		return
	}
	log.Debug().Int64("written", written).Int64("total", req.Received+written).Msg("Chunk fetch completed")
	terminal(OutcomeDone, 0, nil)
}

// classifyTransportError separates caller cancellation from watchdog
// aborts and plain transport failures. Cancellation is a control outcome,
// never a retryable error.
func classifyTransportError(ctx context.Context, idleFired *atomic.Bool, err error) Outcome {
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	if idleFired.Load() {
		return OutcomeNetworkError
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	return OutcomeNetworkError
}
