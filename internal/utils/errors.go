package utils

import (
	"errors"
	"fmt"
)

// Kind classifies terminal download errors so callers can act on them
// without string matching.
type Kind string

const (
	KindNone           Kind = ""
	KindNetwork        Kind = "network"
	KindServer         Kind = "server"
	KindDisk           Kind = "disk"
	KindHashMismatch   Kind = "hash-mismatch"
	KindCanceled       Kind = "canceled"
	KindInvalidRequest Kind = "invalid-request"
)

var (
	ErrRangeRequestsNotSupported = errors.New("range requests are not supported")
	ErrInvalidRequest            = errors.New("invalid download request")
	ErrUnknownRecord             = errors.New("unknown download record")
)

// ServerError marks an HTTP status >= 400 from a candidate URL. The URL is
// considered exhausted for the chunk that received it.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Status)
}

// KindOf maps an error to its Kind, defaulting to network for plain errors
// since transport failures are the common transient case.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *ServerError
	if errors.As(err, &se) {
		return KindServer
	}
	if errors.Is(err, ErrInvalidRequest) {
		return KindInvalidRequest
	}
	return KindNetwork
}
