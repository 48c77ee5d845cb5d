// Package verify checks an assembled download against its expected digest.
package verify

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

type Result int

const (
	Skipped Result = iota
	Match
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "skipped"
	}
}

// hasherFor picks the algorithm from the hex digest length.
func hasherFor(expectedHash string) (hash.Hash, error) {
	switch len(expectedHash) {
	case md5.Size * 2:
		return md5.New(), nil
	case sha1.Size * 2:
		return sha1.New(), nil
	case sha256.Size * 2:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unrecognized digest length %d", len(expectedHash))
}

// File streams filePath through the hash implied by expectedHash and
// compares. An empty expectedHash skips verification. On Mismatch the file
// is left in place for inspection.
func File(filePath string, expectedHash string) (Result, error) {
	if expectedHash == "" {
		return Skipped, nil
	}
	hasher, err := hasherFor(expectedHash)
	if err != nil {
		return Skipped, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return Skipped, fmt.Errorf("error opening file for verification: %v", err)
	}
	defer f.Close()
	if _, err := io.Copy(hasher, f); err != nil {
		return Skipped, fmt.Errorf("error reading file for verification: %v", err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if strings.EqualFold(actual, expectedHash) {
		return Match, nil
	}
	return Mismatch, nil
}
