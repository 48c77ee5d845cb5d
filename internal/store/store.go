// Package store persists download records between process runs. The state
// file is plain YAML so external tooling can read and repair it.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Record states mirror the scheduler's record lifecycle. Only the durable
// subset of chunk state is kept: done or not done.
const (
	StateQueued      = "queued"
	StateProbing     = "probing"
	StateActive      = "active"
	StatePaused      = "paused"
	StateFinished    = "finished"
	StateFailed      = "failed"
	StateInterrupted = "interrupted"
)

type ChunkRecord struct {
	Offset   int64 `yaml:"offset"`
	Length   int64 `yaml:"length"`
	Received int64 `yaml:"received"`
	Done     bool  `yaml:"done"`
}

type Record struct {
	ID           string        `yaml:"id"`
	URLs         []string      `yaml:"urls"`
	LocalPath    string        `yaml:"path"`
	TotalSize    int64         `yaml:"size"`
	ExpectedHash string        `yaml:"hash,omitempty"`
	State        string        `yaml:"state"`
	LastError    string        `yaml:"lastError,omitempty"`
	Chunks       []ChunkRecord `yaml:"chunks,omitempty"`
}

// Received sums chunk progress.
func (r Record) Received() int64 {
	var total int64
	for _, c := range r.Chunks {
		total += c.Received
	}
	return total
}

// Terminal reports whether the record needs no recovery handling.
func (r Record) Terminal() bool {
	return r.State == StateFinished || r.State == StateFailed
}

type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads all persisted records. A missing state file is an empty set.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading state file: %v", err)
	}
	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("error parsing state file: %v", err)
	}
	return records, nil
}

// Save replaces the state file atomically (write temp, then rename) so a
// crash mid-write never leaves a truncated file.
func (s *Store) Save(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("error encoding state: %v", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating state directory: %v", err)
	}
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("error writing state file: %v", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("error finalizing state file: %v", err)
	}
	return nil
}
