package store

import (
	"context"
	"sync"

	"census/internal/member"
	"census/internal/parser"
)

// MemoryStaging implements ingest.Staging for unit tests. An optional
// OnPersistValid hook lets tests forward staged rows into the in-memory
// member store, mirroring the shared relation the SQL stores read.
type MemoryStaging struct {
	mu             sync.Mutex
	valid          map[int64][]member.Member
	errors         map[int64][]parser.ParseError
	OnPersistValid func(fileID int64, rows []member.Member)
}

func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{
		valid:  map[int64][]member.Member{},
		errors: map[int64][]parser.ParseError{},
	}
}

func (s *MemoryStaging) PersistValid(_ context.Context, fileID int64, rows []member.Member) error {
	s.mu.Lock()
	s.valid[fileID] = append(s.valid[fileID], rows...)
	hook := s.OnPersistValid
	s.mu.Unlock()
	if hook != nil {
		hook(fileID, rows)
	}
	return nil
}

func (s *MemoryStaging) PersistErrors(_ context.Context, fileID int64, errs []parser.ParseError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[fileID] = append(s.errors[fileID], errs...)
	return nil
}

func (s *MemoryStaging) DeleteValid(_ context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valid, fileID)
	return nil
}

func (s *MemoryStaging) DeleteErrors(_ context.Context, fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, fileID)
	return nil
}

func (s *MemoryStaging) ValidCount(_ context.Context, fileID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.valid[fileID])), nil
}

// Errors snapshots the staged error rows for a file, for test assertions.
func (s *MemoryStaging) Errors(fileID int64) []parser.ParseError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]parser.ParseError(nil), s.errors[fileID]...)
}
