package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"census/internal/ingest"
	"census/pkg/platform/sentinel"
)

// Memory implements ingest.FileStore for unit tests.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	files  map[int64]*ingest.File
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, files: map[int64]*ingest.File{}}
}

// SetNow overrides the clock for deterministic tests.
func (s *Memory) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Memory) Create(_ context.Context, organizationID int64, name string) (*ingest.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	f := &ingest.File{
		ID:             s.nextID,
		OrganizationID: organizationID,
		Name:           name,
		CreatedAt:      s.now(),
	}
	s.files[f.ID] = f
	copied := *f
	return &copied, nil
}

func (s *Memory) Get(_ context.Context, id int64) (*ingest.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, sentinel.ErrNotFound)
	}
	copied := *f
	return &copied, nil
}

func (s *Memory) Start(_ context.Context, id int64) error {
	return s.update(id, func(f *ingest.File) error {
		if f.CompletedAt != nil || f.Error != "" {
			return fmt.Errorf("start file %d in state %s: %w", id, f.Status(), sentinel.ErrInvalidState)
		}
		if f.StartedAt == nil {
			now := s.now()
			f.StartedAt = &now
		}
		return nil
	})
}

func (s *Memory) SetOrganization(_ context.Context, id, organizationID int64) error {
	return s.update(id, func(f *ingest.File) error {
		f.OrganizationID = organizationID
		return nil
	})
}

func (s *Memory) SetEncoding(_ context.Context, id int64, encoding string) error {
	return s.update(id, func(f *ingest.File) error {
		f.Encoding = encoding
		return nil
	})
}

func (s *Memory) SetCounts(_ context.Context, id int64, counts ingest.Counts) error {
	return s.update(id, func(f *ingest.File) error {
		f.RawCount = counts.Raw
		f.SuccessCount = counts.Success
		f.FailureCount = counts.Failure
		return nil
	})
}

func (s *Memory) Complete(_ context.Context, id int64) error {
	return s.update(id, func(f *ingest.File) error {
		if f.StartedAt == nil || f.Error != "" {
			return fmt.Errorf("complete file %d in state %s: %w", id, f.Status(), sentinel.ErrInvalidState)
		}
		now := s.now()
		f.CompletedAt = &now
		return nil
	})
}

func (s *Memory) MarkErrored(_ context.Context, id int64, kind string) error {
	return s.update(id, func(f *ingest.File) error {
		if f.CompletedAt != nil {
			return fmt.Errorf("mark file %d errored in state %s: %w", id, f.Status(), sentinel.ErrInvalidState)
		}
		f.Error = kind
		return nil
	})
}

func (s *Memory) update(id int64, apply func(*ingest.File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("file %d: %w", id, sentinel.ErrNotFound)
	}
	return apply(f)
}
