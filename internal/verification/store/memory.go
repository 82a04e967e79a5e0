package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	memberstore "census/internal/member/store"
	"census/internal/verification"
	"census/pkg/platform/sentinel"
)

// Memory mirrors the Postgres store for unit tests. Members, when set, backs
// the pre-verification pass.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	v1      map[int64]*verification.Verification
	v2      map[int64]*verification.Verification2
	joins   []*verification.MemberVerification
	trail   []*verification.Attempt
	Members *memberstore.Memory
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now: time.Now,
		v1:  map[int64]*verification.Verification{},
		v2:  map[int64]*verification.Verification2{},
	}
}

// SetNow overrides the clock for deterministic tests.
func (s *Memory) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Memory) CreateV2(_ context.Context, v *verification.Verification2) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	v.ID = s.nextID
	v.CreatedAt = s.now()
	copied := *v
	s.v2[v.ID] = &copied
	return nil
}

func (s *Memory) CreateV1(_ context.Context, v *verification.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	v.ID = s.nextID
	v.CreatedAt = s.now()
	copied := *v
	s.v1[v.ID] = &copied
	return nil
}

func (s *Memory) CreateAttempt(_ context.Context, a *verification.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	a.CreatedAt = s.now()
	copied := *a
	s.trail = append(s.trail, &copied)
	return nil
}

func (s *Memory) CreateMemberVerification(_ context.Context, mv *verification.MemberVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	mv.ID = s.nextID
	mv.CreatedAt = s.now()
	copied := *mv
	s.joins = append(s.joins, &copied)
	return nil
}

func (s *Memory) SetSession(_ context.Context, verificationID int64, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v1[verificationID]
	if !ok {
		return fmt.Errorf("verification %d: %w", verificationID, sentinel.ErrNotFound)
	}
	v.VerificationSession = session
	return nil
}

func (s *Memory) GetForUser(_ context.Context, verificationID, userID int64) (*verification.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v1[verificationID]
	if !ok || v.UserID != userID {
		return nil, fmt.Errorf("verification %d for user %d: %w", verificationID, userID, sentinel.ErrNotFound)
	}
	copied := *v
	return &copied, nil
}

func (s *Memory) GetV2ByID(_ context.Context, id int64) (*verification.Verification2, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v2[id]
	if !ok {
		return nil, fmt.Errorf("verification_2 %d: %w", id, sentinel.ErrNotFound)
	}
	copied := *v
	return &copied, nil
}

func (s *Memory) ListActiveForUser(_ context.Context, userID int64) ([]verification.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []verification.Verification
	for id := int64(1); id <= s.nextID; id++ {
		if v, ok := s.v1[id]; ok && v.UserID == userID && v.DeactivatedAt == nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *Memory) DeactivateV1(_ context.Context, verificationID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v1[verificationID]
	if !ok || v.UserID != userID || v.DeactivatedAt != nil {
		return fmt.Errorf("active verification %d for user %d: %w", verificationID, userID, sentinel.ErrNotFound)
	}
	now := s.now()
	v.DeactivatedAt = &now
	return nil
}

func (s *Memory) DeactivateV2(_ context.Context, verification2ID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.v2[verification2ID]
	if !ok || v.DeactivatedAt != nil {
		return fmt.Errorf("active verification_2 %d: %w", verification2ID, sentinel.ErrNotFound)
	}
	now := s.now()
	v.DeactivatedAt = &now
	return nil
}

// PreVerify mirrors the SQL pass over the in-memory member store.
func (s *Memory) PreVerify(ctx context.Context, organizationID, fileID int64, _ int) (int64, error) {
	if s.Members == nil {
		return 0, nil
	}
	live := s.Members.LiveRows(organizationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	var created int64
	for _, m := range live {
		if m.FileID != fileID {
			continue
		}
		for id, v := range s.v1 {
			if v.OrganizationID != organizationID || v.DeactivatedAt != nil {
				continue
			}
			if v.UniqueCorpID != m.UniqueCorpID || v.DependentID != m.DependentID {
				continue
			}
			if s.joinExistsLocked(m.ID, id) {
				continue
			}
			s.nextID++
			s.joins = append(s.joins, &verification.MemberVerification{
				ID:             s.nextID,
				MemberID:       m.ID,
				VerificationID: id,
				CreatedAt:      s.now(),
			})
			created++
		}
	}
	return created, nil
}

// Attempts snapshots the audit trail, for test assertions.
func (s *Memory) Attempts() []verification.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]verification.Attempt, 0, len(s.trail))
	for _, a := range s.trail {
		out = append(out, *a)
	}
	return out
}

// Joins snapshots the member-verification joins, for test assertions.
func (s *Memory) Joins() []verification.MemberVerification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]verification.MemberVerification, 0, len(s.joins))
	for _, mv := range s.joins {
		out = append(out, *mv)
	}
	return out
}

func (s *Memory) joinExistsLocked(memberID, verificationID int64) bool {
	for _, mv := range s.joins {
		if mv.MemberID == memberID && mv.VerificationID == verificationID {
			return true
		}
	}
	return false
}
