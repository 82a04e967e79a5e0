package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"census/internal/member"
	"census/pkg/platform/sentinel"
)

// Memory mirrors the Postgres store semantics for unit tests. Promotion and
// expiry operate on rows seeded via Stage and SeedFile.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    int64
	rows      []*member.Member
	staged    map[int64][]member.Member
	fileOrgs  map[int64][]int64
	addresses map[int64]member.Address
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		staged:    map[int64][]member.Member{},
		fileOrgs:  map[int64][]int64{},
		addresses: map[int64]member.Address{},
	}
}

// SetNow overrides the clock for deterministic tests.
func (s *Memory) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedFile registers a file against the orgs it belongs to so the expiry
// window can be computed.
func (s *Memory) SeedFile(fileID int64, orgIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileOrgs[fileID] = append(s.fileOrgs[fileID], orgIDs...)
}

// Stage records parsed valid rows for a file, standing in for the staging
// relation the Postgres store promotes from.
func (s *Memory) Stage(fileID int64, rows []member.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		rows[i].FileID = fileID
	}
	s.staged[fileID] = append(s.staged[fileID], rows...)
}

// Promote applies the same three passes as the Postgres store to the staged
// rows for a file: carry forward hash matches, close superseded versions,
// insert new versions. Duplicate identities in one file collapse to the last
// staged row, as in the Postgres store.
func (s *Memory) Promote(_ context.Context, fileID, orgID int64) (PromoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result PromoteResult
	now := s.now()
	for _, staged := range dedupeStaged(s.staged[fileID]) {
		if orgID != 0 && staged.OrganizationID != orgID {
			continue
		}
		if staged.HashValue != nil {
			if live := s.liveByHashLocked(staged.OrganizationID, *staged.HashValue); live != nil {
				live.FileID = fileID
				result.Hashed++
				continue
			}
		}
		version := 0
		if live := s.liveByIdentityLocked(staged.Identity()); live != nil {
			end := now
			live.EffectiveTo = &end
			version = live.Version + 1
			result.Superseded++
		} else {
			version = s.maxVersionLocked(staged.Identity()) + 1
		}

		s.nextID++
		inserted := staged
		inserted.ID = s.nextID
		inserted.Version = version
		from := now
		inserted.EffectiveFrom = &from
		inserted.EffectiveTo = nil
		inserted.CreatedAt = now
		s.rows = append(s.rows, &inserted)
		result.Inserted++

		if line1, ok := inserted.Record["address_1"]; ok {
			s.addresses[inserted.ID] = member.Address{
				MemberID:     inserted.ID,
				AddressLine1: line1,
				AddressLine2: inserted.Record["address_2"],
				City:         inserted.Record["city"],
				State:        inserted.Record["state"],
				ZipCode:      inserted.Record["zip_code"],
				Country:      inserted.Record["country"],
			}
		}
	}
	return result, nil
}

// dedupeStaged keeps the last staged row per identity, in first-seen order.
func dedupeStaged(rows []member.Member) []member.Member {
	byIdentity := make(map[member.Identity]int, len(rows))
	var deduped []member.Member
	for _, row := range rows {
		if i, ok := byIdentity[row.Identity()]; ok {
			deduped[i] = row
			continue
		}
		byIdentity[row.Identity()] = len(deduped)
		deduped = append(deduped, row)
	}
	return deduped
}

// AddressByMemberID fetches the postal address asserted for a member version.
func (s *Memory) AddressByMemberID(_ context.Context, memberID int64) (*member.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.addresses[memberID]; ok {
		copied := a
		return &copied, nil
	}
	return nil, fmt.Errorf("member %d address: %w", memberID, sentinel.ErrNotFound)
}

// ExpireMissing closes live rows not asserted by fileID whose asserting file
// is within the trailing window for the org.
func (s *Memory) ExpireMissing(_ context.Context, orgID, fileID int64, window int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inWindow := s.windowLocked(orgID, fileID, window)
	now := s.now()
	var expired int64
	for _, row := range s.rows {
		if row.OrganizationID != orgID || row.EffectiveTo != nil {
			continue
		}
		if row.FileID == fileID || !inWindow[row.FileID] {
			continue
		}
		end := now
		row.EffectiveTo = &end
		row.HashValue = nil
		row.HashVersion = nil
		expired++
	}
	return expired, nil
}

// Counts splits the file's live rows into hashed no-ops and fresh inserts.
func (s *Memory) Counts(_ context.Context, fileID int64, asOf time.Time) (hashed, inserted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.FileID != fileID || row.EffectiveTo != nil {
			continue
		}
		if row.CreatedAt.Before(asOf) {
			hashed++
		} else {
			inserted++
		}
	}
	return hashed, inserted, nil
}

// OrgsForFile lists the distinct orgs with staged rows for a file.
func (s *Memory) OrgsForFile(_ context.Context, fileID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var orgs []int64
	for _, staged := range s.staged[fileID] {
		if !seen[staged.OrganizationID] {
			seen[staged.OrganizationID] = true
			orgs = append(orgs, staged.OrganizationID)
		}
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs, nil
}

// OrgsWithExpired lists orgs holding rows expired before the cutoff.
func (s *Memory) OrgsWithExpired(_ context.Context, before time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var orgs []int64
	for _, m := range s.rows {
		if m.EffectiveTo != nil && m.EffectiveTo.Before(before) && !seen[m.OrganizationID] {
			seen[m.OrganizationID] = true
			orgs = append(orgs, m.OrganizationID)
		}
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs, nil
}

// PurgeExpired deletes the org's rows expired before the cutoff.
func (s *Memory) PurgeExpired(_ context.Context, orgID int64, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	kept := s.rows[:0]
	for _, m := range s.rows {
		if m.OrganizationID == orgID && m.EffectiveTo != nil && m.EffectiveTo.Before(before) {
			purged++
			continue
		}
		kept = append(kept, m)
	}
	s.rows = kept
	return purged, nil
}

func (s *Memory) FindByPrimary(_ context.Context, dateOfBirth, email string) (*member.Member, error) {
	return s.findOne(func(m *member.Member) bool {
		return m.DateOfBirth == dateOfBirth && strings.EqualFold(m.Email, email)
	})
}

func (s *Memory) FindBySecondary(_ context.Context, dateOfBirth, firstName, lastName, workState string) (*member.Member, error) {
	return s.findOne(func(m *member.Member) bool {
		return m.DateOfBirth == dateOfBirth &&
			strings.EqualFold(m.FirstName, firstName) &&
			strings.EqualFold(m.LastName, lastName) &&
			m.WorkState == workState
	})
}

func (s *Memory) FindByTertiary(_ context.Context, dateOfBirth, uniqueCorpID string) (*member.Member, error) {
	return s.findOne(func(m *member.Member) bool {
		return m.DateOfBirth == dateOfBirth && m.UniqueCorpID == uniqueCorpID
	})
}

func (s *Memory) FindByClientSpecific(_ context.Context, orgID int64, uniqueCorpID, dateOfBirth string) (*member.Member, error) {
	return s.findOne(func(m *member.Member) bool {
		return m.OrganizationID == orgID && m.UniqueCorpID == uniqueCorpID && m.DateOfBirth == dateOfBirth
	})
}

func (s *Memory) FindByOrgIdentity(_ context.Context, orgID int64, uniqueCorpID, dependentID string) (*member.Member, error) {
	return s.findOne(func(m *member.Member) bool {
		return m.OrganizationID == orgID && m.UniqueCorpID == uniqueCorpID && m.DependentID == dependentID
	})
}

func (s *Memory) FindByOvereligibility(_ context.Context, dateOfBirth, firstName, lastName string) ([]member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	seen := map[int64]bool{}
	var members []member.Member
	for i := len(s.rows) - 1; i >= 0; i-- {
		m := s.rows[i]
		if !m.LiveAt(now) || seen[m.OrganizationID] {
			continue
		}
		if m.DateOfBirth == dateOfBirth &&
			strings.EqualFold(m.FirstName, firstName) &&
			strings.EqualFold(m.LastName, lastName) {
			seen[m.OrganizationID] = true
			members = append(members, *m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].OrganizationID < members[j].OrganizationID })
	return members, nil
}

func (s *Memory) GetByID(_ context.Context, id int64) (*member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.ID == id {
			copied := *m
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("member %d: %w", id, sentinel.ErrNotFound)
}

// LiveRows snapshots the current live versions, for test assertions.
func (s *Memory) LiveRows(orgID int64) []member.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []member.Member
	for _, m := range s.rows {
		if m.OrganizationID == orgID && m.EffectiveTo == nil {
			live = append(live, *m)
		}
	}
	return live
}

// AllRows snapshots every version ever written, for test assertions.
func (s *Memory) AllRows(orgID int64) []member.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []member.Member
	for _, m := range s.rows {
		if m.OrganizationID == orgID {
			all = append(all, *m)
		}
	}
	return all
}

func (s *Memory) findOne(match func(*member.Member) bool) (*member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := len(s.rows) - 1; i >= 0; i-- {
		m := s.rows[i]
		if m.LiveAt(now) && match(m) {
			copied := *m
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("member: %w", sentinel.ErrNotFound)
}

func (s *Memory) liveByHashLocked(orgID, hash int64) *member.Member {
	for _, m := range s.rows {
		if m.OrganizationID == orgID && m.EffectiveTo == nil &&
			m.HashValue != nil && *m.HashValue == hash {
			return m
		}
	}
	return nil
}

func (s *Memory) liveByIdentityLocked(id member.Identity) *member.Member {
	for _, m := range s.rows {
		if m.EffectiveTo == nil && m.Identity() == id {
			return m
		}
	}
	return nil
}

func (s *Memory) maxVersionLocked(id member.Identity) int {
	max := -1
	for _, m := range s.rows {
		if m.Identity() == id && m.Version > max {
			max = m.Version
		}
	}
	return max
}

func (s *Memory) windowLocked(orgID, fileID int64, window int) map[int64]bool {
	var ids []int64
	for id, orgs := range s.fileOrgs {
		if id > fileID {
			continue
		}
		for _, org := range orgs {
			if org == orgID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > window {
		ids = ids[:window]
	}
	in := make(map[int64]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	return in
}
