package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"census/internal/population"
	"census/pkg/platform/sentinel"
)

// Memory implements population.Store for unit tests.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	nextID      int64
	populations []*population.Population
	subs        map[int64]*population.SubPopulation
	assignments []*population.MemberSubPopulation
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:  time.Now,
		subs: map[int64]*population.SubPopulation{},
	}
}

// SeedPopulation registers a population, assigning an id when absent.
func (s *Memory) SeedPopulation(p population.Population) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	} else if p.ID > s.nextID {
		s.nextID = p.ID
	}
	s.populations = append(s.populations, &p)
	return p.ID
}

// SeedSubPopulation registers a sub-population, assigning an id when absent.
func (s *Memory) SeedSubPopulation(sp population.SubPopulation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == 0 {
		s.nextID++
		sp.ID = s.nextID
	} else if sp.ID > s.nextID {
		s.nextID = sp.ID
	}
	s.subs[sp.ID] = &sp
	return sp.ID
}

func (s *Memory) ActiveForOrg(_ context.Context, organizationID int64) (*population.Population, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := len(s.populations) - 1; i >= 0; i-- {
		p := s.populations[i]
		if p.OrganizationID == organizationID && p.ActiveAt(now) {
			copied := *p
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("active population for org %d: %w", organizationID, sentinel.ErrNotFound)
}

func (s *Memory) SubPopulations(_ context.Context, populationID int64) ([]population.SubPopulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []population.SubPopulation
	for id := int64(1); id <= s.nextID; id++ {
		if sp, ok := s.subs[id]; ok && sp.PopulationID == populationID {
			out = append(out, *sp)
		}
	}
	return out, nil
}

func (s *Memory) GetSubPopulation(_ context.Context, id int64) (*population.SubPopulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("sub-population %d: %w", id, sentinel.ErrNotFound)
	}
	copied := *sp
	return &copied, nil
}

func (s *Memory) AssignMember(_ context.Context, memberID, subPopulationID int64) (*population.MemberSubPopulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.MemberID == memberID && a.SubPopulationID == subPopulationID {
			copied := *a
			return &copied, nil
		}
	}
	s.nextID++
	a := &population.MemberSubPopulation{
		ID:              s.nextID,
		MemberID:        memberID,
		SubPopulationID: subPopulationID,
		CreatedAt:       s.now(),
	}
	s.assignments = append(s.assignments, a)
	copied := *a
	return &copied, nil
}
