package population

import (
	"context"
	"errors"
	"log/slog"

	"census/internal/member"
	"census/pkg/platform/sentinel"
)

// Service resolves members to sub-populations and serves feature lookups.
type Service struct {
	store  Store
	engine *Engine
	logger *slog.Logger
}

// NewService wires the population service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, engine: NewEngine(logger), logger: logger}
}

// AssignMember computes and records the member's sub-population under the
// org's active population. A nil result with nil error means the member maps
// to no bucket: no active population, an advanced population, or a tree miss.
func (s *Service) AssignMember(ctx context.Context, m *member.Member) (*MemberSubPopulation, error) {
	p, err := s.store.ActiveForOrg(ctx, m.OrganizationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	id := s.engine.SubPopulationFor(ctx, p, m)
	if id == nil {
		return nil, nil
	}
	return s.store.AssignMember(ctx, m.ID, *id)
}

// Features returns the feature ids of the requested type for a
// sub-population: empty when the type is absent, sentinel.ErrNotFound when
// the sub-population does not exist.
func (s *Service) Features(ctx context.Context, subPopulationID int64, featureType int) ([]int64, error) {
	sp, err := s.store.GetSubPopulation(ctx, subPopulationID)
	if err != nil {
		return nil, err
	}
	return sp.Features(featureType), nil
}

// CriteriaPredicates compiles the org's active population into per-bucket SQL
// predicates for bulk counting.
func (s *Service) CriteriaPredicates(ctx context.Context, organizationID int64) (map[int64]string, error) {
	p, err := s.store.ActiveForOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return CompilePredicates(p.LookupKeys(), p.LookupMap)
}
