package population

import "context"

// Store is the population persistence surface.
type Store interface {
	// ActiveForOrg returns the single active population for the org;
	// sentinel.ErrNotFound when none is active.
	ActiveForOrg(ctx context.Context, organizationID int64) (*Population, error)
	SubPopulations(ctx context.Context, populationID int64) ([]SubPopulation, error)
	GetSubPopulation(ctx context.Context, id int64) (*SubPopulation, error)
	// AssignMember records an assignment; repeating one is a no-op.
	AssignMember(ctx context.Context, memberID, subPopulationID int64) (*MemberSubPopulation, error)
}
