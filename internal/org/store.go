package org

import "context"

// Store is the organisation configuration surface consumed by the parser,
// flush pipeline, and verification service (usually through the cache).
type Store interface {
	GetByID(ctx context.Context, orgID int64) (*Organization, error)
	GetByDirectoryName(ctx context.Context, slug string) (*Organization, error)
	HeaderAliases(ctx context.Context, orgID int64) ([]HeaderAlias, error)
	// ExternalIDsForDataProvider returns the mapping rows whose
	// data_provider_organization_id is orgID.
	ExternalIDsForDataProvider(ctx context.Context, orgID int64) ([]ExternalID, error)
	// ExternalOrgInfo resolves a single inbound identifier. customerID and
	// organizationID narrow the lookup when non-zero.
	ExternalOrgInfo(ctx context.Context, source, clientID, customerID string, organizationID int64) (*ExternalID, error)
	// ReplaceExternalIDs atomically rebuilds the mapping set for a source.
	ReplaceExternalIDs(ctx context.Context, source string, ids []ExternalID) error
}
