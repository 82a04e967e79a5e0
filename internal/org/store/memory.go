package store

import (
	"context"
	"fmt"
	"sync"

	"census/internal/org"
	"census/pkg/platform/sentinel"
)

// Memory is the in-process twin of the postgres store, used by unit tests and
// local wiring before a database exists.
type Memory struct {
	mu          sync.RWMutex
	orgs        map[int64]*org.Organization
	aliases     map[int64][]org.HeaderAlias
	externalIDs []org.ExternalID
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orgs:    make(map[int64]*org.Organization),
		aliases: make(map[int64][]org.HeaderAlias),
	}
}

// SeedOrganization registers an organisation.
func (s *Memory) SeedOrganization(o org.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.EmailDomains = org.NormalizeEmailDomains(o.EmailDomains)
	s.orgs[o.ID] = &o
}

// SeedHeaderAliases registers header aliases for an organisation.
func (s *Memory) SeedHeaderAliases(orgID int64, aliases ...org.HeaderAlias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[orgID] = append(s.aliases[orgID], aliases...)
}

func (s *Memory) GetByID(_ context.Context, orgID int64) (*org.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", orgID, sentinel.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *Memory) GetByDirectoryName(_ context.Context, slug string) (*org.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orgs {
		if o.DirectoryName == slug {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("organization %q: %w", slug, sentinel.ErrNotFound)
}

func (s *Memory) HeaderAliases(_ context.Context, orgID int64) ([]org.HeaderAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]org.HeaderAlias(nil), s.aliases[orgID]...), nil
}

func (s *Memory) ExternalIDsForDataProvider(_ context.Context, orgID int64) ([]org.ExternalID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []org.ExternalID
	for _, id := range s.externalIDs {
		if id.DataProviderOrganizationID != nil && *id.DataProviderOrganizationID == orgID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Memory) ExternalOrgInfo(_ context.Context, source, clientID, customerID string, organizationID int64) (*org.ExternalID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	external := org.CompositeExternalID(clientID, customerID)
	for _, id := range s.externalIDs {
		if id.Source != source || id.ExternalID != external {
			continue
		}
		if organizationID != 0 && id.OrganizationID != organizationID {
			continue
		}
		cp := id
		return &cp, nil
	}
	return nil, fmt.Errorf("external id %q: %w", external, sentinel.ErrNotFound)
}

func (s *Memory) ReplaceExternalIDs(_ context.Context, source string, ids []org.ExternalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.externalIDs[:0]
	for _, id := range s.externalIDs {
		if id.Source != source {
			kept = append(kept, id)
		}
	}
	s.externalIDs = append(kept, ids...)
	return nil
}
