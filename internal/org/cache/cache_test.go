package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"census/internal/org"
	"census/internal/org/store"
)

type ConfigCacheSuite struct {
	suite.Suite
	store *countingStore
	cache *Config
	ctx   context.Context
}

func TestConfigCacheSuite(t *testing.T) {
	suite.Run(t, new(ConfigCacheSuite))
}

// countingStore records how many times each lookup hit the backing store.
type countingStore struct {
	*store.Memory
	headerCalls int
	idCalls     int
}

func (c *countingStore) HeaderAliases(ctx context.Context, orgID int64) ([]org.HeaderAlias, error) {
	c.headerCalls++
	return c.Memory.HeaderAliases(ctx, orgID)
}

func (c *countingStore) ExternalIDsForDataProvider(ctx context.Context, orgID int64) ([]org.ExternalID, error) {
	c.idCalls++
	return c.Memory.ExternalIDsForDataProvider(ctx, orgID)
}

func (s *ConfigCacheSuite) SetupTest() {
	s.store = &countingStore{Memory: store.NewMemory()}
	s.store.SeedHeaderAliases(100, org.HeaderAlias{
		OrganizationID:  100,
		CanonicalHeader: "unique_corp_id",
		Alias:           "corp_id",
	})
	s.cache = New(s.store, time.Minute, 4)
	s.ctx = context.Background()
}

func (s *ConfigCacheSuite) TestHeaderMappingCached() {
	first, err := s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)
	canonical, ok := first.Canonical("Corp_ID")
	s.True(ok)
	s.Equal("unique_corp_id", canonical)

	_, err = s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(1, s.store.headerCalls)
}

func (s *ConfigCacheSuite) TestTTLExpiry() {
	_, err := s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)

	s.cache.lru.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(2, s.store.headerCalls)
}

func (s *ConfigCacheSuite) TestLRUEviction() {
	for i := int64(0); i < 5; i++ {
		_, err := s.cache.ExternalIDsForDataProvider(s.ctx, 200+i)
		s.Require().NoError(err)
	}
	s.Equal(5, s.store.idCalls)

	// org 200 was evicted by the fifth insert; org 204 is still resident
	_, err := s.cache.ExternalIDsForDataProvider(s.ctx, 204)
	s.Require().NoError(err)
	s.Equal(5, s.store.idCalls)

	_, err = s.cache.ExternalIDsForDataProvider(s.ctx, 200)
	s.Require().NoError(err)
	s.Equal(6, s.store.idCalls)
}

func (s *ConfigCacheSuite) TestReset() {
	_, err := s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)
	s.cache.Reset()
	_, err = s.cache.HeaderMapping(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(2, s.store.headerCalls)
}

func (s *ConfigCacheSuite) TestResolveComposite() {
	dp := int64(200)
	s.Require().NoError(s.store.ReplaceExternalIDs(s.ctx, "sync", []org.ExternalID{
		{Source: "sync", ExternalID: "A", OrganizationID: 301, DataProviderOrganizationID: &dp},
		{Source: "sync", ExternalID: org.CompositeExternalID("A", "west"), OrganizationID: 302, DataProviderOrganizationID: &dp},
	}))

	m, err := s.cache.ExternalIDsForDataProvider(s.ctx, dp)
	s.Require().NoError(err)

	for name, tc := range map[string]struct {
		clientID, customerID string
		want                 int64
		ok                   bool
	}{
		"composite first":      {"A", "west", 302, true},
		"falls back to client": {"A", "east", 301, true},
		"plain client":         {"A", "", 301, true},
		"unknown client":       {"B", "", 0, false},
	} {
		s.Run(name, func() {
			got, ok := m.Resolve(tc.clientID, tc.customerID)
			s.Equal(tc.ok, ok)
			if ok {
				s.Equal(tc.want, got)
			}
		})
	}
}
