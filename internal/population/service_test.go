package population_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"census/internal/member"
	"census/internal/population"
	popstore "census/internal/population/store"
	"census/pkg/platform/sentinel"
)

type ServiceSuite struct {
	suite.Suite
	store   *popstore.Memory
	service *population.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = popstore.NewMemory()
	s.service = population.NewService(s.store, slog.New(slog.DiscardHandler))
}

func (s *ServiceSuite) seedActive(orgID int64, keysCSV string, tree population.Node) int64 {
	activated := time.Now().Add(-time.Hour)
	return s.store.SeedPopulation(population.Population{
		OrganizationID: orgID,
		LookupKeysCSV:  keysCSV,
		LookupMap:      tree,
		ActivatedAt:    &activated,
	})
}

func (s *ServiceSuite) TestAssignMember() {
	popID := s.seedActive(100, "work_state", population.Node{
		"NY":           float64(11),
		"DEFAULT_CASE": float64(12),
	})
	s.store.SeedSubPopulation(population.SubPopulation{ID: 11, PopulationID: popID})
	s.store.SeedSubPopulation(population.SubPopulation{ID: 12, PopulationID: popID})

	m := &member.Member{ID: 7, OrganizationID: 100, WorkState: "NY"}
	assigned, err := s.service.AssignMember(context.Background(), m)
	s.Require().NoError(err)
	s.Require().NotNil(assigned)
	s.Equal(int64(11), assigned.SubPopulationID)
	s.Equal(int64(7), assigned.MemberID)

	// repeating the assignment returns the same row
	again, err := s.service.AssignMember(context.Background(), m)
	s.Require().NoError(err)
	s.Equal(assigned.ID, again.ID)
}

func (s *ServiceSuite) TestAssignMemberNoActivePopulation() {
	m := &member.Member{ID: 7, OrganizationID: 100, WorkState: "NY"}
	assigned, err := s.service.AssignMember(context.Background(), m)
	s.Require().NoError(err)
	s.Nil(assigned)
}

func (s *ServiceSuite) TestAssignMemberTreeMiss() {
	s.seedActive(100, "work_state", population.Node{"NY": float64(1)})

	m := &member.Member{ID: 7, OrganizationID: 100, WorkState: "TX"}
	assigned, err := s.service.AssignMember(context.Background(), m)
	s.Require().NoError(err)
	s.Nil(assigned)
}

func (s *ServiceSuite) TestFeatures() {
	popID := s.seedActive(100, "work_state", population.Node{})
	spID := s.store.SeedSubPopulation(population.SubPopulation{
		PopulationID: popID,
		FeatureSetDetails: map[string][]int64{
			"1": {11, 12},
			"2": {21},
		},
	})

	tracks, err := s.service.Features(context.Background(), spID, population.FeatureTypeTrack)
	s.Require().NoError(err)
	s.Equal([]int64{11, 12}, tracks)

	wallets, err := s.service.Features(context.Background(), spID, population.FeatureTypeWallet)
	s.Require().NoError(err)
	s.Equal([]int64{21}, wallets)

	none, err := s.service.Features(context.Background(), spID, 9)
	s.Require().NoError(err)
	s.Empty(none)

	_, err = s.service.Features(context.Background(), spID+100, population.FeatureTypeTrack)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ServiceSuite) TestCriteriaPredicates() {
	s.seedActive(100, "work_state", population.Node{
		"NY":           float64(1),
		"DEFAULT_CASE": float64(2),
	})

	preds, err := s.service.CriteriaPredicates(context.Background(), 100)
	s.Require().NoError(err)
	s.Equal("work_state = 'NY'", preds[1])
	s.Equal("work_state <> 'NY'", preds[2])

	_, err = s.service.CriteriaPredicates(context.Background(), 999)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
