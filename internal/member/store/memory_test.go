package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"census/internal/member"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Memory
	now   time.Time
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemory()
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.store.SetNow(func() time.Time { return s.now })
}

func (s *MemoryStoreSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func row(orgID int64, corpID, email string, hash int64) member.Member {
	v := member.HashVersionXX64
	h := hash
	return member.Member{
		OrganizationID: orgID,
		UniqueCorpID:   corpID,
		Email:          email,
		DateOfBirth:    "1990-03-15",
		HashValue:      &h,
		HashVersion:    &v,
	}
}

func (s *MemoryStoreSuite) TestPromoteInsertsFreshRows() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{
		row(100, "E1", "e1@acme.test", 11),
		row(100, "E2", "e2@acme.test", 12),
	})

	result, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Equal(int64(2), result.Inserted)
	s.Zero(result.Hashed)
	s.Zero(result.Superseded)

	live := s.store.LiveRows(100)
	s.Require().Len(live, 2)
	s.Equal(0, live[0].Version)
}

func (s *MemoryStoreSuite) TestPromoteCollapsesDuplicateRows() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{
		row(100, "E1", "first@acme.test", 11),
		row(100, "E1", "last@acme.test", 12),
	})

	result, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Inserted)
	s.Zero(result.Hashed)

	live := s.store.LiveRows(100)
	s.Require().Len(live, 1)
	s.Equal("last@acme.test", live[0].Email, "the last staged duplicate wins")
}

func (s *MemoryStoreSuite) TestPromoteMaintainsAddresses() {
	staged := row(100, "E1", "e1@acme.test", 11)
	staged.Record = member.Record{
		"address_1": "1 Census Way",
		"city":      "Albany",
		"state":     "NY",
		"zip_code":  "12207",
	}
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{staged})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	live := s.store.LiveRows(100)
	s.Require().Len(live, 1)

	a, err := s.store.AddressByMemberID(s.ctx, live[0].ID)
	s.Require().NoError(err)
	s.Equal("1 Census Way", a.AddressLine1)
	s.Equal("Albany", a.City)

	_, err = s.store.AddressByMemberID(s.ctx, live[0].ID+1)
	s.Error(err)
}

func (s *MemoryStoreSuite) TestPromoteCarriesFileForwardOnHashMatch() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{row(100, "E1", "e1@acme.test", 11)})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.advance(24 * time.Hour)
	s.store.SeedFile(2, 100)
	s.store.Stage(2, []member.Member{row(100, "E1", "e1@acme.test", 11)})
	result, err := s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Hashed)
	s.Zero(result.Inserted)

	live := s.store.LiveRows(100)
	s.Require().Len(live, 1)
	s.Equal(int64(2), live[0].FileID)
	s.Equal(0, live[0].Version)
}

func (s *MemoryStoreSuite) TestPromoteVersionsChangedContent() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{row(100, "E1", "old@acme.test", 11)})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.advance(24 * time.Hour)
	s.store.SeedFile(2, 100)
	s.store.Stage(2, []member.Member{row(100, "E1", "new@acme.test", 99)})
	result, err := s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Superseded)
	s.Equal(int64(1), result.Inserted)

	all := s.store.AllRows(100)
	s.Require().Len(all, 2)
	s.NotNil(all[0].EffectiveTo)
	s.Nil(all[1].EffectiveTo)
	s.Equal(1, all[1].Version)
	s.Equal("new@acme.test", all[1].Email)
}

func (s *MemoryStoreSuite) TestPromoteScopedToOneOrg() {
	s.store.SeedFile(1, 301, 302)
	s.store.Stage(1, []member.Member{
		row(301, "E1", "e1@a.test", 11),
		row(302, "E2", "e2@b.test", 12),
	})

	result, err := s.store.Promote(s.ctx, 1, 301)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Inserted)
	s.Len(s.store.LiveRows(301), 1)
	s.Empty(s.store.LiveRows(302))
}

func (s *MemoryStoreSuite) TestExpireMissingClosesUnassertedRows() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{
		row(100, "E1", "e1@acme.test", 11),
		row(100, "E2", "e2@acme.test", 12),
	})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	// second file drops E2
	s.advance(24 * time.Hour)
	s.store.SeedFile(2, 100)
	s.store.Stage(2, []member.Member{row(100, "E1", "e1@acme.test", 11)})
	_, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)

	expired, err := s.store.ExpireMissing(s.ctx, 100, 2, 3)
	s.Require().NoError(err)
	s.Equal(int64(1), expired)

	live := s.store.LiveRows(100)
	s.Require().Len(live, 1)
	s.Equal("E1", live[0].UniqueCorpID)

	// expired row lost its hash so identical content can be re-ingested
	all := s.store.AllRows(100)
	for _, m := range all {
		if m.UniqueCorpID == "E2" {
			s.Nil(m.HashValue)
			s.Nil(m.HashVersion)
		}
	}
}

func (s *MemoryStoreSuite) TestExpireMissingHonoursTrailingWindow() {
	// E1 last asserted by file 1; files 2..5 follow without it. With a
	// window of 3, file 1 falls outside and E1 survives.
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{row(100, "E1", "e1@acme.test", 11)})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	for fileID := int64(2); fileID <= 5; fileID++ {
		s.advance(24 * time.Hour)
		s.store.SeedFile(fileID, 100)
		s.store.Stage(fileID, []member.Member{row(100, "E9", "e9@acme.test", 90)})
		_, err = s.store.Promote(s.ctx, fileID, 0)
		s.Require().NoError(err)
	}

	expired, err := s.store.ExpireMissing(s.ctx, 100, 5, 3)
	s.Require().NoError(err)
	s.Zero(expired)
	s.Len(s.store.LiveRows(100), 2)
}

func (s *MemoryStoreSuite) TestCountsSplitHashedFromInserted() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{row(100, "E1", "e1@acme.test", 11)})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.advance(24 * time.Hour)
	asOf := s.now
	s.store.SeedFile(2, 100)
	s.store.Stage(2, []member.Member{
		row(100, "E1", "e1@acme.test", 11),
		row(100, "E2", "e2@acme.test", 12),
	})
	_, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)

	hashed, inserted, err := s.store.Counts(s.ctx, 2, asOf)
	s.Require().NoError(err)
	s.Equal(int64(1), hashed)
	s.Equal(int64(1), inserted)
}

func (s *MemoryStoreSuite) TestLookups() {
	s.store.SeedFile(1, 100)
	s.store.Stage(1, []member.Member{
		{
			OrganizationID: 100, UniqueCorpID: "E1", DependentID: "D1",
			FirstName: "Ada", LastName: "Lovelace",
			Email: "ada@acme.test", DateOfBirth: "1990-03-15", WorkState: "NY",
		},
	})
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	m, err := s.store.FindByPrimary(s.ctx, "1990-03-15", "ADA@ACME.TEST")
	s.Require().NoError(err)
	s.Equal("E1", m.UniqueCorpID)

	m, err = s.store.FindBySecondary(s.ctx, "1990-03-15", "ada", "LOVELACE", "NY")
	s.Require().NoError(err)
	s.Equal("E1", m.UniqueCorpID)

	m, err = s.store.FindByTertiary(s.ctx, "1990-03-15", "E1")
	s.Require().NoError(err)
	s.Equal("D1", m.DependentID)

	m, err = s.store.FindByOrgIdentity(s.ctx, 100, "E1", "D1")
	s.Require().NoError(err)
	s.Equal("Ada", m.FirstName)

	_, err = s.store.FindByPrimary(s.ctx, "1990-03-15", "nobody@acme.test")
	s.Error(err)
}
