//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	memberstore "census/internal/member/store"
	"census/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *memberstore.Postgres
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T(), "../../../migrations")
	s.store = memberstore.NewPostgres(s.pg.DB, s.pg.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateAll(s.ctx,
		"member_verification", "member_versioned", "member",
		"file_parse_result", "file", "organization_config",
	))
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO organization_config (id, directory_name, activated_at)
		VALUES (100, 'acme', now() - interval '1 day')
	`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) createFile(id int64) {
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO file (id, organization_id, name, started_at)
		VALUES ($1, 100, 'acme/census.csv', now())
	`, id)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) stageRow(fileID int64, corpID, firstName string, hash int64) {
	s.stageRowFull(fileID, 100, corpID, firstName, hash, `{}`)
}

func (s *PostgresStoreSuite) stageRowFull(fileID, orgID int64, corpID, firstName string, hash int64, record string) {
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO file_parse_result (
			file_id, organization_id, unique_corp_id, dependent_id,
			first_name, last_name, email, date_of_birth, work_state,
			record, hash_value, hash_version
		)
		VALUES ($1, $2, $3, '', $4, 'Lovelace', $5, '1990-01-02', 'NY', $6, $7, 1)
	`, fileID, orgID, corpID, firstName, corpID+"@example.com", record, hash)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestPromoteInsertsAndVersions() {
	s.createFile(1)
	s.stageRow(1, "E1", "Ada", 1001)

	result, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Inserted)
	s.Equal(int64(0), result.Hashed)

	m, err := s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	s.Equal(0, m.Version)
	s.Equal("Ada", m.FirstName)

	// same content re-asserted by a later file carries the file forward
	s.createFile(2)
	s.stageRow(2, "E1", "Ada", 1001)
	result, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Hashed)
	s.Equal(int64(0), result.Inserted)

	m, err = s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	s.Equal(int64(2), m.FileID)
	s.Equal(0, m.Version)

	// changed content closes the live row and inserts the next version
	s.createFile(3)
	s.stageRow(3, "E1", "Adeline", 1002)
	result, err = s.store.Promote(s.ctx, 3, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Superseded)
	s.Equal(int64(1), result.Inserted)

	m, err = s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	s.Equal(1, m.Version)
	s.Equal("Adeline", m.FirstName)
}

func (s *PostgresStoreSuite) TestPromoteCollapsesDuplicateRows() {
	s.createFile(1)
	s.stageRow(1, "E1", "Ada", 1001)
	s.stageRow(1, "E1", "Adeline", 1002)

	result, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)
	s.Equal(int64(1), result.Inserted)

	m, err := s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	s.Equal("Adeline", m.FirstName, "the last staged duplicate wins")
}

func (s *PostgresStoreSuite) TestExpireMissingCoversProviderSubOrgs() {
	// the file rows belong to the provider org 100 while every member row
	// promotes to sub-org 200
	_, err := s.pg.DB.ExecContext(s.ctx, `
		INSERT INTO organization_config (id, directory_name, activated_at)
		VALUES (200, 'acme-sub', now() - interval '1 day')
	`)
	s.Require().NoError(err)

	s.createFile(1)
	s.stageRowFull(1, 200, "E1", "Ada", 1001, `{}`)
	s.stageRowFull(1, 200, "E2", "Grace", 1002, `{}`)
	_, err = s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.createFile(2)
	s.stageRowFull(2, 200, "E1", "Ada", 1001, `{}`)
	_, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)

	expired, err := s.store.ExpireMissing(s.ctx, 200, 2, 3)
	s.Require().NoError(err)
	s.Equal(int64(1), expired)

	_, err = s.store.FindByOrgIdentity(s.ctx, 200, "E2", "")
	s.Error(err, "missing sub-org member expired")

	m, err := s.store.FindByOrgIdentity(s.ctx, 200, "E1", "")
	s.Require().NoError(err)
	s.Nil(m.EffectiveTo)
}

func (s *PostgresStoreSuite) TestPromoteMaintainsAddresses() {
	s.createFile(1)
	s.stageRowFull(1, 100, "E1", "Ada", 1001,
		`{"address_1": "1 Census Way", "city": "Albany", "state": "NY", "zip_code": "12207"}`)
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	m, err := s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)

	a, err := s.store.AddressByMemberID(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal("1 Census Way", a.AddressLine1)
	s.Equal("Albany", a.City)
	s.Equal("12207", a.ZipCode)
}

func (s *PostgresStoreSuite) TestExpireMissingHonorsWindow() {
	s.createFile(1)
	s.stageRow(1, "E1", "Ada", 1001)
	s.stageRow(1, "E2", "Grace", 1002)
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.createFile(2)
	s.stageRow(2, "E1", "Ada", 1001)
	_, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)

	expired, err := s.store.ExpireMissing(s.ctx, 100, 2, 3)
	s.Require().NoError(err)
	s.Equal(int64(1), expired)

	_, err = s.store.FindByOrgIdentity(s.ctx, 100, "E2", "")
	s.Error(err, "missing member expired")

	m, err := s.store.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	s.Nil(m.EffectiveTo)
}

func (s *PostgresStoreSuite) TestCountsSplitsHashedAndInserted() {
	s.createFile(1)
	s.stageRow(1, "E1", "Ada", 1001)
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	// the database clock is authoritative for created_at
	var asOf time.Time
	s.Require().NoError(s.pg.DB.QueryRowContext(s.ctx, `SELECT now()`).Scan(&asOf))

	s.createFile(2)
	s.stageRow(2, "E1", "Ada", 1001)
	s.stageRow(2, "E2", "Grace", 1002)
	_, err = s.store.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)

	hashed, inserted, err := s.store.Counts(s.ctx, 2, asOf)
	s.Require().NoError(err)
	s.Equal(int64(1), hashed)
	s.Equal(int64(1), inserted)
}

func (s *PostgresStoreSuite) TestPurgeExpired() {
	s.createFile(1)
	s.stageRow(1, "E1", "Ada", 1001)
	_, err := s.store.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)

	s.createFile(2)
	_, err = s.store.ExpireMissing(s.ctx, 100, 2, 3)
	s.Require().NoError(err)

	orgs, err := s.store.OrgsWithExpired(s.ctx, time.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal([]int64{100}, orgs)

	purged, err := s.store.PurgeExpired(s.ctx, 100, time.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(int64(1), purged)
}
