package verification_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"census/internal/member"
	memberstore "census/internal/member/store"
	"census/internal/org"
	orgstore "census/internal/org/store"
	"census/internal/platform/logger"
	"census/internal/verification"
	verifstore "census/internal/verification/store"
	"census/pkg/platform/sentinel"
)

type fakeFlags struct {
	read  map[int64]bool
	write map[int64]bool
}

func (f *fakeFlags) V2ReadEnabled(_ context.Context, orgID int64) bool  { return f.read[orgID] }
func (f *fakeFlags) V2WriteEnabled(_ context.Context, orgID int64) bool { return f.write[orgID] }

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	members *memberstore.Memory
	store   *verifstore.Memory
	orgs    *orgstore.Memory
	flags   *fakeFlags
	service *verification.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.members = memberstore.NewMemory()
	s.store = verifstore.NewMemory()
	s.orgs = orgstore.NewMemory()
	s.flags = &fakeFlags{read: map[int64]bool{}, write: map[int64]bool{}}
	s.service = verification.NewService(
		nil, s.members, s.store, s.orgs, s.flags,
		verification.NewSessionIssuer("test-secret", time.Hour),
		logger.NewNop(),
	)

	s.members.SeedFile(1, 100)
	s.members.Stage(1, []member.Member{
		{
			OrganizationID: 100, UniqueCorpID: "E1", DependentID: "",
			FirstName: "Ada", LastName: "Lovelace",
			Email: "ada@acme.test", DateOfBirth: "1990-03-15", WorkState: "NY",
		},
	})
	_, err := s.members.Promote(s.ctx, 1, 0)
	s.Require().NoError(err)
}

func (s *ServiceSuite) matched() *member.Member {
	m, err := s.members.FindByOrgIdentity(s.ctx, 100, "E1", "")
	s.Require().NoError(err)
	return m
}

func (s *ServiceSuite) TestCreateV1Only() {
	record, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID:           7,
		VerificationType: "lookup",
		PolicyUsed:       verification.PolicyPrimary,
		Member:           s.matched(),
	})
	s.Require().NoError(err)

	s.Equal(int64(7), record.UserID)
	s.Equal(int64(100), record.OrganizationID)
	s.False(record.Key.IsV2)
	s.NotEmpty(record.VerificationSession)
	s.Require().NotNil(record.Member)
	s.Equal("Ada", record.Member.FirstName)

	attempts := s.store.Attempts()
	s.Require().Len(attempts, 1)
	s.True(attempts[0].SuccessfulVerification)
	s.Equal(verification.PolicyPrimary, attempts[0].PolicyUsed)
	s.Require().NotNil(attempts[0].VerificationID)

	joins := s.store.Joins()
	s.Require().Len(joins, 1)
	s.Equal(*attempts[0].VerificationID, joins[0].VerificationID)
	s.NotNil(joins[0].VerificationAttemptID)
}

func (s *ServiceSuite) TestCreateDualWritesWhenFlagged() {
	s.flags.write[100] = true
	s.flags.read[100] = true

	record, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID:           7,
		VerificationType: "lookup",
		PolicyUsed:       verification.PolicyTertiary,
		Member:           s.matched(),
	})
	s.Require().NoError(err)

	s.True(record.Key.IsV2)
	s.Require().NotNil(record.Key.Member2ID)
	s.Equal(s.matched().ID, *record.Key.Member2ID)
	s.Require().NotNil(record.Key.Member2Version)
	s.Equal(0, *record.Key.Member2Version)

	v1, err := s.store.GetForUser(s.ctx, record.Key.ID, 7)
	s.Require().NoError(err)
	s.Require().NotNil(v1.Verification2ID)
	v2, err := s.store.GetV2ByID(s.ctx, *v1.Verification2ID)
	s.Require().NoError(err)
	s.Equal(v1.UniqueCorpID, v2.UniqueCorpID)
	// v2 is written first, so its id precedes v1's
	s.Less(v2.ID, v1.ID)
}

func (s *ServiceSuite) TestCreateWithoutMatchRecordsFailedAttempt() {
	_, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID:           7,
		OrganizationID:   100,
		VerificationType: "lookup",
		PolicyUsed:       verification.PolicyPrimary,
		Email:            "nobody@acme.test",
		DateOfBirth:      "1990-03-15",
	})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	attempts := s.store.Attempts()
	s.Require().Len(attempts, 1)
	s.False(attempts[0].SuccessfulVerification)
	s.Nil(attempts[0].VerificationID)
	s.Equal("nobody@acme.test", attempts[0].Email)
	s.Empty(s.store.Joins())
}

func (s *ServiceSuite) TestCreateBulkAcrossOrgs() {
	s.members.SeedFile(2, 200)
	s.members.Stage(2, []member.Member{
		{
			OrganizationID: 200, UniqueCorpID: "X9", DependentID: "",
			FirstName: "Ada", LastName: "Lovelace",
			Email: "ada@other.test", DateOfBirth: "1990-03-15", WorkState: "CA",
		},
	})
	_, err := s.members.Promote(s.ctx, 2, 0)
	s.Require().NoError(err)
	s.flags.write[200] = true

	matches, err := s.service.GetByOvereligibility(s.ctx, "1990-03-15", "ada", "lovelace")
	s.Require().NoError(err)
	s.Require().Len(matches, 2)

	records, err := s.service.CreateBulk(s.ctx, verification.CreateRequest{
		UserID:           7,
		VerificationType: "overeligibility",
		PolicyUsed:       verification.PolicyOvereligibility,
	}, matches)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(int64(100), records[0].OrganizationID)
	s.Equal(int64(200), records[1].OrganizationID)

	// only the flagged org got a v2 row
	v1a, err := s.store.GetForUser(s.ctx, records[0].Key.ID, 7)
	s.Require().NoError(err)
	s.Nil(v1a.Verification2ID)
	v1b, err := s.store.GetForUser(s.ctx, records[1].Key.ID, 7)
	s.Require().NoError(err)
	s.NotNil(v1b.Verification2ID)
}

func (s *ServiceSuite) TestDeactivateV1Only() {
	record, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID: 7, VerificationType: "lookup", PolicyUsed: verification.PolicyPrimary, Member: s.matched(),
	})
	s.Require().NoError(err)

	s.Require().NoError(s.service.Deactivate(s.ctx, record.Key.ID, 7))

	active, err := s.service.GetForUser(s.ctx, 7)
	s.Require().NoError(err)
	s.Empty(active)
}

func (s *ServiceSuite) TestDeactivateDualWritten() {
	s.flags.write[100] = true
	record, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID: 7, VerificationType: "lookup", PolicyUsed: verification.PolicyPrimary, Member: s.matched(),
	})
	s.Require().NoError(err)

	s.Require().NoError(s.service.Deactivate(s.ctx, record.Key.ID, 7))

	v1, err := s.store.GetForUser(s.ctx, record.Key.ID, 7)
	s.Require().NoError(err)
	s.NotNil(v1.DeactivatedAt)
	v2, err := s.store.GetV2ByID(s.ctx, *v1.Verification2ID)
	s.Require().NoError(err)
	s.NotNil(v2.DeactivatedAt)
}

func (s *ServiceSuite) TestDeactivateMissingV2IsHardError() {
	// created before the org was flagged onto v2
	record, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID: 7, VerificationType: "lookup", PolicyUsed: verification.PolicyPrimary, Member: s.matched(),
	})
	s.Require().NoError(err)

	s.flags.write[100] = true
	err = s.service.Deactivate(s.ctx, record.Key.ID, 7)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *ServiceSuite) TestGetForUserDegradesOnMissingV2() {
	_, err := s.service.Create(s.ctx, verification.CreateRequest{
		UserID: 7, VerificationType: "lookup", PolicyUsed: verification.PolicyPrimary, Member: s.matched(),
	})
	s.Require().NoError(err)

	// reads flip to v2 after the fact; the v1-only row degrades, not errors
	s.flags.read[100] = true
	records, err := s.service.GetForUser(s.ctx, 7)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.True(records[0].Key.IsV2)
	s.Nil(records[0].Key.Member2ID)
}

func (s *ServiceSuite) TestClientSpecificGatedOnImplementation() {
	s.orgs.SeedOrganization(org.Organization{ID: 100, DirectoryName: "acme"})
	_, err := s.service.GetByClientSpecific(s.ctx, 100, "E1", "1990-03-15")
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	s.orgs.SeedOrganization(org.Organization{ID: 100, DirectoryName: "acme", Implementation: "acme-custom"})
	m, err := s.service.GetByClientSpecific(s.ctx, 100, "E1", "1990-03-15")
	s.Require().NoError(err)
	s.Equal("Ada", m.FirstName)
}

func TestSessionRoundTrip(t *testing.T) {
	issuer := verification.NewSessionIssuer("secret", time.Hour)
	token, err := issuer.Issue(7, 100, 42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.Subject)
	assert.Equal(t, int64(100), claims.OrganizationID)
	assert.Equal(t, int64(42), claims.VerificationID)

	// wrong secret rejected
	other := verification.NewSessionIssuer("other", time.Hour)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestSessionIssuerDisabledWithoutSecret(t *testing.T) {
	issuer := verification.NewSessionIssuer("", time.Hour)
	require.Nil(t, issuer)

	token, err := issuer.Issue(7, 100, 42)
	require.NoError(t, err)
	assert.Empty(t, token)
}
