package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"census/internal/blob"
	"census/internal/ingest"
	ingeststore "census/internal/ingest/store"
	"census/internal/member"
	memberstore "census/internal/member/store"
	"census/internal/org"
	orgcache "census/internal/org/cache"
	orgstore "census/internal/org/store"
	"census/internal/platform/logger"
	"census/internal/platform/postgres"
	"census/internal/verification"
	verifstore "census/internal/verification/store"
	"census/pkg/wire"
)

const censusBucket = "census"

func timePtr() *time.Time {
	t := time.Now().Add(-time.Hour)
	return &t
}

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	files   *ingeststore.Memory
	staging *ingeststore.MemoryStaging
	members *memberstore.Memory
	orgs    *orgstore.Memory
	blobs   *blob.Disk
	flusher *ingest.Flusher
	service *ingest.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.files = ingeststore.NewMemory()
	s.members = memberstore.NewMemory()
	s.orgs = orgstore.NewMemory()
	s.blobs = blob.NewDisk(s.T().TempDir())

	// forward staged rows into the in-memory member store, standing in for
	// the shared staging relation the SQL stores promote from
	s.staging = ingeststore.NewMemoryStaging()
	s.staging.OnPersistValid = func(fileID int64, rows []member.Member) {
		s.members.Stage(fileID, rows)
		seen := map[int64]bool{}
		for _, row := range rows {
			if !seen[row.OrganizationID] {
				seen[row.OrganizationID] = true
				s.members.SeedFile(fileID, row.OrganizationID)
			}
		}
	}

	s.orgs.SeedOrganization(org.Organization{
		ID:            100,
		DirectoryName: "acme",
		ActivatedAt:   timePtr(),
	})
	s.orgs.SeedHeaderAliases(100,
		org.HeaderAlias{OrganizationID: 100, CanonicalHeader: "first_name", Alias: "employee_first_name"},
		org.HeaderAlias{OrganizationID: 100, CanonicalHeader: "last_name", Alias: "employee_last_name"},
		org.HeaderAlias{OrganizationID: 100, CanonicalHeader: "unique_corp_id", Alias: "corp_id"},
	)

	s.flusher = &ingest.Flusher{
		Files:   s.files,
		Staging: s.staging,
		Members: s.members,
		Retrier: postgres.Retrier{Attempts: 1},
		Logger:  logger.NewNop(),
	}
	s.service = ingest.NewService(
		s.files, s.staging, s.blobs, s.orgs,
		orgcache.New(s.orgs, 0, 0),
		s.flusher, logger.NewNop(),
	)
}

func (s *ServiceSuite) upload(name, content string) {
	s.Require().NoError(s.blobs.Put(s.ctx, []byte(content), name, censusBucket, "text/csv", nil))
}

func (s *ServiceSuite) TestFreshIngest() {
	s.upload("acme/2024-01.csv",
		"employee_first_name,employee_last_name,dob,corp_id\n"+
			"Ada,Lovelace,1990-03-15,E1\n"+
			"Grace,Hopper,1906-12-09,E2\n"+
			"Jean,Bartik,1924-12-27,E3\n")

	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))

	file, err := s.files.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(ingest.StatusCompleted, file.Status())
	s.Equal(int64(100), file.OrganizationID)
	s.Equal(int64(3), file.SuccessCount)
	s.Zero(file.FailureCount)
	s.Equal("utf-8", file.Encoding)

	s.Len(s.members.LiveRows(100), 3)

	// completed implies empty staging
	count, err := s.staging.ValidCount(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *ServiceSuite) TestUnchangedReingestIsHashNoop() {
	content := "employee_first_name,employee_last_name,dob,corp_id\n" +
		"Ada,Lovelace,1990-03-15,E1\n" +
		"Grace,Hopper,1906-12-09,E2\n" +
		"Jean,Bartik,1924-12-27,E3\n"
	s.upload("acme/2024-01.csv", content)
	s.upload("acme/2024-02.csv", content)

	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))
	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-02.csv", censusBucket))

	live := s.members.LiveRows(100)
	s.Require().Len(live, 3)
	for _, m := range live {
		s.Equal(int64(2), m.FileID)
		s.Equal(0, m.Version)
	}
	// no new versions were written at all
	s.Len(s.members.AllRows(100), 3)
}

func (s *ServiceSuite) TestPartialUpdateVersionsAndExpires() {
	s.upload("acme/2024-01.csv",
		"employee_first_name,employee_last_name,dob,corp_id\n"+
			"Ada,Lovelace,1990-03-15,E1\n"+
			"Grace,Hopper,1906-12-09,E2\n"+
			"Jean,Bartik,1924-12-27,E3\n")
	s.upload("acme/2024-02.csv",
		"employee_first_name,employee_last_name,dob,corp_id\n"+
			"Ada,Lovelace,1990-03-15,E1\n"+
			"Grace,Murray,1906-12-09,E2\n")

	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))
	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-02.csv", censusBucket))

	live := s.members.LiveRows(100)
	s.Require().Len(live, 2)
	byCorpID := map[string]member.Member{}
	for _, m := range live {
		byCorpID[m.UniqueCorpID] = m
	}

	// row 1: hashed no-op carried forward
	s.Equal(0, byCorpID["E1"].Version)
	s.Equal(int64(2), byCorpID["E1"].FileID)
	// row 2: new live version
	s.Equal(1, byCorpID["E2"].Version)
	s.Equal("Murray", byCorpID["E2"].LastName)
	// row 3: expired, hash cleared
	for _, m := range s.members.AllRows(100) {
		if m.UniqueCorpID == "E3" {
			s.NotNil(m.EffectiveTo)
			s.Nil(m.HashValue)
		}
	}
}

func (s *ServiceSuite) TestDataProviderFanOut() {
	s.orgs.SeedOrganization(org.Organization{
		ID:            200,
		DirectoryName: "dataprov",
		DataProvider:  true,
		ActivatedAt:   timePtr(),
	})
	s.orgs.SeedOrganization(org.Organization{ID: 301, DirectoryName: "sub-a", ActivatedAt: timePtr()})
	s.orgs.SeedOrganization(org.Organization{ID: 302, DirectoryName: "sub-b", ActivatedAt: timePtr()})
	dp := int64(200)
	s.Require().NoError(s.orgs.ReplaceExternalIDs(s.ctx, "census", []org.ExternalID{
		{Source: "census", ExternalID: "A", OrganizationID: 301, DataProviderOrganizationID: &dp},
		{Source: "census", ExternalID: "B", OrganizationID: 302, DataProviderOrganizationID: &dp},
	}))

	s.upload("dataprov/2024-01.csv",
		"first_name,last_name,dob,employee_id,client_id\n"+
			"Ada,Lovelace,1990-03-15,E1,A\n"+
			"Grace,Hopper,1906-12-09,E2,B\n")

	s.Require().NoError(s.service.ProcessFile(s.ctx, "dataprov/2024-01.csv", censusBucket))

	s.Len(s.members.LiveRows(301), 1)
	s.Len(s.members.LiveRows(302), 1)
	s.Empty(s.members.LiveRows(200))
}

func (s *ServiceSuite) TestRowErrorsAreCountedNotFatal() {
	s.upload("acme/2024-01.csv",
		"employee_first_name,employee_last_name,dob,corp_id\n"+
			"Ada,Lovelace,1990-03-15,E1\n"+
			"Grace,Hopper,not-a-date,E2\n")

	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))

	file, err := s.files.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(ingest.StatusCompleted, file.Status())
	s.Equal(int64(2), file.RawCount)
	s.Equal(int64(1), file.SuccessCount)
	s.Equal(int64(1), file.FailureCount)
	s.Len(s.members.LiveRows(100), 1)
}

func (s *ServiceSuite) TestMissingBlobMarksFileErrored() {
	err := s.service.ProcessFile(s.ctx, "acme/ghost.csv", censusBucket)
	s.Require().Error(err)

	file, getErr := s.files.Get(s.ctx, 1)
	s.Require().NoError(getErr)
	s.Equal(ingest.StatusErrored, file.Status())
	s.Equal(string(wire.KindFileMissing), file.Error)
}

func (s *ServiceSuite) TestBadEncodingMarksFileErrored() {
	s.Require().NoError(s.blobs.Put(s.ctx,
		[]byte{0x00, 0x01, 0x02, 0xFF}, "acme/binary.csv", censusBucket, "text/csv", nil))

	err := s.service.ProcessFile(s.ctx, "acme/binary.csv", censusBucket)
	s.Require().Error(err)

	file, getErr := s.files.Get(s.ctx, 1)
	s.Require().NoError(getErr)
	s.Equal(string(wire.KindBadFileEncoding), file.Error)
}

func (s *ServiceSuite) TestUnknownDirectoryMarksFileErrored() {
	s.upload("nobody/2024-01.csv", "corp_id\nE1\n")

	err := s.service.ProcessFile(s.ctx, "nobody/2024-01.csv", censusBucket)
	s.Require().Error(err)

	file, getErr := s.files.Get(s.ctx, 1)
	s.Require().NoError(getErr)
	s.Equal(string(wire.KindUnmappedOrganization), file.Error)
}

func (s *ServiceSuite) TestFlushPreVerifiesExistingVerifiedUsers() {
	verifications := verifstore.NewMemory()
	verifications.Members = s.members
	s.Require().NoError(verifications.CreateV1(s.ctx, &verification.Verification{
		UserID:           7,
		OrganizationID:   100,
		VerificationType: "lookup",
		UniqueCorpID:     "E1",
	}))
	s.flusher.PreVerify = verifications

	s.upload("acme/2024-01.csv",
		"employee_first_name,employee_last_name,dob,corp_id\nAda,Lovelace,1990-03-15,E1\n")
	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))

	joins := verifications.Joins()
	s.Require().Len(joins, 1)
	live := s.members.LiveRows(100)
	s.Require().Len(live, 1)
	s.Equal(live[0].ID, joins[0].MemberID)
	s.Nil(joins[0].VerificationAttemptID)
}

func (s *ServiceSuite) TestReflushIsIdempotent() {
	s.upload("acme/2024-01.csv",
		"employee_first_name,employee_last_name,dob,corp_id\nAda,Lovelace,1990-03-15,E1\n")
	s.Require().NoError(s.service.ProcessFile(s.ctx, "acme/2024-01.csv", censusBucket))

	s.Require().NoError(s.flusher.Flush(s.ctx, 1))

	s.Len(s.members.AllRows(100), 1)
	file, err := s.files.Get(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(ingest.StatusCompleted, file.Status())
}
