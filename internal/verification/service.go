package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"census/internal/member"
	"census/internal/org"
	"census/internal/verification/metrics"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
	"census/pkg/wire"
)

// MemberFinder is the slice of the member store the lookup policies read.
type MemberFinder interface {
	FindByPrimary(ctx context.Context, dateOfBirth, email string) (*member.Member, error)
	FindBySecondary(ctx context.Context, dateOfBirth, firstName, lastName, workState string) (*member.Member, error)
	FindByTertiary(ctx context.Context, dateOfBirth, uniqueCorpID string) (*member.Member, error)
	FindByClientSpecific(ctx context.Context, organizationID int64, uniqueCorpID, dateOfBirth string) (*member.Member, error)
	FindByOrgIdentity(ctx context.Context, organizationID int64, uniqueCorpID, dependentID string) (*member.Member, error)
	FindByOvereligibility(ctx context.Context, dateOfBirth, firstName, lastName string) ([]member.Member, error)
}

// FlagChecker gates the v2 read and write paths per org.
type FlagChecker interface {
	V2ReadEnabled(ctx context.Context, organizationID int64) bool
	V2WriteEnabled(ctx context.Context, organizationID int64) bool
}

// Service implements the verification operations the gRPC facade consumes.
type Service struct {
	members  MemberFinder
	store    Store
	orgs     org.Store
	flags    FlagChecker
	sessions *SessionIssuer
	logger   *slog.Logger
	runTx    func(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewService wires the verification service. db may be nil when the store is
// in-memory; writes then run without a surrounding transaction.
func NewService(
	db *sql.DB,
	members MemberFinder,
	store Store,
	orgs org.Store,
	flags FlagChecker,
	sessions *SessionIssuer,
	logger *slog.Logger,
) *Service {
	runTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}
	if db != nil {
		runTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return txcontext.Run(ctx, db, fn)
		}
	}
	return &Service{
		members:  members,
		store:    store,
		orgs:     orgs,
		flags:    flags,
		sessions: sessions,
		logger:   logger,
		runTx:    runTx,
	}
}

// GetByPrimary matches on exact date of birth and case-folded email.
func (s *Service) GetByPrimary(ctx context.Context, dateOfBirth, email string) (*member.Member, error) {
	return s.lookup(PolicyPrimary, func() (*member.Member, error) {
		return s.members.FindByPrimary(ctx, dateOfBirth, email)
	})
}

// GetBySecondary matches on date of birth, case-insensitive names, and state.
func (s *Service) GetBySecondary(ctx context.Context, dateOfBirth, firstName, lastName, workState string) (*member.Member, error) {
	return s.lookup(PolicySecondary, func() (*member.Member, error) {
		return s.members.FindBySecondary(ctx, dateOfBirth, firstName, lastName, workState)
	})
}

// GetByTertiary matches on date of birth and unique corp id.
func (s *Service) GetByTertiary(ctx context.Context, dateOfBirth, uniqueCorpID string) (*member.Member, error) {
	return s.lookup(PolicyTertiary, func() (*member.Member, error) {
		return s.members.FindByTertiary(ctx, dateOfBirth, uniqueCorpID)
	})
}

// GetByClientSpecific matches within one org, gated on the org carrying a
// client-specific implementation tag.
func (s *Service) GetByClientSpecific(ctx context.Context, organizationID int64, uniqueCorpID, dateOfBirth string) (*member.Member, error) {
	organization, err := s.orgs.GetByID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if organization.Implementation == "" {
		return nil, fmt.Errorf("organization %d has no client-specific implementation: %w",
			organizationID, sentinel.ErrInvalidState)
	}
	return s.lookup(PolicyClientSpecific, func() (*member.Member, error) {
		return s.members.FindByClientSpecific(ctx, organizationID, uniqueCorpID, dateOfBirth)
	})
}

// GetByOrgIdentity fetches the live member for an exact identity triple.
func (s *Service) GetByOrgIdentity(ctx context.Context, organizationID int64, uniqueCorpID, dependentID string) (*member.Member, error) {
	return s.lookup(PolicyOrgIdentity, func() (*member.Member, error) {
		return s.members.FindByOrgIdentity(ctx, organizationID, uniqueCorpID, dependentID)
	})
}

// GetByOvereligibility returns every live match across orgs.
func (s *Service) GetByOvereligibility(ctx context.Context, dateOfBirth, firstName, lastName string) ([]member.Member, error) {
	matches, err := s.members.FindByOvereligibility(ctx, dateOfBirth, firstName, lastName)
	if err != nil {
		metrics.Lookups.WithLabelValues(PolicyOvereligibility, "error").Inc()
		return nil, err
	}
	outcome := "hit"
	if len(matches) == 0 {
		outcome = "miss"
	}
	metrics.Lookups.WithLabelValues(PolicyOvereligibility, outcome).Inc()
	return matches, nil
}

func (s *Service) lookup(policy string, find func() (*member.Member, error)) (*member.Member, error) {
	m, err := find()
	switch {
	case err == nil:
		metrics.Lookups.WithLabelValues(policy, "hit").Inc()
		return m, nil
	case errors.Is(err, sentinel.ErrNotFound):
		metrics.Lookups.WithLabelValues(policy, "miss").Inc()
		return nil, err
	default:
		metrics.Lookups.WithLabelValues(policy, "error").Inc()
		return nil, err
	}
}

// CreateRequest is one verification write. Member is the matched row; nil
// records the failed attempt and nothing else.
type CreateRequest struct {
	UserID           int64
	OrganizationID   int64
	VerificationType string
	PolicyUsed       string
	Member           *member.Member
	AdditionalFields map[string]string

	// Identity fields recorded on the attempt when no member matched.
	FirstName   string
	LastName    string
	Email       string
	DateOfBirth string
	WorkState   string
}

// Create records a verification: the v2 row first when the org is flagged,
// then v1 pointing back at it, then the attempt, then the member join, all in
// one transaction. A request with no matched member records the failed
// attempt and returns sentinel.ErrNotFound.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*wire.EligibilityVerificationForUser, error) {
	if req.Member == nil {
		attempt := s.attemptFromRequest(req, nil)
		if err := s.store.CreateAttempt(ctx, &attempt); err != nil {
			return nil, err
		}
		metrics.FailedAttempts.Inc()
		return nil, fmt.Errorf("no member matched for user %d: %w", req.UserID, sentinel.ErrNotFound)
	}

	var record *wire.EligibilityVerificationForUser
	err := s.runTx(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.createOne(ctx, req, *req.Member)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateBulk writes one verification per matched member, used for
// overeligible users spanning orgs. Rows are matched to their org within the
// call and written in the same v2-first order, all in one transaction.
func (s *Service) CreateBulk(ctx context.Context, req CreateRequest, members []member.Member) ([]wire.EligibilityVerificationForUser, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("no members to verify for user %d: %w", req.UserID, sentinel.ErrNotFound)
	}

	records := make([]wire.EligibilityVerificationForUser, 0, len(members))
	err := s.runTx(ctx, func(ctx context.Context) error {
		for _, m := range members {
			record, err := s.createOne(ctx, req, m)
			if err != nil {
				return err
			}
			records = append(records, *record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) createOne(ctx context.Context, req CreateRequest, m member.Member) (*wire.EligibilityVerificationForUser, error) {
	now := time.Now()

	var v2 *Verification2
	if s.flags.V2WriteEnabled(ctx, m.OrganizationID) {
		v2 = &Verification2{
			UserID:           req.UserID,
			OrganizationID:   m.OrganizationID,
			VerificationType: req.VerificationType,
			UniqueCorpID:     m.UniqueCorpID,
			DependentID:      m.DependentID,
			MemberID:         m.ID,
			MemberVersion:    m.Version,
			VerifiedAt:       now,
		}
		if err := s.store.CreateV2(ctx, v2); err != nil {
			return nil, err
		}
		metrics.Created.WithLabelValues("v2").Inc()
	}

	v1 := Verification{
		UserID:           req.UserID,
		OrganizationID:   m.OrganizationID,
		VerificationType: req.VerificationType,
		UniqueCorpID:     m.UniqueCorpID,
		DependentID:      m.DependentID,
		FirstName:        m.FirstName,
		LastName:         m.LastName,
		Email:            m.Email,
		DateOfBirth:      m.DateOfBirth,
		WorkState:        m.WorkState,
		VerifiedAt:       now,
		AdditionalFields: req.AdditionalFields,
	}
	if v2 != nil {
		v1.Verification2ID = &v2.ID
	}
	if err := s.store.CreateV1(ctx, &v1); err != nil {
		return nil, err
	}
	metrics.Created.WithLabelValues("v1").Inc()

	if s.sessions != nil {
		session, err := s.sessions.Issue(req.UserID, m.OrganizationID, v1.ID)
		if err != nil {
			return nil, err
		}
		if err := s.store.SetSession(ctx, v1.ID, session); err != nil {
			return nil, err
		}
		v1.VerificationSession = session
	}

	attempt := s.attemptFromRequest(req, &v1)
	if err := s.store.CreateAttempt(ctx, &attempt); err != nil {
		return nil, err
	}

	join := MemberVerification{
		MemberID:              m.ID,
		VerificationID:        v1.ID,
		VerificationAttemptID: &attempt.ID,
	}
	if err := s.store.CreateMemberVerification(ctx, &join); err != nil {
		return nil, err
	}

	return s.record(ctx, v1, &m), nil
}

// Deactivate closes the v1 row for (verificationID, userID). For v2-enabled
// orgs the matching v2 row must exist and is closed in the same transaction;
// its absence is a dual-write violation, not a soft miss.
func (s *Service) Deactivate(ctx context.Context, verificationID, userID int64) error {
	err := s.runTx(ctx, func(ctx context.Context) error {
		v, err := s.store.GetForUser(ctx, verificationID, userID)
		if err != nil {
			return err
		}
		if err := s.store.DeactivateV1(ctx, verificationID, userID); err != nil {
			return err
		}
		if !s.flags.V2WriteEnabled(ctx, v.OrganizationID) {
			return nil
		}
		if v.Verification2ID == nil {
			return fmt.Errorf("verification %d has no v2 row for v2-enabled org %d: %w",
				verificationID, v.OrganizationID, sentinel.ErrInvalidState)
		}
		if err := s.store.DeactivateV2(ctx, *v.Verification2ID); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return fmt.Errorf("verification_2 %d missing for v2-enabled org %d: %w",
					*v.Verification2ID, v.OrganizationID, sentinel.ErrInvalidState)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.Deactivated.Inc()
	return nil
}

// GetForUser returns the user's active verifications shaped for the facade.
// A v2-enabled org with a missing v2 row degrades to a v1-shaped key on this
// read path, with a log line; reads stay best-effort.
func (s *Service) GetForUser(ctx context.Context, userID int64) ([]wire.EligibilityVerificationForUser, error) {
	verifications, err := s.store.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	records := make([]wire.EligibilityVerificationForUser, 0, len(verifications))
	for _, v := range verifications {
		records = append(records, *s.record(ctx, v, nil))
	}
	return records, nil
}

// record shapes one verification for the facade. m, when non-nil, is the
// member snapshot already in hand; otherwise it is fetched best-effort.
func (s *Service) record(ctx context.Context, v Verification, m *member.Member) *wire.EligibilityVerificationForUser {
	key := wire.VerificationKey{
		ID:             v.ID,
		OrganizationID: v.OrganizationID,
		IsV2:           s.flags.V2ReadEnabled(ctx, v.OrganizationID),
	}
	if key.IsV2 {
		switch {
		case v.Verification2ID == nil:
			s.logger.WarnContext(ctx, "v2-enabled verification has no v2 row",
				"verification_id", v.ID,
				"organization_id", v.OrganizationID,
			)
		default:
			v2, err := s.store.GetV2ByID(ctx, *v.Verification2ID)
			if err != nil {
				s.logger.WarnContext(ctx, "v2 row read failed",
					"verification_id", v.ID,
					"verification_2_id", *v.Verification2ID,
					"error", err,
				)
			} else {
				key.Member2ID = &v2.MemberID
				version := v2.MemberVersion
				key.Member2Version = &version
			}
		}
	}

	if m == nil {
		found, err := s.members.FindByOrgIdentity(ctx, v.OrganizationID, v.UniqueCorpID, v.DependentID)
		if err == nil {
			m = found
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "member snapshot read failed",
				"verification_id", v.ID,
				"error", err,
			)
		}
	}

	record := &wire.EligibilityVerificationForUser{
		UserID:              v.UserID,
		OrganizationID:      v.OrganizationID,
		VerificationType:    v.VerificationType,
		UniqueCorpID:        v.UniqueCorpID,
		DependentID:         v.DependentID,
		FirstName:           v.FirstName,
		LastName:            v.LastName,
		Email:               v.Email,
		DateOfBirth:         v.DateOfBirth,
		WorkState:           v.WorkState,
		VerifiedAt:          v.VerifiedAt,
		DeactivatedAt:       v.DeactivatedAt,
		AdditionalFields:    v.AdditionalFields,
		VerificationSession: v.VerificationSession,
		Key:                 key,
	}
	if m != nil {
		record.Member = &wire.MemberSnapshot{
			MemberID:       m.ID,
			OrganizationID: m.OrganizationID,
			UniqueCorpID:   m.UniqueCorpID,
			DependentID:    m.DependentID,
			FirstName:      m.FirstName,
			LastName:       m.LastName,
			Email:          m.Email,
			DateOfBirth:    m.DateOfBirth,
			WorkState:      m.WorkState,
			EffectiveFrom:  m.EffectiveFrom,
			EffectiveTo:    m.EffectiveTo,
		}
	}
	return record
}

func (s *Service) attemptFromRequest(req CreateRequest, v1 *Verification) Attempt {
	attempt := Attempt{
		UserID:           req.UserID,
		OrganizationID:   req.OrganizationID,
		VerificationType: req.VerificationType,
		PolicyUsed:       req.PolicyUsed,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Email:            req.Email,
		DateOfBirth:      req.DateOfBirth,
		WorkState:        req.WorkState,
	}
	if v1 != nil {
		attempt.SuccessfulVerification = true
		attempt.OrganizationID = v1.OrganizationID
		attempt.UniqueCorpID = v1.UniqueCorpID
		attempt.DependentID = v1.DependentID
		attempt.VerificationID = &v1.ID
	}
	return attempt
}
