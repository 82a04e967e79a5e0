// Package store persists verification rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"census/internal/verification"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
)

// Postgres implements verification.Store plus the flush pipeline's
// pre-verification pass. Reads go to the read pool; everything written
// inside a dual-write transaction resolves the ambient tx first.
type Postgres struct {
	db   *sql.DB
	read *sql.DB
	// PreverifyWorkMem is applied per pre-verification transaction.
	PreverifyWorkMem string
}

// NewPostgres builds the store. read may equal db when no replica is split.
func NewPostgres(db, read *sql.DB) *Postgres {
	if read == nil {
		read = db
	}
	return &Postgres{db: db, read: read, PreverifyWorkMem: "256MB"}
}

func (s *Postgres) CreateV2(ctx context.Context, v *verification.Verification2) error {
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO verification_2 (
			user_id, organization_id, verification_type, unique_corp_id,
			dependent_id, member_id, member_version, verified_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING id, created_at
	`, v.UserID, v.OrganizationID, v.VerificationType, v.UniqueCorpID,
		v.DependentID, v.MemberID, v.MemberVersion, v.VerifiedAt,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert verification_2: %w", err)
	}
	return nil
}

func (s *Postgres) CreateV1(ctx context.Context, v *verification.Verification) error {
	var additional []byte
	if v.AdditionalFields != nil {
		var err error
		if additional, err = json.Marshal(v.AdditionalFields); err != nil {
			return fmt.Errorf("encode additional fields: %w", err)
		}
	}
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO verification (
			user_id, organization_id, verification_type, unique_corp_id,
			dependent_id, first_name, last_name, email, date_of_birth,
			work_state, verified_at, verification_2_id, additional_fields,
			verification_session, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		RETURNING id, created_at
	`, v.UserID, v.OrganizationID, v.VerificationType, v.UniqueCorpID,
		v.DependentID, v.FirstName, v.LastName, v.Email, v.DateOfBirth,
		v.WorkState, v.VerifiedAt, v.Verification2ID, additional,
		nullable(v.VerificationSession),
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

func (s *Postgres) CreateAttempt(ctx context.Context, a *verification.Attempt) error {
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO verification_attempt (
			user_id, organization_id, verification_type, policy_used,
			successful_verification, first_name, last_name, email,
			date_of_birth, work_state, unique_corp_id, dependent_id,
			verification_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		RETURNING id, created_at
	`, a.UserID, a.OrganizationID, a.VerificationType, a.PolicyUsed,
		a.SuccessfulVerification, a.FirstName, a.LastName, a.Email,
		a.DateOfBirth, a.WorkState, a.UniqueCorpID, a.DependentID,
		a.VerificationID,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert verification attempt: %w", err)
	}
	return nil
}

func (s *Postgres) CreateMemberVerification(ctx context.Context, mv *verification.MemberVerification) error {
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO member_verification (member_id, verification_id, verification_attempt_id, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at
	`, mv.MemberID, mv.VerificationID, mv.VerificationAttemptID,
	).Scan(&mv.ID, &mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert member verification: %w", err)
	}
	return nil
}

func (s *Postgres) SetSession(ctx context.Context, verificationID int64, session string) error {
	_, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx, `
		UPDATE verification SET verification_session = $2 WHERE id = $1
	`, verificationID, session)
	if err != nil {
		return fmt.Errorf("set verification session: %w", err)
	}
	return nil
}

const verificationColumns = `
	id, user_id, organization_id, verification_type, unique_corp_id,
	dependent_id, first_name, last_name, email, date_of_birth, work_state,
	verified_at, deactivated_at, verification_2_id, additional_fields,
	COALESCE(verification_session, ''), created_at
`

func (s *Postgres) GetForUser(ctx context.Context, verificationID, userID int64) (*verification.Verification, error) {
	row := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+verificationColumns+`
		FROM verification WHERE id = $1 AND user_id = $2
	`, verificationID, userID)
	v, err := scanVerification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verification %d for user %d: %w", verificationID, userID, sentinel.ErrNotFound)
		}
		return nil, err
	}
	return v, nil
}

func (s *Postgres) GetV2ByID(ctx context.Context, id int64) (*verification.Verification2, error) {
	var v verification.Verification2
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, user_id, organization_id, verification_type, unique_corp_id,
			dependent_id, member_id, member_version, verified_at, deactivated_at, created_at
		FROM verification_2 WHERE id = $1
	`, id).Scan(
		&v.ID, &v.UserID, &v.OrganizationID, &v.VerificationType, &v.UniqueCorpID,
		&v.DependentID, &v.MemberID, &v.MemberVersion, &v.VerifiedAt, &v.DeactivatedAt, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verification_2 %d: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan verification_2: %w", err)
	}
	return &v, nil
}

func (s *Postgres) ListActiveForUser(ctx context.Context, userID int64) ([]verification.Verification, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT `+verificationColumns+`
		FROM verification
		WHERE user_id = $1 AND deactivated_at IS NULL
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query verifications for user: %w", err)
	}
	defer rows.Close()

	var verifications []verification.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		verifications = append(verifications, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications for user: %w", err)
	}
	return verifications, nil
}

func (s *Postgres) DeactivateV1(ctx context.Context, verificationID, userID int64) error {
	res, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx, `
		UPDATE verification SET deactivated_at = now()
		WHERE id = $1 AND user_id = $2 AND deactivated_at IS NULL
	`, verificationID, userID)
	if err != nil {
		return fmt.Errorf("deactivate verification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate verification: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("active verification %d for user %d: %w", verificationID, userID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeactivateV2(ctx context.Context, verification2ID int64) error {
	res, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx, `
		UPDATE verification_2 SET deactivated_at = now()
		WHERE id = $1 AND deactivated_at IS NULL
	`, verification2ID)
	if err != nil {
		return fmt.Errorf("deactivate verification_2: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate verification_2: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("active verification_2 %d: %w", verification2ID, sentinel.ErrNotFound)
	}
	return nil
}

// PreVerify links freshly promoted member rows to existing active
// verifications with the same identity tuple, batched until a batch comes up
// short. work_mem is raised for the session: the join is hash-heavy on large
// promotions.
func (s *Postgres) PreVerify(ctx context.Context, organizationID, fileID int64, batchSize int) (int64, error) {
	var total int64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.Resolve(ctx, s.db)
		if _, err := q.ExecContext(ctx, fmt.Sprintf(`SET LOCAL work_mem = '%s'`, s.PreverifyWorkMem)); err != nil {
			return fmt.Errorf("set work_mem: %w", err)
		}
		for {
			res, err := q.ExecContext(ctx, `
				INSERT INTO member_verification (member_id, verification_id, created_at)
				SELECT mv.id, v.id, now()
				FROM member_versioned mv
				JOIN verification v
				  ON v.organization_id = mv.organization_id
				 AND v.unique_corp_id = mv.unique_corp_id
				 AND COALESCE(v.dependent_id, '') = mv.dependent_id
				 AND v.deactivated_at IS NULL
				WHERE mv.file_id = $1
				  AND mv.organization_id = $2
				  AND mv.effective_to IS NULL
				  AND NOT EXISTS (
					SELECT 1 FROM member_verification existing
					WHERE existing.member_id = mv.id AND existing.verification_id = v.id
				  )
				LIMIT $3
			`, fileID, organizationID, batchSize)
			if err != nil {
				return fmt.Errorf("pre-verify batch: %w", err)
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("pre-verify batch: %w", err)
			}
			total += inserted
			if inserted < int64(batchSize) {
				return nil
			}
		}
	})
	return total, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*verification.Verification, error) {
	var v verification.Verification
	var additional []byte
	err := row.Scan(
		&v.ID, &v.UserID, &v.OrganizationID, &v.VerificationType, &v.UniqueCorpID,
		&v.DependentID, &v.FirstName, &v.LastName, &v.Email, &v.DateOfBirth,
		&v.WorkState, &v.VerifiedAt, &v.DeactivatedAt, &v.Verification2ID,
		&additional, &v.VerificationSession, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan verification: %w", err)
	}
	if len(additional) > 0 {
		if err := json.Unmarshal(additional, &v.AdditionalFields); err != nil {
			return nil, fmt.Errorf("decode additional fields: %w", err)
		}
	}
	return &v, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
