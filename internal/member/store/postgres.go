package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"census/internal/member"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
)

// Postgres owns the member and member_versioned relations. Reads used by the
// verification service go to the read pool; promotion and expiry always use
// the write pool.
type Postgres struct {
	db   *sql.DB
	read *sql.DB
}

// NewPostgres builds the store. read may equal db when no replica is split.
func NewPostgres(db, read *sql.DB) *Postgres {
	if read == nil {
		read = db
	}
	return &Postgres{db: db, read: read}
}

// PromoteResult reports what one promotion pass did.
type PromoteResult struct {
	// Hashed counts live rows whose content matched and only had their
	// asserting file carried forward.
	Hashed int64
	// Superseded counts previous versions closed by a content change.
	Superseded int64
	// Inserted counts new versioned rows (new identities and new versions).
	Inserted int64
}

// Promote moves staged valid rows for a file into the member tables. orgID
// zero promotes every staged row; non-zero restricts to one sub-organisation,
// the per-org path large data-provider files take.
//
// Three passes inside the ambient transaction, in order:
//  1. carry file_id forward on live rows whose (org, hash) already matches —
//     the hashed no-op path;
//  2. close the live version of every identity the file asserts with changed
//     content;
//  3. insert the new versions, and upsert the legacy non-versioned table.
//
// Duplicate identities inside one file collapse to the last staged row, so a
// repeated row never trips the live-row unique indexes and fails the flush.
func (s *Postgres) Promote(ctx context.Context, fileID, orgID int64) (PromoteResult, error) {
	var result PromoteResult
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.Resolve(ctx, s.db)

		carried, err := q.ExecContext(ctx, `
			UPDATE member_versioned mv
			SET file_id = s.file_id
			FROM file_parse_result s
			WHERE s.file_id = $1
			  AND ($2 = 0 OR s.organization_id = $2)
			  AND s.hash_value IS NOT NULL
			  AND mv.organization_id = s.organization_id
			  AND mv.hash_value = s.hash_value
			  AND mv.effective_to IS NULL
		`, fileID, orgID)
		if err != nil {
			return fmt.Errorf("carry forward hashed rows: %w", err)
		}
		result.Hashed, _ = carried.RowsAffected()

		closed, err := q.ExecContext(ctx, `
			UPDATE member_versioned mv
			SET effective_to = now()
			FROM file_parse_result s
			WHERE s.file_id = $1
			  AND ($2 = 0 OR s.organization_id = $2)
			  AND mv.organization_id = s.organization_id
			  AND mv.unique_corp_id = s.unique_corp_id
			  AND mv.dependent_id = s.dependent_id
			  AND mv.effective_to IS NULL
			  AND mv.file_id <> s.file_id
		`, fileID, orgID)
		if err != nil {
			return fmt.Errorf("close superseded versions: %w", err)
		}
		result.Superseded, _ = closed.RowsAffected()

		inserted, err := q.ExecContext(ctx, `
			INSERT INTO member_versioned (
				organization_id, unique_corp_id, dependent_id, version,
				first_name, last_name, email, date_of_birth, work_state,
				record, custom_attributes, employer_assigned_id, gender_code,
				do_not_contact, effective_from, hash_value, hash_version,
				file_id, created_at
			)
			SELECT DISTINCT ON (s.organization_id, s.unique_corp_id, s.dependent_id)
				s.organization_id, s.unique_corp_id, s.dependent_id,
				COALESCE((
					SELECT MAX(prev.version) + 1 FROM member_versioned prev
					WHERE prev.organization_id = s.organization_id
					  AND prev.unique_corp_id = s.unique_corp_id
					  AND prev.dependent_id = s.dependent_id
				), 0),
				s.first_name, s.last_name, s.email, s.date_of_birth, s.work_state,
				s.record, s.custom_attributes, s.employer_assigned_id, s.gender_code,
				s.do_not_contact, now(), s.hash_value, s.hash_version,
				s.file_id, now()
			FROM file_parse_result s
			WHERE s.file_id = $1
			  AND ($2 = 0 OR s.organization_id = $2)
			  AND NOT EXISTS (
				SELECT 1 FROM member_versioned live
				WHERE live.organization_id = s.organization_id
				  AND live.unique_corp_id = s.unique_corp_id
				  AND live.dependent_id = s.dependent_id
				  AND live.effective_to IS NULL
			  )
			ORDER BY s.organization_id, s.unique_corp_id, s.dependent_id, s.id DESC
		`, fileID, orgID)
		if err != nil {
			return fmt.Errorf("insert new versions: %w", err)
		}
		result.Inserted, _ = inserted.RowsAffected()

		_, err = q.ExecContext(ctx, `
			INSERT INTO member (
				organization_id, unique_corp_id, dependent_id,
				first_name, last_name, email, date_of_birth, work_state,
				record, effective_from, effective_to, file_id, created_at
			)
			SELECT DISTINCT ON (s.organization_id, s.unique_corp_id, s.dependent_id)
				s.organization_id, s.unique_corp_id, s.dependent_id,
				s.first_name, s.last_name, s.email, s.date_of_birth, s.work_state,
				s.record, now(), NULL, s.file_id, now()
			FROM file_parse_result s
			WHERE s.file_id = $1
			  AND ($2 = 0 OR s.organization_id = $2)
			ORDER BY s.organization_id, s.unique_corp_id, s.dependent_id, s.id DESC
			ON CONFLICT (organization_id, unique_corp_id, dependent_id)
			DO UPDATE SET
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				email = EXCLUDED.email,
				date_of_birth = EXCLUDED.date_of_birth,
				work_state = EXCLUDED.work_state,
				record = EXCLUDED.record,
				effective_to = NULL,
				file_id = EXCLUDED.file_id
		`, fileID, orgID)
		if err != nil {
			return fmt.Errorf("upsert legacy members: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO member_address (
				member_id, address_1, address_2, city, state, zip_code, country
			)
			SELECT
				mv.id,
				COALESCE(mv.record->>'address_1', ''),
				mv.record->>'address_2',
				mv.record->>'city',
				mv.record->>'state',
				mv.record->>'zip_code',
				mv.record->>'country'
			FROM member_versioned mv
			WHERE mv.file_id = $1
			  AND ($2 = 0 OR mv.organization_id = $2)
			  AND mv.effective_to IS NULL
			  AND mv.record ? 'address_1'
			ON CONFLICT (member_id) DO UPDATE SET
				address_1 = EXCLUDED.address_1,
				address_2 = EXCLUDED.address_2,
				city = EXCLUDED.city,
				state = EXCLUDED.state,
				zip_code = EXCLUDED.zip_code,
				country = EXCLUDED.country
		`, fileID, orgID)
		if err != nil {
			return fmt.Errorf("upsert member addresses: %w", err)
		}
		return nil
	})
	return result, err
}

// ExpireMissing closes every live versioned row in the org that the given
// file did not assert, restricted to rows last asserted by one of the
// `window` most recent files that promoted rows for the org. Deriving the
// window from promoted rows rather than file ownership matters for
// data-provider files, whose file row carries the provider org while the rows
// promote to sub-organisations. The window keeps one malformed small file
// from wiping members asserted by older healthy feeds. Hash values clear on
// expiry so identical content can be re-ingested as a new live row.
func (s *Postgres) ExpireMissing(ctx context.Context, orgID, fileID int64, window int) (int64, error) {
	var expired int64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.Resolve(ctx, s.db)
		res, err := q.ExecContext(ctx, `
			UPDATE member_versioned mv
			SET effective_to = now(), hash_value = NULL, hash_version = NULL
			WHERE mv.organization_id = $1
			  AND mv.effective_to IS NULL
			  AND mv.file_id <> $2
			  AND mv.file_id IN (
				SELECT seen.file_id FROM member_versioned seen
				WHERE seen.organization_id = $1 AND seen.file_id <= $2
				GROUP BY seen.file_id
				ORDER BY seen.file_id DESC
				LIMIT $3
			  )
		`, orgID, fileID, window)
		if err != nil {
			return fmt.Errorf("expire versioned members: %w", err)
		}
		expired, _ = res.RowsAffected()

		_, err = q.ExecContext(ctx, `
			UPDATE member m
			SET effective_to = now()
			WHERE m.organization_id = $1
			  AND m.effective_to IS NULL
			  AND m.file_id <> $2
			  AND m.file_id IN (
				SELECT seen.file_id FROM member_versioned seen
				WHERE seen.organization_id = $1 AND seen.file_id <= $2
				GROUP BY seen.file_id
				ORDER BY seen.file_id DESC
				LIMIT $3
			  )
		`, orgID, fileID, window)
		if err != nil {
			return fmt.Errorf("expire legacy members: %w", err)
		}
		return nil
	})
	return expired, err
}

// Counts reports the hashed no-op versus newly inserted totals for a file.
// asOf is the file's processing start; versioned rows asserted by the file
// but created earlier are the hashed no-ops.
func (s *Postgres) Counts(ctx context.Context, fileID int64, asOf time.Time) (hashed, inserted int64, err error) {
	q := txcontext.Resolve(ctx, s.db)
	err = q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at < $2),
			COUNT(*) FILTER (WHERE created_at >= $2)
		FROM member_versioned
		WHERE file_id = $1 AND effective_to IS NULL
	`, fileID, asOf).Scan(&hashed, &inserted)
	if err != nil {
		return 0, 0, fmt.Errorf("count promoted rows: %w", err)
	}
	return hashed, inserted, nil
}

// OrgsForFile lists the distinct organisations a file staged rows for. A
// data-provider file fans out to several; everything else returns a singleton.
func (s *Postgres) OrgsForFile(ctx context.Context, fileID int64) ([]int64, error) {
	rows, err := txcontext.Resolve(ctx, s.db).QueryContext(ctx, `
		SELECT DISTINCT organization_id FROM file_parse_result WHERE file_id = $1 ORDER BY organization_id
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query file orgs: %w", err)
	}
	defer rows.Close()

	var orgs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan file org: %w", err)
		}
		orgs = append(orgs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file orgs: %w", err)
	}
	return orgs, nil
}

// OrgsWithExpired lists orgs holding versioned rows expired before the cutoff.
func (s *Postgres) OrgsWithExpired(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT DISTINCT organization_id FROM member_versioned
		WHERE effective_to IS NOT NULL AND effective_to < $1
		ORDER BY organization_id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("query orgs with expired members: %w", err)
	}
	defer rows.Close()

	var orgs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan org id: %w", err)
		}
		orgs = append(orgs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orgs with expired members: %w", err)
	}
	return orgs, nil
}

// PurgeExpired deletes one org's versioned rows whose effective range closed
// before the cutoff, and the matching legacy rows.
func (s *Postgres) PurgeExpired(ctx context.Context, orgID int64, before time.Time) (int64, error) {
	var purged int64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.Resolve(ctx, s.db)
		res, err := q.ExecContext(ctx, `
			DELETE FROM member_versioned
			WHERE organization_id = $1 AND effective_to IS NOT NULL AND effective_to < $2
		`, orgID, before)
		if err != nil {
			return fmt.Errorf("purge versioned members: %w", err)
		}
		purged, _ = res.RowsAffected()

		_, err = q.ExecContext(ctx, `
			DELETE FROM member
			WHERE organization_id = $1 AND effective_to IS NOT NULL AND effective_to < $2
		`, orgID, before)
		if err != nil {
			return fmt.Errorf("purge legacy members: %w", err)
		}
		return nil
	})
	return purged, err
}

const memberColumns = `
	id, version, organization_id, unique_corp_id, dependent_id,
	first_name, last_name, email, date_of_birth, work_state,
	effective_from, effective_to, record, custom_attributes,
	COALESCE(employer_assigned_id, ''), COALESCE(gender_code, ''),
	COALESCE(do_not_contact, ''), hash_value, hash_version, file_id, created_at
`

// FindByPrimary matches on exact date of birth plus case-folded email.
func (s *Postgres) FindByPrimary(ctx context.Context, dateOfBirth, email string) (*member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE date_of_birth = $1
		  AND LOWER(email) = LOWER($2)
		  AND effective_from <= now()
		  AND (effective_to IS NULL OR effective_to > now())
		ORDER BY id DESC
		LIMIT 1
	`
	return s.scanOne(s.read.QueryRowContext(ctx, query, dateOfBirth, email))
}

// FindBySecondary matches on date of birth, case-insensitive names, and state.
func (s *Postgres) FindBySecondary(ctx context.Context, dateOfBirth, firstName, lastName, workState string) (*member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE date_of_birth = $1
		  AND LOWER(first_name) = LOWER($2)
		  AND LOWER(last_name) = LOWER($3)
		  AND work_state = $4
		  AND effective_from <= now()
		  AND (effective_to IS NULL OR effective_to > now())
		ORDER BY id DESC
		LIMIT 1
	`
	return s.scanOne(s.read.QueryRowContext(ctx, query, dateOfBirth, firstName, lastName, workState))
}

// FindByTertiary matches on date of birth plus unique corp id.
func (s *Postgres) FindByTertiary(ctx context.Context, dateOfBirth, uniqueCorpID string) (*member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE date_of_birth = $1
		  AND unique_corp_id = $2
		  AND effective_from <= now()
		  AND (effective_to IS NULL OR effective_to > now())
		ORDER BY id DESC
		LIMIT 1
	`
	return s.scanOne(s.read.QueryRowContext(ctx, query, dateOfBirth, uniqueCorpID))
}

// FindByClientSpecific matches within one org on corp id and date of birth.
func (s *Postgres) FindByClientSpecific(ctx context.Context, orgID int64, uniqueCorpID, dateOfBirth string) (*member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE organization_id = $1
		  AND unique_corp_id = $2
		  AND date_of_birth = $3
		  AND effective_from <= now()
		  AND (effective_to IS NULL OR effective_to > now())
		ORDER BY id DESC
		LIMIT 1
	`
	return s.scanOne(s.read.QueryRowContext(ctx, query, orgID, uniqueCorpID, dateOfBirth))
}

// FindByOrgIdentity fetches the live row for an exact identity triple.
func (s *Postgres) FindByOrgIdentity(ctx context.Context, orgID int64, uniqueCorpID, dependentID string) (*member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE organization_id = $1
		  AND unique_corp_id = $2
		  AND dependent_id = $3
		  AND effective_to IS NULL
		LIMIT 1
	`
	return s.scanOne(s.read.QueryRowContext(ctx, query, orgID, uniqueCorpID, dependentID))
}

// FindByOvereligibility returns every live row matching dob plus names,
// across organisations.
func (s *Postgres) FindByOvereligibility(ctx context.Context, dateOfBirth, firstName, lastName string) ([]member.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM member_versioned
		WHERE date_of_birth = $1
		  AND LOWER(first_name) = LOWER($2)
		  AND LOWER(last_name) = LOWER($3)
		  AND effective_from <= now()
		  AND (effective_to IS NULL OR effective_to > now())
		ORDER BY organization_id, id DESC
	`
	rows, err := s.read.QueryContext(ctx, query, dateOfBirth, firstName, lastName)
	if err != nil {
		return nil, fmt.Errorf("query overeligible members: %w", err)
	}
	defer rows.Close()

	var members []member.Member
	seen := map[int64]bool{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		if seen[m.OrganizationID] {
			continue
		}
		seen[m.OrganizationID] = true
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overeligible members: %w", err)
	}
	return members, nil
}

// AddressByMemberID fetches the postal address asserted for a member version.
func (s *Postgres) AddressByMemberID(ctx context.Context, memberID int64) (*member.Address, error) {
	var a member.Address
	var line2, city, state, zip, country sql.NullString
	err := s.read.QueryRowContext(ctx, `
		SELECT member_id, address_1, address_2, city, state, zip_code, country
		FROM member_address
		WHERE member_id = $1
	`, memberID).Scan(&a.MemberID, &a.AddressLine1, &line2, &city, &state, &zip, &country)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %d address: %w", memberID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query member address: %w", err)
	}
	a.AddressLine2 = line2.String
	a.City = city.String
	a.State = state.String
	a.ZipCode = zip.String
	a.Country = country.String
	return &a, nil
}

// GetByID fetches one versioned row.
func (s *Postgres) GetByID(ctx context.Context, id int64) (*member.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM member_versioned WHERE id = $1`
	return s.scanOne(s.read.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) scanOne(row *sql.Row) (*member.Member, error) {
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member: %w", sentinel.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func scanMember(row rowScanner) (*member.Member, error) {
	var m member.Member
	var recordRaw, attrsRaw []byte
	err := row.Scan(
		&m.ID, &m.Version, &m.OrganizationID, &m.UniqueCorpID, &m.DependentID,
		&m.FirstName, &m.LastName, &m.Email, &m.DateOfBirth, &m.WorkState,
		&m.EffectiveFrom, &m.EffectiveTo, &recordRaw, &attrsRaw,
		&m.EmployerAssignedID, &m.GenderCode, &m.DoNotContact,
		&m.HashValue, &m.HashVersion, &m.FileID, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	if len(recordRaw) > 0 {
		if err := json.Unmarshal(recordRaw, &m.Record); err != nil {
			return nil, fmt.Errorf("decode member record: %w", err)
		}
	}
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &m.CustomAttributes); err != nil {
			return nil, fmt.Errorf("decode member attributes: %w", err)
		}
	}
	return &m, nil
}
