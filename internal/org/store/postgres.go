package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"census/internal/org"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
)

// Postgres persists organisation configuration. Reads go through the resolver
// so callers can scope them to an ambient transaction.
type Postgres struct {
	db *sql.DB
}

// NewPostgres builds the store over the write pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const orgColumns = `
	id, directory_name, email_domains, data_provider,
	activated_at, terminated_at, employee_only, medical_plan_only,
	eligibility_type, COALESCE(implementation, '')
`

func (s *Postgres) GetByID(ctx context.Context, orgID int64) (*org.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organization_config WHERE id = $1`
	return s.scanOrg(txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, query, orgID))
}

func (s *Postgres) GetByDirectoryName(ctx context.Context, slug string) (*org.Organization, error) {
	query := `
		SELECT ` + orgColumns + `
		FROM organization_config
		WHERE directory_name = $1
		  AND activated_at IS NOT NULL
		  AND (terminated_at IS NULL OR terminated_at > now())
	`
	return s.scanOrg(txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, query, slug))
}

func (s *Postgres) scanOrg(row *sql.Row) (*org.Organization, error) {
	var o org.Organization
	var domains pq.StringArray
	err := row.Scan(
		&o.ID,
		&o.DirectoryName,
		&domains,
		&o.DataProvider,
		&o.ActivatedAt,
		&o.TerminatedAt,
		&o.EmployeeOnly,
		&o.MedicalPlanOnly,
		&o.EligibilityType,
		&o.Implementation,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	o.EmailDomains = org.NormalizeEmailDomains(domains)
	return &o, nil
}

func (s *Postgres) HeaderAliases(ctx context.Context, orgID int64) ([]org.HeaderAlias, error) {
	query := `
		SELECT organization_id, canonical_header, alias
		FROM header_alias
		WHERE organization_id = $1
		ORDER BY canonical_header
	`
	rows, err := txcontext.Resolve(ctx, s.db).QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query header aliases: %w", err)
	}
	defer rows.Close()

	var aliases []org.HeaderAlias
	for rows.Next() {
		var a org.HeaderAlias
		if err := rows.Scan(&a.OrganizationID, &a.CanonicalHeader, &a.Alias); err != nil {
			return nil, fmt.Errorf("scan header alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate header aliases: %w", err)
	}
	return aliases, nil
}

func (s *Postgres) ExternalIDsForDataProvider(ctx context.Context, orgID int64) ([]org.ExternalID, error) {
	query := `
		SELECT source, external_id, organization_id, data_provider_organization_id
		FROM organization_external_id
		WHERE data_provider_organization_id = $1
	`
	rows, err := txcontext.Resolve(ctx, s.db).QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("query external ids: %w", err)
	}
	defer rows.Close()

	var ids []org.ExternalID
	for rows.Next() {
		var id org.ExternalID
		if err := rows.Scan(&id.Source, &id.ExternalID, &id.OrganizationID, &id.DataProviderOrganizationID); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external ids: %w", err)
	}
	return ids, nil
}

func (s *Postgres) ExternalOrgInfo(ctx context.Context, source, clientID, customerID string, organizationID int64) (*org.ExternalID, error) {
	query := `
		SELECT source, external_id, organization_id, data_provider_organization_id
		FROM organization_external_id
		WHERE source = $1
		  AND external_id = $2
		  AND ($3 = 0 OR organization_id = $3)
		LIMIT 1
	`
	external := org.CompositeExternalID(clientID, customerID)

	var id org.ExternalID
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, query, source, external, organizationID).
		Scan(&id.Source, &id.ExternalID, &id.OrganizationID, &id.DataProviderOrganizationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("external id %q: %w", external, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query external org info: %w", err)
	}
	return &id, nil
}

// ReplaceExternalIDs rebuilds the mapping set for a source in one transaction.
// The upstream sync always sends the complete set, so delete-then-insert keeps
// the table an exact mirror.
func (s *Postgres) ReplaceExternalIDs(ctx context.Context, source string, ids []org.ExternalID) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		q := txcontext.Resolve(ctx, s.db)
		if _, err := q.ExecContext(ctx, `DELETE FROM organization_external_id WHERE source = $1`, source); err != nil {
			return fmt.Errorf("delete external ids: %w", err)
		}
		for _, id := range ids {
			_, err := q.ExecContext(ctx, `
				INSERT INTO organization_external_id
					(source, external_id, organization_id, data_provider_organization_id)
				VALUES ($1, $2, $3, $4)
			`, source, id.ExternalID, id.OrganizationID, id.DataProviderOrganizationID)
			if err != nil {
				return fmt.Errorf("insert external id %q: %w", id.ExternalID, err)
			}
		}
		return nil
	})
}
