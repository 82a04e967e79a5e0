// Package store persists population configuration and assignments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"census/internal/population"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
)

// Postgres implements population.Store.
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

func (s *Postgres) ActiveForOrg(ctx context.Context, organizationID int64) (*population.Population, error) {
	var p population.Population
	var lookupMap []byte
	err := s.read.QueryRowContext(ctx, `
		SELECT id, organization_id, sub_pop_lookup_keys_csv, sub_pop_lookup_map_json,
			advanced, activated_at, deactivated_at, created_at
		FROM population
		WHERE organization_id = $1
		  AND activated_at <= now()
		  AND (deactivated_at IS NULL OR deactivated_at > now())
		ORDER BY id DESC
		LIMIT 1
	`, organizationID).Scan(
		&p.ID, &p.OrganizationID, &p.LookupKeysCSV, &lookupMap,
		&p.Advanced, &p.ActivatedAt, &p.DeactivatedAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active population for org %d: %w", organizationID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query active population: %w", err)
	}
	if len(lookupMap) > 0 {
		if err := json.Unmarshal(lookupMap, &p.LookupMap); err != nil {
			return nil, fmt.Errorf("decode population lookup map: %w", err)
		}
	}
	return &p, nil
}

func (s *Postgres) SubPopulations(ctx context.Context, populationID int64) ([]population.SubPopulation, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, population_id, feature_set_name, feature_set_details_json, created_at
		FROM sub_population
		WHERE population_id = $1
		ORDER BY id
	`, populationID)
	if err != nil {
		return nil, fmt.Errorf("query sub-populations: %w", err)
	}
	defer rows.Close()

	var subs []population.SubPopulation
	for rows.Next() {
		sp, err := scanSubPopulation(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sub-populations: %w", err)
	}
	return subs, nil
}

func (s *Postgres) GetSubPopulation(ctx context.Context, id int64) (*population.SubPopulation, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, population_id, feature_set_name, feature_set_details_json, created_at
		FROM sub_population
		WHERE id = $1
	`, id)
	sp, err := scanSubPopulation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sub-population %d: %w", id, sentinel.ErrNotFound)
		}
		return nil, err
	}
	return sp, nil
}

func (s *Postgres) AssignMember(ctx context.Context, memberID, subPopulationID int64) (*population.MemberSubPopulation, error) {
	var mv population.MemberSubPopulation
	err := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO member_sub_population (member_id, sub_population_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (member_id, sub_population_id) DO UPDATE SET member_id = EXCLUDED.member_id
		RETURNING id, member_id, sub_population_id, created_at
	`, memberID, subPopulationID).Scan(&mv.ID, &mv.MemberID, &mv.SubPopulationID, &mv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert member sub-population: %w", err)
	}
	return &mv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubPopulation(row rowScanner) (*population.SubPopulation, error) {
	var sp population.SubPopulation
	var details []byte
	err := row.Scan(&sp.ID, &sp.PopulationID, &sp.FeatureSetName, &details, &sp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sub-population: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &sp.FeatureSetDetails); err != nil {
			return nil, fmt.Errorf("decode feature set details: %w", err)
		}
	}
	return &sp, nil
}
