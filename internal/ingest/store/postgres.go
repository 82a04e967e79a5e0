// Package store persists file rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"census/internal/ingest"
	"census/pkg/platform/sentinel"
	txcontext "census/pkg/platform/tx"
)

// Postgres implements ingest.FileStore over the file relation.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const fileColumns = `
	id, organization_id, name, COALESCE(encoding, ''), started_at, completed_at,
	raw_count, success_count, failure_count, COALESCE(error, ''), created_at
`

func (s *Postgres) Create(ctx context.Context, organizationID int64, name string) (*ingest.File, error) {
	row := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO file (organization_id, name, created_at)
		VALUES ($1, $2, now())
		RETURNING `+fileColumns, organizationID, name)
	return scanFile(row)
}

func (s *Postgres) Get(ctx context.Context, id int64) (*ingest.File, error) {
	row := txcontext.Resolve(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file WHERE id = $1`, id)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file %d: %w", id, sentinel.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

func (s *Postgres) Start(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "start file", `
		UPDATE file SET started_at = COALESCE(started_at, now())
		WHERE id = $1 AND completed_at IS NULL AND error IS NULL
	`)
}

func (s *Postgres) SetOrganization(ctx context.Context, id, organizationID int64) error {
	_, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx,
		`UPDATE file SET organization_id = $2 WHERE id = $1`, id, organizationID)
	if err != nil {
		return fmt.Errorf("set file organization: %w", err)
	}
	return nil
}

func (s *Postgres) SetEncoding(ctx context.Context, id int64, encoding string) error {
	_, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx,
		`UPDATE file SET encoding = $2 WHERE id = $1`, id, encoding)
	if err != nil {
		return fmt.Errorf("set file encoding: %w", err)
	}
	return nil
}

func (s *Postgres) SetCounts(ctx context.Context, id int64, counts ingest.Counts) error {
	_, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx, `
		UPDATE file SET raw_count = $2, success_count = $3, failure_count = $4
		WHERE id = $1
	`, id, counts.Raw, counts.Success, counts.Failure)
	if err != nil {
		return fmt.Errorf("set file counts: %w", err)
	}
	return nil
}

func (s *Postgres) Complete(ctx context.Context, id int64) error {
	return s.exec(ctx, id, "complete file", `
		UPDATE file SET completed_at = now()
		WHERE id = $1 AND started_at IS NOT NULL AND error IS NULL
	`)
}

func (s *Postgres) MarkErrored(ctx context.Context, id int64, kind string) error {
	return s.exec(ctx, id, "mark file errored", `
		UPDATE file SET error = $2
		WHERE id = $1 AND completed_at IS NULL
	`, kind)
}

func (s *Postgres) exec(ctx context.Context, id int64, op, query string, args ...any) error {
	res, err := txcontext.Resolve(ctx, s.db).ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		exists, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%s %d in state %s: %w", op, id, exists.Status(), sentinel.ErrInvalidState)
	}
	return nil
}

func scanFile(row *sql.Row) (*ingest.File, error) {
	var f ingest.File
	err := row.Scan(
		&f.ID, &f.OrganizationID, &f.Name, &f.Encoding, &f.StartedAt, &f.CompletedAt,
		&f.RawCount, &f.SuccessCount, &f.FailureCount, &f.Error, &f.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return &f, nil
}
