package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"census/internal/member"
	"census/internal/parser"
	"census/internal/platform/postgres"
)

// Staging implements ingest.Staging over the file_parse_result and
// file_parse_error relations via COPY. DryRun redirects every operation to
// the parallel tmp_ relations, identical in shape.
type Staging struct {
	pool    *pgxpool.Pool
	retrier postgres.Retrier
	// DryRun selects the tmp_ relation pair for validation runs.
	DryRun bool
}

// NewStaging builds the staging repository.
func NewStaging(pool *pgxpool.Pool, retrier postgres.Retrier) *Staging {
	return &Staging{pool: pool, retrier: retrier}
}

var validColumns = []string{
	"file_id", "organization_id", "unique_corp_id", "dependent_id",
	"first_name", "last_name", "email", "date_of_birth", "work_state",
	"record", "custom_attributes", "employer_assigned_id", "gender_code",
	"do_not_contact", "hash_value", "hash_version", "created_at",
}

var errorColumns = []string{
	"file_id", "organization_id", "record", "errors", "warnings", "created_at",
}

// PersistValid bulk-inserts one parsed batch. Each call is its own retried
// transaction; a failed attempt rolls back whole, so a retry never
// double-writes.
func (s *Staging) PersistValid(ctx context.Context, fileID int64, rows []member.Member) error {
	if len(rows) == 0 {
		return nil
	}

	now := time.Now()
	copyRows := make([][]any, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		record, err := m.Record.JSON()
		if err != nil {
			return fmt.Errorf("encode staging record: %w", err)
		}
		var attrs []byte
		if m.CustomAttributes != nil {
			if attrs, err = json.Marshal(m.CustomAttributes); err != nil {
				return fmt.Errorf("encode staging attributes: %w", err)
			}
		}
		copyRows = append(copyRows, []any{
			fileID, m.OrganizationID, m.UniqueCorpID, m.DependentID,
			m.FirstName, m.LastName, m.Email, m.DateOfBirth, m.WorkState,
			record, attrs, m.EmployerAssignedID, m.GenderCode,
			m.DoNotContact, m.HashValue, m.HashVersion, now,
		})
	}

	return s.retrier.Do(ctx, "stage valid rows", func(ctx context.Context) error {
		return s.copy(ctx, s.table("file_parse_result"), validColumns, copyRows)
	})
}

// PersistErrors bulk-inserts one batch of row-level parse errors.
func (s *Staging) PersistErrors(ctx context.Context, fileID int64, errs []parser.ParseError) error {
	if len(errs) == 0 {
		return nil
	}

	now := time.Now()
	copyRows := make([][]any, 0, len(errs))
	for _, e := range errs {
		record, err := e.Record.JSON()
		if err != nil {
			return fmt.Errorf("encode staging error record: %w", err)
		}
		copyRows = append(copyRows, []any{
			fileID, e.OrganizationID, record, e.Errors, e.Warnings, now,
		})
	}

	return s.retrier.Do(ctx, "stage error rows", func(ctx context.Context) error {
		return s.copy(ctx, s.table("file_parse_error"), errorColumns, copyRows)
	})
}

// DeleteValid clears the valid staging rows for a file.
func (s *Staging) DeleteValid(ctx context.Context, fileID int64) error {
	return s.delete(ctx, s.table("file_parse_result"), fileID)
}

// DeleteErrors clears the error staging rows for a file.
func (s *Staging) DeleteErrors(ctx context.Context, fileID int64) error {
	return s.delete(ctx, s.table("file_parse_error"), fileID)
}

// ValidCount reports the staged valid rows for a file.
func (s *Staging) ValidCount(ctx context.Context, fileID int64) (int64, error) {
	var count int64
	err := s.retrier.Do(ctx, "count staged rows", func(ctx context.Context) error {
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE file_id = $1`, s.table("file_parse_result"))
		return s.pool.QueryRow(ctx, query, fileID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count staged rows: %w", err)
	}
	return count, nil
}

func (s *Staging) copy(ctx context.Context, table string, columns []string, rows [][]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin staging copy: %w", err)
	}
	defer tx.Rollback(ctx)

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", table, err)
	}
	if copied != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", table, copied, len(rows))
	}
	return tx.Commit(ctx)
}

func (s *Staging) delete(ctx context.Context, table string, fileID int64) error {
	err := s.retrier.Do(ctx, "delete staged rows", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE file_id = $1`, table), fileID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func (s *Staging) table(name string) string {
	if s.DryRun {
		return "tmp_" + name
	}
	return name
}
