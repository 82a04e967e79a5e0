package ingest

import (
	"context"
	"time"

	"census/internal/member"
	memberstore "census/internal/member/store"
	"census/internal/parser"
)

// FileStore persists file rows and enforces the monotonic lifecycle.
type FileStore interface {
	Create(ctx context.Context, organizationID int64, name string) (*File, error)
	Get(ctx context.Context, id int64) (*File, error)
	// Start stamps started_at; a second call is a no-op.
	Start(ctx context.Context, id int64) error
	SetOrganization(ctx context.Context, id, organizationID int64) error
	SetEncoding(ctx context.Context, id int64, encoding string) error
	SetCounts(ctx context.Context, id int64, counts Counts) error
	// Complete stamps completed_at. Completing an errored file fails with
	// sentinel.ErrInvalidState.
	Complete(ctx context.Context, id int64) error
	// MarkErrored stamps the error kind. Erroring a completed file fails
	// with sentinel.ErrInvalidState.
	MarkErrored(ctx context.Context, id int64, kind string) error
}

// Staging owns the per-file staging relations. Every call is idempotent and
// its own retried transaction.
type Staging interface {
	PersistValid(ctx context.Context, fileID int64, rows []member.Member) error
	PersistErrors(ctx context.Context, fileID int64, errs []parser.ParseError) error
	DeleteValid(ctx context.Context, fileID int64) error
	DeleteErrors(ctx context.Context, fileID int64) error
	ValidCount(ctx context.Context, fileID int64) (int64, error)
}

// MemberRepo is the slice of the member store the flush pipeline drives.
type MemberRepo interface {
	Promote(ctx context.Context, fileID, organizationID int64) (memberstore.PromoteResult, error)
	ExpireMissing(ctx context.Context, organizationID, fileID int64, window int) (int64, error)
	Counts(ctx context.Context, fileID int64, asOf time.Time) (hashed, inserted int64, err error)
	OrgsForFile(ctx context.Context, fileID int64) ([]int64, error)
}

// PreVerifier creates member-verification joins for freshly promoted rows
// whose identity matches an existing verification.
type PreVerifier interface {
	PreVerify(ctx context.Context, organizationID, fileID int64, batchSize int) (int64, error)
}
