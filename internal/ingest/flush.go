package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"census/internal/ingest/metrics"
	memberstore "census/internal/member/store"
	"census/internal/platform/postgres"
	pstrings "census/pkg/platform/strings"
)

// Flush pipeline defaults, overridable per Flusher.
const (
	DefaultPerOrgSplitRows  = 1_000_000
	DefaultExpiryFileWindow = 3
	DefaultPreverifyBatch   = 1000
	DefaultSplitParallelism = 4
)

var tracer = otel.Tracer("census/ingest")

// EventPublisher emits member change events once a flush completes. The
// stream is advisory: publish failures are logged, never unwound into the
// pipeline.
type EventPublisher interface {
	PublishMemberChange(ctx context.Context, event MemberChangeEvent) error
}

// Flusher promotes a file's staged rows into the member tables. Steps run in
// a mandatory order: staging errors are dropped, valid rows promote,
// pre-verification fires, missing members expire, then counts stamp and the
// file completes. Each step is retried for transient database errors; a
// failed step leaves the file in-progress so the flush can be re-run.
type Flusher struct {
	Files     FileStore
	Staging   Staging
	Members   MemberRepo
	PreVerify PreVerifier
	Retrier   postgres.Retrier
	Logger    *slog.Logger
	// Events, when set, receives one member change event per completed flush.
	Events EventPublisher

	// PerOrgSplitRows is the success-count threshold above which promotion
	// splits into per-org transactions.
	PerOrgSplitRows int64
	// ExpiryFileWindow bounds how many recent files participate in the
	// missing-member computation.
	ExpiryFileWindow int
	// PreverifyBatch sizes each pre-verification insert.
	PreverifyBatch int
	// SplitParallelism bounds concurrent per-org promotions.
	SplitParallelism int
}

// Flush runs the full pipeline for one file.
func (f *Flusher) Flush(ctx context.Context, fileID int64) error {
	ctx, span := tracer.Start(ctx, "ingest.Flush",
		trace.WithAttributes(attribute.Int64("file.id", fileID)))
	defer span.End()

	file, err := f.Files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	asOf := file.CreatedAt
	if file.StartedAt != nil {
		asOf = *file.StartedAt
	}

	if err := f.step(ctx, "delete_staging_errors", func(ctx context.Context) error {
		return f.Staging.DeleteErrors(ctx, fileID)
	}); err != nil {
		return err
	}

	if err := f.step(ctx, "promote", func(ctx context.Context) error {
		return f.promote(ctx, file)
	}); err != nil {
		return err
	}

	orgs, err := f.Members.OrgsForFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("flush file %d: %w", fileID, err)
	}
	// the file's own org always participates, even when every row routed to
	// a sub-organization
	orgs = pstrings.DedupeInt64(append(orgs, file.OrganizationID))

	if f.PreVerify != nil {
		if err := f.step(ctx, "preverify", func(ctx context.Context) error {
			return f.preverify(ctx, fileID, orgs)
		}); err != nil {
			return err
		}
	}

	var expiredTotal int64
	if err := f.step(ctx, "expire_missing", func(ctx context.Context) error {
		var err error
		expiredTotal, err = f.expire(ctx, fileID, orgs)
		return err
	}); err != nil {
		return err
	}

	return f.step(ctx, "complete", func(ctx context.Context) error {
		return f.complete(ctx, file, asOf, expiredTotal)
	})
}

func (f *Flusher) promote(ctx context.Context, file *File) error {
	split := f.PerOrgSplitRows
	if split <= 0 {
		split = DefaultPerOrgSplitRows
	}

	if file.SuccessCount > split {
		orgs, err := f.Members.OrgsForFile(ctx, file.ID)
		if err != nil {
			return err
		}
		parallelism := f.SplitParallelism
		if parallelism <= 0 {
			parallelism = DefaultSplitParallelism
		}
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(parallelism)
		for _, orgID := range orgs {
			group.Go(func() error {
				return f.promoteOne(groupCtx, file.ID, orgID)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		// final pass catches rows no per-org transaction claimed
	}
	return f.promoteOne(ctx, file.ID, 0)
}

func (f *Flusher) promoteOne(ctx context.Context, fileID, orgID int64) error {
	var result memberstore.PromoteResult
	err := f.Retrier.Do(ctx, "promote staged rows", func(ctx context.Context) error {
		var err error
		result, err = f.Members.Promote(ctx, fileID, orgID)
		return err
	})
	if err != nil {
		return err
	}
	metrics.MembersPromoted.WithLabelValues("hashed").Add(float64(result.Hashed))
	metrics.MembersPromoted.WithLabelValues("superseded").Add(float64(result.Superseded))
	metrics.MembersPromoted.WithLabelValues("inserted").Add(float64(result.Inserted))
	f.Logger.InfoContext(ctx, "promoted staged rows",
		"file_id", fileID,
		"organization_id", orgID,
		"hashed", result.Hashed,
		"superseded", result.Superseded,
		"inserted", result.Inserted,
	)
	return nil
}

func (f *Flusher) preverify(ctx context.Context, fileID int64, orgs []int64) error {
	batch := f.PreverifyBatch
	if batch <= 0 {
		batch = DefaultPreverifyBatch
	}
	for _, orgID := range orgs {
		var created int64
		err := f.Retrier.Do(ctx, "preverify promoted rows", func(ctx context.Context) error {
			var err error
			created, err = f.PreVerify.PreVerify(ctx, orgID, fileID, batch)
			return err
		})
		if err != nil {
			return err
		}
		metrics.PreVerifications.Add(float64(created))
		if created > 0 {
			f.Logger.InfoContext(ctx, "pre-verified promoted rows",
				"file_id", fileID,
				"organization_id", orgID,
				"created", created,
			)
		}
	}
	return nil
}

func (f *Flusher) expire(ctx context.Context, fileID int64, orgs []int64) (int64, error) {
	window := f.ExpiryFileWindow
	if window <= 0 {
		window = DefaultExpiryFileWindow
	}
	var total int64
	for _, orgID := range orgs {
		var expired int64
		err := f.Retrier.Do(ctx, "expire missing members", func(ctx context.Context) error {
			var err error
			expired, err = f.Members.ExpireMissing(ctx, orgID, fileID, window)
			return err
		})
		if err != nil {
			return total, err
		}
		total += expired
		metrics.MembersExpired.Add(float64(expired))
		f.Logger.InfoContext(ctx, "expired missing members",
			"file_id", fileID,
			"organization_id", orgID,
			"expired", expired,
		)
	}
	return total, nil
}

func (f *Flusher) complete(ctx context.Context, file *File, asOf time.Time, expired int64) error {
	hashed, inserted, err := f.Members.Counts(ctx, file.ID, asOf)
	if err != nil {
		return err
	}
	// staging must be empty once completed_at is stamped
	if err := f.Staging.DeleteValid(ctx, file.ID); err != nil {
		return err
	}
	if err := f.Files.Complete(ctx, file.ID); err != nil {
		return err
	}
	f.Logger.InfoContext(ctx, "file flush complete",
		"file_id", file.ID,
		"hashed_count", hashed,
		"new_count", inserted,
	)

	if f.Events != nil {
		event := MemberChangeEvent{
			FileID:         file.ID,
			OrganizationID: file.OrganizationID,
			HashedCount:    hashed,
			NewCount:       inserted,
			ExpiredCount:   expired,
			CompletedAt:    time.Now(),
		}
		if err := f.Events.PublishMemberChange(ctx, event); err != nil {
			f.Logger.ErrorContext(ctx, "member change publish failed",
				"file_id", file.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (f *Flusher) step(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ingest.flush."+name)
	defer span.End()

	started := time.Now()
	err := op(ctx)
	metrics.FlushStepDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("flush step %s: %w", name, err)
	}
	return nil
}
