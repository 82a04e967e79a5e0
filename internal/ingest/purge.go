package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"census/internal/platform/postgres"
)

// DefaultPurgeWidth bounds concurrent per-org purges.
const DefaultPurgeWidth = 10

// MemberPurger is the slice of the member store the purge job drives.
type MemberPurger interface {
	OrgsWithExpired(ctx context.Context, before time.Time) ([]int64, error)
	PurgeExpired(ctx context.Context, orgID int64, before time.Time) (int64, error)
}

// Purger removes long-expired member versions across every org, fanned out
// behind a weighted semaphore so a wide tenant base cannot exhaust the pool.
type Purger struct {
	Members MemberPurger
	Retrier postgres.Retrier
	Logger  *slog.Logger
	// Width bounds concurrent per-org purges; zero takes DefaultPurgeWidth.
	Width int64
}

// PurgeExpired fans out over every org with rows expired before the cutoff.
// Per-org failures are logged and skipped; the first context failure stops
// the fan-out.
func (p *Purger) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	orgs, err := p.Members.OrgsWithExpired(ctx, before)
	if err != nil {
		return 0, err
	}

	width := p.Width
	if width <= 0 {
		width = DefaultPurgeWidth
	}
	sem := semaphore.NewWeighted(width)

	results := make([]int64, len(orgs))
	for i, orgID := range orgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return sum(results), err
		}
		go func() {
			defer sem.Release(1)
			err := p.Retrier.Do(ctx, "purge expired members", func(ctx context.Context) error {
				var err error
				results[i], err = p.Members.PurgeExpired(ctx, orgID, before)
				return err
			})
			if err != nil {
				p.Logger.ErrorContext(ctx, "org purge failed",
					"organization_id", orgID,
					"error", err,
				)
				return
			}
			p.Logger.InfoContext(ctx, "org purge complete",
				"organization_id", orgID,
				"purged", results[i],
			)
		}()
	}

	// drain: acquiring the full width waits for every in-flight purge
	if err := sem.Acquire(ctx, width); err != nil {
		return sum(results), err
	}
	return sum(results), nil
}

func sum(values []int64) int64 {
	var total int64
	for _, v := range values {
		total += v
	}
	return total
}
