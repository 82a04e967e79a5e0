package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"census/pkg/platform/sentinel"
)

// Transient postgres error codes. Anything else surfaces immediately.
const (
	codeDeadlockDetected   = "40P01"
	codeTooManyConnections = "53300"
	classConnection        = "08"
)

// IsTransient reports whether err is worth retrying: deadlocks, connection
// exhaustion, and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == codeDeadlockDetected || pqErr.Code == codeTooManyConnections {
			return true
		}
		if pqErr.Code.Class() == classConnection {
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeDeadlockDetected || pgErr.Code == codeTooManyConnections {
			return true
		}
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == classConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Retrier wraps database operations with an at-most-N retry loop on the
// transient set. Delay is linear, not exponential; contention on staging
// relations resolves quickly or not at all.
type Retrier struct {
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// Do runs op, retrying transient failures up to Attempts times. Non-transient
// errors and context cancellation surface immediately.
func (r Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 10
	}
	delay := r.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if r.Logger != nil {
			r.Logger.WarnContext(ctx, "transient database error, retrying",
				"operation", name,
				"attempt", attempt,
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", name, errors.Join(sentinel.ErrUnavailable, err))
}
