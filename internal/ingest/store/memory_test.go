package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"census/internal/ingest"
	"census/pkg/platform/sentinel"
)

func TestFileLifecycleIsMonotonic(t *testing.T) {
	ctx := context.Background()
	files := NewMemory()

	f, err := files.Create(ctx, 100, "acme/2024-01.csv")
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusPending, f.Status())
	assert.Equal(t, "acme", f.Directory())

	require.NoError(t, files.Start(ctx, f.ID))
	f, err = files.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusInProgress, f.Status())

	// starting twice is a no-op
	started := *f.StartedAt
	require.NoError(t, files.Start(ctx, f.ID))
	f, err = files.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, started, *f.StartedAt)

	require.NoError(t, files.Complete(ctx, f.ID))
	f, err = files.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusCompleted, f.Status())

	// a completed file cannot become errored
	err = files.MarkErrored(ctx, f.ID, "ERROR_DURING_PROCESSING")
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestErroredFileCannotComplete(t *testing.T) {
	ctx := context.Background()
	files := NewMemory()

	f, err := files.Create(ctx, 100, "acme/2024-01.csv")
	require.NoError(t, err)
	require.NoError(t, files.Start(ctx, f.ID))
	require.NoError(t, files.MarkErrored(ctx, f.ID, "BAD_FILE_ENCODING"))

	assert.ErrorIs(t, files.Complete(ctx, f.ID), sentinel.ErrInvalidState)
	assert.ErrorIs(t, files.Start(ctx, f.ID), sentinel.ErrInvalidState)

	f, err = files.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusErrored, f.Status())
}

func TestCompleteRequiresStart(t *testing.T) {
	ctx := context.Background()
	files := NewMemory()

	f, err := files.Create(ctx, 100, "acme/2024-01.csv")
	require.NoError(t, err)
	assert.ErrorIs(t, files.Complete(ctx, f.ID), sentinel.ErrInvalidState)
}
