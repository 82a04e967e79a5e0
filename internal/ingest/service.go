package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"census/internal/blob"
	"census/internal/ingest/metrics"
	"census/internal/org"
	orgcache "census/internal/org/cache"
	"census/internal/parser"
	"census/pkg/platform/sentinel"
	"census/pkg/wire"
)

// Service orchestrates one census file end to end: fetch the blob, bind the
// organisation from the file's directory, parse and stage batch by batch,
// then hand over to the flush pipeline.
type Service struct {
	files   FileStore
	staging Staging
	blobs   blob.Store
	orgs    org.Store
	cache   *orgcache.Config
	flusher *Flusher
	logger  *slog.Logger

	// BatchSize overrides the parser's default batch size when positive.
	BatchSize int
	// CustomAttributeColumns configures the optional sub-mapping applied to
	// every org's files; per-org overrides come from tenant onboarding.
	CustomAttributeColumns map[string]string
}

// NewService wires the orchestrator.
func NewService(
	files FileStore,
	staging Staging,
	blobs blob.Store,
	orgs org.Store,
	cache *orgcache.Config,
	flusher *Flusher,
	logger *slog.Logger,
) *Service {
	return &Service{
		files:   files,
		staging: staging,
		blobs:   blobs,
		orgs:    orgs,
		cache:   cache,
		flusher: flusher,
		logger:  logger,
	}
}

// ProcessFile ingests one named object from the bucket. The returned error is
// the pipeline failure, if any; the file row always records the terminal
// state, except on caller cancellation where it stays in-progress so a rerun
// can pick it up.
func (s *Service) ProcessFile(ctx context.Context, name, bucket string) error {
	ctx, span := tracer.Start(ctx, "ingest.ProcessFile",
		trace.WithAttributes(attribute.String("file.name", name)))
	defer span.End()

	file, err := s.files.Create(ctx, 0, name)
	if err != nil {
		return err
	}
	logger := s.logger.With("file_id", file.ID, "file_name", name)
	logger.InfoContext(ctx, "file ingest started")

	if err := s.files.Start(ctx, file.ID); err != nil {
		return err
	}

	if err := s.process(ctx, file, bucket, logger); err != nil {
		span.RecordError(err)
		kind := fileErrorKind(err)
		if kind == "" {
			// cancelled; the file stays in-progress for a rerun
			return err
		}
		if markErr := s.files.MarkErrored(ctx, file.ID, string(kind)); markErr != nil {
			logger.ErrorContext(ctx, "marking file errored failed", "error", markErr)
		}
		metrics.FilesProcessed.WithLabelValues("errored").Inc()
		logger.ErrorContext(ctx, "file ingest failed", "kind", kind, "error", err)
		return err
	}

	metrics.FilesProcessed.WithLabelValues("completed").Inc()
	logger.InfoContext(ctx, "file ingest completed")
	return nil
}

func (s *Service) process(ctx context.Context, file *File, bucket string, logger *slog.Logger) error {
	organization, err := s.bindOrganization(ctx, file)
	if err != nil {
		return err
	}
	logger = logger.With("organization_id", organization.ID)

	raw, _, err := s.blobs.Get(ctx, file.Name, bucket)
	if err != nil {
		return fmt.Errorf("fetch census blob: %w", err)
	}

	opts, err := s.parseOptions(ctx, file, organization)
	if err != nil {
		return err
	}

	var counts Counts
	var stageErr error
	encoding, err := parser.Parse(raw, opts, func(batch parser.Batch) bool {
		counts.Raw += int64(len(batch.Valid) + len(batch.Errors))
		counts.Success += int64(len(batch.Valid))
		counts.Failure += int64(len(batch.Errors))
		if stageErr = s.staging.PersistValid(ctx, file.ID, batch.Valid); stageErr != nil {
			return false
		}
		if stageErr = s.staging.PersistErrors(ctx, file.ID, batch.Errors); stageErr != nil {
			return false
		}
		metrics.RowsStaged.WithLabelValues("valid").Add(float64(len(batch.Valid)))
		metrics.RowsStaged.WithLabelValues("error").Add(float64(len(batch.Errors)))
		return true
	})
	if err != nil {
		return fmt.Errorf("parse census file: %w", err)
	}
	if stageErr != nil {
		return fmt.Errorf("stage parsed rows: %w", stageErr)
	}

	if err := s.files.SetEncoding(ctx, file.ID, encoding); err != nil {
		return err
	}
	if err := s.files.SetCounts(ctx, file.ID, counts); err != nil {
		return err
	}
	logger.InfoContext(ctx, "file staged",
		"encoding", encoding,
		"raw_count", counts.Raw,
		"success_count", counts.Success,
		"failure_count", counts.Failure,
	)

	return s.flusher.Flush(ctx, file.ID)
}

// bindOrganization resolves the org from the file's directory segment and
// records it on the file row.
func (s *Service) bindOrganization(ctx context.Context, file *File) (*org.Organization, error) {
	dir := file.Directory()
	if dir == "" {
		return nil, fmt.Errorf("file %q has no directory segment: %w", file.Name, sentinel.ErrUnmappedOrg)
	}
	organization, err := s.orgs.GetByDirectoryName(ctx, dir)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("no organization for directory %q: %w", dir, sentinel.ErrUnmappedOrg)
		}
		return nil, err
	}
	if !organization.ActiveAt(time.Now()) {
		return nil, fmt.Errorf("organization %d inactive for directory %q: %w",
			organization.ID, dir, sentinel.ErrUnmappedOrg)
	}
	if err := s.files.SetOrganization(ctx, file.ID, organization.ID); err != nil {
		return nil, err
	}
	file.OrganizationID = organization.ID
	return organization, nil
}

func (s *Service) parseOptions(ctx context.Context, file *File, organization *org.Organization) (parser.Options, error) {
	mapping, err := s.cache.HeaderMapping(ctx, organization.ID)
	if err != nil {
		return parser.Options{}, fmt.Errorf("load header mapping: %w", err)
	}

	opts := parser.Options{
		FileID:                 file.ID,
		OrganizationID:         organization.ID,
		Mapping:                mapping,
		CustomAttributeColumns: s.CustomAttributeColumns,
		Hashing:                true,
		BatchSize:              s.BatchSize,
	}

	if organization.DataProvider {
		ids, err := s.cache.ExternalIDsForDataProvider(ctx, organization.ID)
		if err != nil {
			return parser.Options{}, fmt.Errorf("load external ids: %w", err)
		}
		opts.DataProvider = true
		opts.ExternalIDs = ids
	}
	return opts, nil
}

// fileErrorKind maps a pipeline failure onto the file-level error vocabulary.
// Cancellation returns the empty kind: the file must stay in-progress.
func fileErrorKind(err error) wire.Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ""
	case errors.Is(err, sentinel.ErrNotFound):
		return wire.KindFileMissing
	case errors.Is(err, sentinel.ErrBadEncoding):
		return wire.KindBadFileEncoding
	case errors.Is(err, sentinel.ErrUnmappedOrg):
		return wire.KindUnmappedOrganization
	default:
		return wire.KindErrorDuringProcessing
	}
}
