// Command server runs the census service: the HTTP API, the Kafka file-drop
// consumer, and the nightly purge of long-expired member versions. Business
// logic lives in the internal services; main only wires dependencies.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"census/internal/blob"
	"census/internal/crypto"
	"census/internal/ingest"
	ingeststore "census/internal/ingest/store"
	memberstore "census/internal/member/store"
	orgcache "census/internal/org/cache"
	orgstore "census/internal/org/store"
	"census/internal/platform/config"
	"census/internal/platform/flags"
	"census/internal/platform/httpserver"
	"census/internal/platform/logger"
	"census/internal/platform/postgres"
	platformredis "census/internal/platform/redis"
	"census/internal/population"
	popstore "census/internal/population/store"
	httptransport "census/internal/transport/http"
	"census/internal/verification"
	verifstore "census/internal/verification/store"
)

// purgeRetention is how long expired member versions are kept before the
// nightly purge removes them.
const purgeRetention = 90 * 24 * time.Hour

func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	checker, closeRedis, err := flagChecker(cfg, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	pools, err := postgres.Open(ctx, cfg.Database, checker)
	if err != nil {
		return err
	}
	defer pools.Close()

	copyPool, err := postgres.OpenCopy(ctx, cfg.Database, checker)
	if err != nil {
		return err
	}
	defer copyPool.Close()

	retrier := postgres.Retrier{
		Attempts: cfg.Database.RetryAttempts,
		Delay:    cfg.Database.RetryDelay,
	}

	orgs := orgstore.NewPostgres(pools.Read)
	cache := orgcache.New(orgs, cfg.Ingest.CacheTTL, cfg.Ingest.CacheMaxEntries)
	members := memberstore.NewPostgres(pools.Write, pools.Read)
	files := ingeststore.NewPostgres(pools.Write)
	staging := ingeststore.NewStaging(copyPool, retrier)

	verifStore := verifstore.NewPostgres(pools.Write, pools.Read)
	verifStore.PreverifyWorkMem = cfg.Verification.PreverifyWorkMem
	sessions := verification.NewSessionIssuer(cfg.Verification.SessionSecret, cfg.Verification.SessionTTL)
	verifications := verification.NewService(pools.Write, members, verifStore, orgs, checker, sessions, log)

	populations := population.NewService(popstore.NewPostgres(pools.Write, pools.Read), log)

	flusher := &ingest.Flusher{
		Files:            files,
		Staging:          staging,
		Members:          members,
		PreVerify:        verifStore,
		Retrier:          retrier,
		Logger:           log,
		PerOrgSplitRows:  int64(cfg.Ingest.PerOrgSplitRows),
		ExpiryFileWindow: cfg.Ingest.ExpiryFileWindow,
		PreverifyBatch:   cfg.Ingest.PreverifyBatch,
	}

	blobs, err := blobStore(cfg.Blob)
	if err != nil {
		return err
	}
	ingestSvc := ingest.NewService(files, staging, blobs, orgs, cache, flusher, log)
	ingestSvc.BatchSize = cfg.Ingest.BatchSize

	if len(cfg.Kafka.Brokers) > 0 {
		stream, err := ingest.NewStream(cfg.Kafka, log)
		if err != nil {
			return err
		}
		defer stream.Close()
		if err := stream.EnsureTopics(ctx); err != nil {
			return err
		}
		flusher.Events = stream
		go func() {
			err := stream.Run(ctx, func(ctx context.Context, event ingest.FileDropEvent) error {
				return ingestSvc.ProcessFile(ctx, event.Name, event.Bucket)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("file-drop consumer stopped", "error", err)
			}
		}()
	}

	purger := &ingest.Purger{
		Members: members,
		Retrier: retrier,
		Logger:  log,
		Width:   int64(cfg.Ingest.SemaphoreWidth),
	}
	go runPurgeLoop(ctx, purger, log)

	handler := httptransport.NewHandler(ingestSvc, files, verifications, populations, members, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	errs := make(chan error, 1)
	go func() {
		log.Info("census server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// flagChecker builds the redis-backed checker, or a nil-backend checker when
// no flag service is configured.
func flagChecker(cfg config.Config, log *slog.Logger) (*flags.Checker, func(), error) {
	client, err := platformredis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return flags.New(nil, log), func() {}, nil
	}
	return flags.New(client, log), func() { _ = client.Close() }, nil
}

func blobStore(cfg config.BlobConfig) (blob.Store, error) {
	var store blob.Store
	if cfg.RemoteURL != "" {
		store = blob.NewRemote(cfg.RemoteURL, nil)
	} else {
		store = blob.NewDisk(cfg.FixtureRoot)
	}
	if cfg.KEKName == "" {
		return store, nil
	}
	// key material persists beside the fixtures so encrypted blobs survive
	// restarts
	kms, err := crypto.ProvisionLocalKMS(filepath.Join(cfg.FixtureRoot, ".keys"), cfg.KEKName, cfg.SigKeyName)
	if err != nil {
		return nil, fmt.Errorf("provision blob keys: %w", err)
	}
	return blob.NewEncrypted(store, crypto.NewEnvelope(kms), cfg.KEKName, cfg.SigKeyName), nil
}

func runPurgeLoop(ctx context.Context, purger *ingest.Purger, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := purger.PurgeExpired(ctx, time.Now().Add(-purgeRetention))
			if err != nil {
				log.ErrorContext(ctx, "purge run failed", "error", err)
				continue
			}
			log.InfoContext(ctx, "purge run complete", "purged", purged)
		}
	}
}
