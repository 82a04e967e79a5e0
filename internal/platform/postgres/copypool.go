package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"census/internal/platform/config"
)

// OpenCopy builds a pgx pool for COPY-based staging writes. The lib/pq pools
// stay the general-purpose path; COPY needs the pgx wire protocol.
func OpenCopy(ctx context.Context, cfg config.DatabaseConfig, sw InstanceSwitch) (*pgxpool.Pool, error) {
	dsn, err := cfg.NamespacedDSN()
	if err != nil {
		return nil, err
	}
	if sw != nil && sw.DatabaseInstanceSwitch(ctx) {
		if dsn, err = shiftPort(dsn, InstanceSwitchPortOffset); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse copy pool DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.WritePoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open copy pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping copy pool: %w", err)
	}
	return pool, nil
}
