package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"census/internal/platform/config"
)

// InstanceSwitchPortOffset is added to the configured port when the
// RELEASE_ELIGIBILITY_DATABASE_INSTANCE_SWITCH flag selects the alternate
// database instance.
const InstanceSwitchPortOffset = 4

// Pools bundles the write and read connections. Read falls back to the write
// pool when no replica is configured.
type Pools struct {
	Write *sql.DB
	Read  *sql.DB
}

// InstanceSwitch reports whether the alternate database instance is selected.
// It is resolved once at pool construction, not per statement.
type InstanceSwitch interface {
	DatabaseInstanceSwitch(ctx context.Context) bool
}

// Open builds the write and read pools from configuration. When the instance
// switch flag is on, both DSNs are re-pointed at port+4 before connecting.
func Open(ctx context.Context, cfg config.DatabaseConfig, sw InstanceSwitch) (*Pools, error) {
	writeDSN, err := cfg.NamespacedDSN()
	if err != nil {
		return nil, err
	}
	readDSN, err := cfg.ReadDSN()
	if err != nil {
		return nil, err
	}

	if sw != nil && sw.DatabaseInstanceSwitch(ctx) {
		if writeDSN, err = shiftPort(writeDSN, InstanceSwitchPortOffset); err != nil {
			return nil, err
		}
		if readDSN, err = shiftPort(readDSN, InstanceSwitchPortOffset); err != nil {
			return nil, err
		}
	}

	write, err := open(ctx, writeDSN, cfg.WritePoolSize)
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}

	if readDSN == writeDSN {
		return &Pools{Write: write, Read: write}, nil
	}

	read, err := open(ctx, readDSN, cfg.ReadPoolSize)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	return &Pools{Write: write, Read: read}, nil
}

// OpenBulk allocates a bespoke pool for a large ingest job, capped by
// BulkPoolSize. Callers own the returned handle and must close it.
func OpenBulk(ctx context.Context, cfg config.DatabaseConfig, size int) (*sql.DB, error) {
	if size > cfg.BulkPoolSize {
		size = cfg.BulkPoolSize
	}
	dsn, err := cfg.NamespacedDSN()
	if err != nil {
		return nil, err
	}
	db, err := open(ctx, dsn, size)
	if err != nil {
		return nil, fmt.Errorf("open bulk pool: %w", err)
	}
	return db, nil
}

// Close releases both pools. Safe when read aliases write.
func (p *Pools) Close() {
	if p.Read != nil && p.Read != p.Write {
		p.Read.Close()
	}
	if p.Write != nil {
		p.Write.Close()
	}
}

func open(ctx context.Context, dsn string, poolSize int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func shiftPort(dsn string, offset int) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("parse DSN port: %w", err)
		}
	}
	u.Host = u.Hostname() + ":" + strconv.Itoa(port+offset)
	return u.String(), nil
}
