package flags

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flag keys. Per-org flags are suffixed with the organization id.
const (
	KeyDatabaseInstanceSwitch = "RELEASE_ELIGIBILITY_DATABASE_INSTANCE_SWITCH"
	keyV2ReadPrefix           = "eligibility-v2-read-"
	keyV2WritePrefix          = "eligibility-v2-write-"
)

// checkTTL bounds how long a flag read is reused before going back to the
// backend. Flags flip rarely; a minute of staleness is acceptable everywhere
// they gate behaviour.
const checkTTL = time.Minute

// Checker reads feature flags from the redis-backed flag service. A nil
// backend means every flag reads false, which keeps local development and
// unit tests on the v1-only, default-instance path.
type Checker struct {
	backend redis.UniversalClient
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedFlag
}

type cachedFlag struct {
	value  bool
	readAt time.Time
}

// New builds a Checker. backend may be nil.
func New(backend redis.UniversalClient, logger *slog.Logger) *Checker {
	return &Checker{
		backend: backend,
		logger:  logger,
		cache:   make(map[string]cachedFlag),
	}
}

// DatabaseInstanceSwitch reports whether the alternate DB instance is selected.
func (c *Checker) DatabaseInstanceSwitch(ctx context.Context) bool {
	return c.enabled(ctx, KeyDatabaseInstanceSwitch)
}

// V2ReadEnabled reports whether verification reads for org expose v2 records.
func (c *Checker) V2ReadEnabled(ctx context.Context, orgID int64) bool {
	return c.enabled(ctx, fmt.Sprintf("%s%d", keyV2ReadPrefix, orgID))
}

// V2WriteEnabled reports whether verification writes for org must dual-write.
func (c *Checker) V2WriteEnabled(ctx context.Context, orgID int64) bool {
	return c.enabled(ctx, fmt.Sprintf("%s%d", keyV2WritePrefix, orgID))
}

func (c *Checker) enabled(ctx context.Context, key string) bool {
	if c == nil || c.backend == nil {
		return false
	}

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok && time.Since(cached.readAt) < checkTTL {
		c.mu.Unlock()
		return cached.value
	}
	c.mu.Unlock()

	val, err := c.backend.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WarnContext(ctx, "flag backend read failed", "flag", key, "error", err)
		}
		val = ""
	}
	on := val == "true" || val == "1"

	c.mu.Lock()
	c.cache[key] = cachedFlag{value: on, readAt: time.Now()}
	c.mu.Unlock()
	return on
}

// Reset drops the in-process flag cache. Tests call it after mutating flags.
func (c *Checker) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache = make(map[string]cachedFlag)
	c.mu.Unlock()
}
