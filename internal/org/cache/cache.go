// Package cache provides the process-wide configuration cache consulted by
// the parser, flush pipeline, and verification service. Entries expire on age
// (default 30 minutes) and evict least-recently-used on overflow (default
// 5,000 entries).
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"census/internal/org"
)

const (
	// DefaultTTL bounds configuration staleness. Header maps and external-id
	// tables change on tenant onboarding, not per request.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxEntries bounds resident configuration across tenants.
	DefaultMaxEntries = 5_000
)

type entry struct {
	key      string
	value    any
	storedAt time.Time
}

// lru is a TTL+LRU map. It is deliberately small: the corpus of keys is
// bounded by tenant count and the values are immutable once built.
type lru struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

func newLRU(ttl time.Duration, maxEntries int) *lru {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &lru{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (c *lru) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

func (c *lru) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{key: key, value: value, storedAt: c.now()})
	c.items[key] = el
	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

func (c *lru) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Config caches the three hot configuration lookups in front of an org.Store.
type Config struct {
	store org.Store
	lru   *lru
}

// New builds a Config cache with the given bounds; zero values take defaults.
func New(store org.Store, ttl time.Duration, maxEntries int) *Config {
	return &Config{store: store, lru: newLRU(ttl, maxEntries)}
}

// HeaderMapping returns the effective inbound → canonical mapping for an org.
func (c *Config) HeaderMapping(ctx context.Context, orgID int64) (org.HeaderMapping, error) {
	key := fmt.Sprintf("header-mapping:%d", orgID)
	if v, ok := c.lru.get(key); ok {
		return v.(org.HeaderMapping), nil
	}
	aliases, err := c.store.HeaderAliases(ctx, orgID)
	if err != nil {
		return nil, err
	}
	mapping := org.NewHeaderMapping(aliases)
	c.lru.set(key, mapping)
	return mapping, nil
}

// ExternalIDsForDataProvider returns the routing map for a data-provider org.
func (c *Config) ExternalIDsForDataProvider(ctx context.Context, orgID int64) (org.ExternalIDMap, error) {
	key := fmt.Sprintf("external-ids:%d", orgID)
	if v, ok := c.lru.get(key); ok {
		return v.(org.ExternalIDMap), nil
	}
	ids, err := c.store.ExternalIDsForDataProvider(ctx, orgID)
	if err != nil {
		return nil, err
	}
	m := org.BuildExternalIDMap(ids)
	c.lru.set(key, m)
	return m, nil
}

// ExternalOrgInfo resolves one inbound identifier, cached per argument tuple.
// Misses are not cached: a missing mapping usually means a sync is in flight.
func (c *Config) ExternalOrgInfo(ctx context.Context, source, clientID, customerID string, organizationID int64) (*org.ExternalID, error) {
	key := fmt.Sprintf("external-org:%s:%s:%s:%d", source, clientID, customerID, organizationID)
	if v, ok := c.lru.get(key); ok {
		return v.(*org.ExternalID), nil
	}
	info, err := c.store.ExternalOrgInfo(ctx, source, clientID, customerID, organizationID)
	if err != nil {
		return nil, err
	}
	c.lru.set(key, info)
	return info, nil
}

// Reset drops every cached entry. Tests that mutate fixture configuration
// call this between cases.
func (c *Config) Reset() {
	c.lru.reset()
}
