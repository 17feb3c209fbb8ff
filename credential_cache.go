package main

import (
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DispatcherBuilder creates the handler context for a tenant's bot.
type DispatcherBuilder func(tenant Tenant, tb *TenantBot) *ChildBot

type cacheEntry struct {
	bot        *TenantBot
	dispatcher *ChildBot
}

// CredentialCache keeps one client and one dispatch context per tenant id.
// Construction for an id runs at most once at a time; concurrent callers for
// the same id share the result.
type CredentialCache struct {
	newClient     ClientFactory
	newDispatcher DispatcherBuilder
	metrics       *Metrics
	log           *zap.Logger

	mu      sync.RWMutex
	entries map[uint]*cacheEntry
	// generations bumps on every eviction so a construction that started
	// before an eviction does not repopulate the entry.
	generations map[uint]uint64
	group       singleflight.Group
}

func NewCredentialCache(newClient ClientFactory, metrics *Metrics, log *zap.Logger) *CredentialCache {
	return &CredentialCache{
		newClient:   newClient,
		metrics:     metrics,
		log:         log.Named("credential_cache"),
		entries:     make(map[uint]*cacheEntry),
		generations: make(map[uint]uint64),
	}
}

// SetDispatcherBuilder wires the dispatch context constructor. It must be set
// before the first GetOrCreate call.
func (c *CredentialCache) SetDispatcherBuilder(b DispatcherBuilder) {
	c.newDispatcher = b
}

func (c *CredentialCache) lookup(tenant Tenant) (*cacheEntry, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tenant.ID]
	if ok && e.bot.token == tenant.BotToken {
		return e, 0
	}
	return nil, c.generations[tenant.ID]
}

// GetOrCreate returns the cached pair for tenant.ID, building it when absent
// or when the stored token no longer matches the tenant record.
func (c *CredentialCache) GetOrCreate(tenant Tenant) (*TenantBot, *ChildBot, error) {
	if e, _ := c.lookup(tenant); e != nil {
		return e.bot, e.dispatcher, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(uint64(tenant.ID), 10), func() (any, error) {
		e, gen := c.lookup(tenant)
		if e != nil {
			return e, nil
		}

		client, err := c.newClient(tenant.BotToken)
		if err != nil {
			return nil, fmt.Errorf("failed to build client for tenant %d: %w", tenant.ID, err)
		}
		tb := newTenantBot(tenant.ID, tenant.BotToken, client)
		e = &cacheEntry{bot: tb, dispatcher: c.newDispatcher(tenant, tb)}

		c.mu.Lock()
		if c.generations[tenant.ID] == gen {
			c.entries[tenant.ID] = e
		}
		size := len(c.entries)
		c.mu.Unlock()

		c.metrics.CacheConstructed.Inc()
		c.metrics.CachedTenants.Set(float64(size))
		c.log.Debug("tenant bot constructed", tenantField(tenant.ID))
		return e, nil
	})
	if err != nil {
		return nil, nil, err
	}
	e := v.(*cacheEntry)
	return e.bot, e.dispatcher, nil
}

// Evict drops the cached pair for tenantID, if any.
func (c *CredentialCache) Evict(tenantID uint) {
	c.mu.Lock()
	_, existed := c.entries[tenantID]
	delete(c.entries, tenantID)
	c.generations[tenantID]++
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.CachedTenants.Set(float64(size))
	if existed {
		c.log.Info("tenant bot evicted", tenantField(tenantID))
	}
}

func (c *CredentialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
