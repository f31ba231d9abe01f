// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the master's read-through cache: TTL plus LRU
// bounded, partitioned into scopes so one entity class cannot evict another
// wholesale and invalidation can target exactly what a write dirtied.
//
// Lookup misses (ResourceNotFound) are cached like values so repeated
// requests for absent entities stay off the directory. Unavailability is
// never cached: a flapping backend should not poison the cache for a TTL.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/smartdc/amon/pkg/api"
)

// Scope partitions a cache by entity class.
type Scope string

// Scopes used by the master. The key convention is noted per scope.
const (
	ScopeAccountByLogin Scope = "account-by-login" // login
	ScopeAccount        Scope = "account"          // user UUID
	ScopeOperator       Scope = "operator"         // user UUID
	ScopeContact        Scope = "contact"          // contact DN
	ScopeContactList    Scope = "contact-list"     // account DN
	ScopeMonitor        Scope = "monitor"          // monitor DN
	ScopeMonitorList    Scope = "monitor-list"     // account DN
	ScopeProbe          Scope = "probe"            // probe DN
	ScopeProbeList      Scope = "probe-list"       // monitor DN
	ScopeMachine        Scope = "machine"          // machine UUID
	ScopeServer         Scope = "server"           // server UUID
	ScopeServerMachines Scope = "server-machines"  // server UUID
	ScopeAgentProbes    Scope = "agentprobes"      // "machine:UUID" or "server:UUID"
	ScopeEvent          Scope = "event"            // event UUID
)

// Config is one cache section of the master config. Expiry is in seconds.
type Config struct {
	Size   int `json:"size,omitempty"`
	Expiry int `json:"expiry,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Size == 0 {
		c.Size = 1000
	}
	if c.Expiry == 0 {
		c.Expiry = 300
	}
	return c
}

// Metrics are shared by every cache instance in a process; the cache label
// tells instances apart.
type Metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

// NewMetrics builds and registers the cache metric family once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_cache_hits_total",
			Help: "Cache lookups answered from memory.",
		}, []string{"cache", "scope"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_cache_misses_total",
			Help: "Cache lookups that fell through to the backend.",
		}, []string{"cache", "scope"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_cache_evictions_total",
			Help: "Entries dropped by LRU pressure or TTL expiry.",
		}, []string{"cache", "scope"}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions)
	}
	return m
}

// entry carries either a value or a cached miss.
type entry struct {
	val interface{}
	err error
}

// Cache is a scope-partitioned TTL+LRU cache. The zero value is not usable;
// see New.
type Cache struct {
	logger  log.Logger
	name    string
	cfg     Config
	metrics *Metrics

	mtx    sync.Mutex
	scopes map[Scope]*expirable.LRU[string, entry]

	group singleflight.Group
}

// New builds a cache named name (the metrics label) with the given bounds.
func New(logger log.Logger, metrics *Metrics, name string, cfg Config) *Cache {
	return &Cache{
		logger:  logger,
		name:    name,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		scopes:  make(map[Scope]*expirable.LRU[string, entry]),
	}
}

func (c *Cache) lru(scope Scope) *expirable.LRU[string, entry] {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	l, ok := c.scopes[scope]
	if !ok {
		onEvict := func(string, entry) {
			c.metrics.evictions.WithLabelValues(c.name, string(scope)).Inc()
		}
		l = expirable.NewLRU[string, entry](c.cfg.Size, onEvict, time.Duration(c.cfg.Expiry)*time.Second)
		c.scopes[scope] = l
	}
	return l
}

// Get returns the cached value for (scope, key). A cached miss comes back
// as (nil, error, true).
func (c *Cache) Get(scope Scope, key string) (interface{}, error, bool) {
	e, ok := c.lru(scope).Get(key)
	if !ok {
		c.metrics.misses.WithLabelValues(c.name, string(scope)).Inc()
		return nil, nil, false
	}
	c.metrics.hits.WithLabelValues(c.name, string(scope)).Inc()
	return e.val, e.err, true
}

// Put stores a value.
func (c *Cache) Put(scope Scope, key string, v interface{}) {
	c.lru(scope).Add(key, entry{val: v})
}

// Drop removes one key.
func (c *Cache) Drop(scope Scope, key string) {
	c.lru(scope).Remove(key)
}

// DropScope removes everything in one scope.
func (c *Cache) DropScope(scope Scope) {
	c.lru(scope).Purge()
}

// GetOrFill returns the cached value for (scope, key) or runs fill to
// produce it, deduplicating concurrent fills of the same key. A NotFound
// from fill is cached as a miss for the regular TTL; an Unavailable is
// returned but never cached.
func (c *Cache) GetOrFill(ctx context.Context, scope Scope, key string, fill func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if v, err, ok := c.Get(scope, key); ok {
		return v, err
	}
	v, err, _ := c.group.Do(string(scope)+"\x00"+key, func() (interface{}, error) {
		// Recheck under the flight: a racing fill may have landed.
		if e, ok := c.lru(scope).Get(key); ok {
			return e.val, e.err
		}
		v, err := fill(ctx)
		switch {
		case err == nil:
			c.lru(scope).Add(key, entry{val: v})
		case api.CodeOf(err) == api.CodeResourceNotFound:
			c.lru(scope).Add(key, entry{err: err})
		default:
			_ = level.Debug(c.logger).Log("msg", "fill failed, not cached",
				"cache", c.name, "scope", scope, "key", key, "err", err)
		}
		return v, err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
