// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package dedup implements the Write-Deduplication Cache (spec §4.3): a
// small keyed map consulted before enqueuing write operations, short-
// circuiting identical repeat writes within a TTL.
package dedup

import (
	"sync"
	"time"

	"github.com/modbusgw/gateway/internal/modbus"
)

// maxEntries bounds the cache's memory footprint (spec §3: "cap map size
// at 4096 entries, evict oldest").
const maxEntries = 4096

// Key identifies a DedupEntry (spec §3).
type Key struct {
	UnitID  byte
	Address uint16
	Kind    modbus.Kind
}

// entry is a stored write value plus the timestamp it was installed.
type entry struct {
	values    []uint16
	timestamp time.Time
}

func (e *entry) equals(values []uint16) bool {
	if len(e.values) != len(values) {
		return false
	}
	for i := range values {
		if e.values[i] != values[i] {
			return false
		}
	}
	return true
}

// Mirror is an optional cross-process write-through sink for installed
// entries (SPEC_FULL.md §4.13, implemented by internal/dedup's Redis
// mirror). It never participates in the local TTL decision.
type Mirror interface {
	Install(key Key, values []uint16, at time.Time)
}

// Cache is the write-dedup cache. One mutex guards it, per spec §5 ("a
// single mutex suffices given the low op rate of a 9600-baud bus").
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	order      []Key // insertion order, for bounded eviction of the oldest
	ttl        time.Duration
	historyTTL time.Duration
	mirror     Mirror
}

// New creates a Cache with the given TTL. historyTTL (the lazy-eviction
// horizon) is max(10*ttl, 1s) per spec §3/§4.3.
func New(ttl time.Duration) *Cache {
	historyTTL := 10 * ttl
	if historyTTL < time.Second {
		historyTTL = time.Second
	}
	return &Cache{
		entries:    make(map[Key]*entry),
		ttl:        ttl,
		historyTTL: historyTTL,
	}
}

// SetTTL updates the cache's TTL and, proportionally, its lazy-eviction
// history horizon (SPEC_FULL.md §4.6 hot reload: dedup_ttl_ms is safe to
// change without a restart).
func (c *Cache) SetTTL(ttl time.Duration) {
	historyTTL := 10 * ttl
	if historyTTL < time.Second {
		historyTTL = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	c.historyTTL = historyTTL
}

// SetMirror attaches an optional cross-process mirror.
func (c *Cache) SetMirror(m Mirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

// Check consults the cache for a write submission (spec §4.3 algorithm
// steps 2-3). It returns (echo, true) if the write should be
// short-circuited with a synthesized success echoing values; (nil, false)
// if the write must be enqueued as normal.
func (c *Cache) Check(key Key, values []uint16) (echo []uint16, hit bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.timestamp) >= c.ttl {
		return nil, false
	}
	if !e.equals(values) {
		return nil, false
	}
	// Hit: do not refresh the timestamp on skip (spec §8 scenario 2: "do
	// not refresh on skip" is the documented default).
	return append([]uint16(nil), values...), true
}

// Install records a successful write's normalized value (spec §4.3 step
// 4: "on successful completion of a write, install/overwrite the
// DedupEntry"). Failed writes must never call Install.
func (c *Cache) Install(key Key, values []uint16) {
	now := time.Now()
	c.mu.Lock()
	if _, existed := c.entries[key]; !existed {
		c.order = append(c.order, key)
	}
	c.entries[key] = &entry{values: append([]uint16(nil), values...), timestamp: now}
	c.evictOldestLocked()
	mirror := c.mirror
	c.mu.Unlock()

	if mirror != nil {
		mirror.Install(key, values, now)
	}
}

// evictLocked removes entries older than historyTTL (spec §4.3 eviction:
// "lazy — on every write submission, scan and remove entries older than
// history_ttl"). Caller must hold mu.
func (c *Cache) evictLocked(now time.Time) {
	if len(c.entries) == 0 {
		return
	}
	kept := c.order[:0]
	for _, k := range c.order {
		e, ok := c.entries[k]
		if !ok {
			continue
		}
		if now.Sub(e.timestamp) >= c.historyTTL {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// evictOldestLocked enforces the bounded-memory cap (spec §4.3: "cap map
// size at 4096 entries, evict oldest"). Caller must hold mu.
func (c *Cache) evictOldestLocked() {
	for len(c.entries) > maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Sweep evicts entries older than historyTTL without requiring a write
// submission to trigger it (SPEC_FULL.md §5): a bus that goes quiet would
// otherwise leave stale entries parked in memory until the next write
// arrives, since eviction is normally piggybacked on Check.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(time.Now())
}

// Len reports the current entry count, for health/admin reporting.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NormalizeCoils reduces coil write values to 0/1 per element (spec
// §4.3 step 1).
func NormalizeCoils(values []uint16) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		if v != 0 {
			out[i] = 1
		}
	}
	return out
}
