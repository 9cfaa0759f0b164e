// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror write-through mirrors installed DedupEntry values to Redis
// so a standby gateway process fronting the same bus can warm its own
// in-memory cache at startup (SPEC_FULL.md §4.13). It is advisory only:
// the local in-memory Cache is always authoritative for the TTL decision
// on this process — a failed or slow mirror write must never affect the
// request path.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects to a Redis instance. Entries are stored with an
// expiry of historyTTL so stale mirrored state doesn't outlive what the
// local cache would have evicted anyway.
func NewRedisMirror(addr, password string, db int, historyTTL time.Duration) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: "modbusgw:dedup:",
		ttl:    historyTTL,
	}
}

type mirroredEntry struct {
	Values    []uint16  `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *RedisMirror) redisKey(key Key) string {
	return fmt.Sprintf("%s%d:%d:%s", m.prefix, key.UnitID, key.Address, key.Kind)
}

// Install writes key's entry to Redis, fire-and-forget with a short
// timeout. Errors are swallowed: telemetry/mirroring must never block or
// fail the hot path (SPEC_FULL.md §9).
func (m *RedisMirror) Install(key Key, values []uint16, at time.Time) {
	payload, err := json.Marshal(mirroredEntry{Values: values, Timestamp: at})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.client.Set(ctx, m.redisKey(key), payload, m.ttl)
}

// Warm loads any mirrored entries into cache, for use at gateway startup
// before traffic begins to flow. Best-effort: errors are ignored.
func (m *RedisMirror) Warm(ctx context.Context, cache *Cache, keys []Key) {
	for _, k := range keys {
		raw, err := m.client.Get(ctx, m.redisKey(k)).Bytes()
		if err != nil {
			continue
		}
		var me mirroredEntry
		if err := json.Unmarshal(raw, &me); err != nil {
			continue
		}
		if time.Since(me.Timestamp) >= cache.ttl {
			continue
		}
		cache.mu.Lock()
		cache.entries[k] = &entry{values: me.Values, timestamp: me.Timestamp}
		cache.order = append(cache.order, k)
		cache.mu.Unlock()
	}
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
