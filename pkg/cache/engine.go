// Package cache implements the cache/session engine (C6): a TTL-bounded
// key-value store used for Nacos-compatible login sessions and
// general-purpose cached state.
package cache

import (
	"time"

	"github.com/meridian-io/meridian/pkg/actorutil"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/types"
)

type state struct {
	entries map[types.CacheKey]*types.CacheEntry
}

// Engine is the cache engine's mailbox actor.
type Engine struct {
	mailbox *actorutil.Mailbox[*state]
}

// New creates a cache Engine and starts its consumer loop.
func New() *Engine {
	st := &state{entries: make(map[types.CacheKey]*types.CacheEntry)}
	e := &Engine{mailbox: actorutil.NewMailbox(st, 256)}
	e.mailbox.OnTick(e.sweep)
	e.mailbox.Start()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			e.mailbox.Tick(now)
		}
	}()

	return e
}

// Close stops the engine's consumer loop.
func (e *Engine) Close() {
	e.mailbox.Stop()
}

// Set stores an entry with the given TTL. Re-setting an existing key
// restarts its TTL from now, even if the value is unchanged — Nacos's
// session model has no separate "refresh" operation, so this is the
// only way a client extends a session's lifetime.
func (e *Engine) Set(key types.CacheKey, raw []byte, fields map[string]string, ttl time.Duration, now time.Time) {
	e.mailbox.Send(func(s *state) {
		s.entries[key] = &types.CacheEntry{
			Key:       key,
			Raw:       raw,
			Fields:    fields,
			TTL:       ttl,
			ExpiresAt: now.Add(ttl),
		}
		e.refreshCount(s)
	})
}

// Get returns the entry, checking expiry at access time so an expired
// entry is never visible even if the sweep hasn't run yet.
func (e *Engine) Get(key types.CacheKey) (*types.CacheEntry, error) {
	var result *types.CacheEntry
	err := e.mailbox.SendSync(func(s *state) error {
		entry, ok := s.entries[key]
		if !ok || !time.Now().Before(entry.ExpiresAt) {
			if ok {
				delete(s.entries, key)
			}
			return types.NewError(types.ErrNotFound, "cache entry not found")
		}
		cp := *entry
		result = &cp
		return nil
	})
	return result, err
}

// Delete removes an entry.
func (e *Engine) Delete(key types.CacheKey) {
	e.mailbox.Send(func(s *state) {
		delete(s.entries, key)
		e.refreshCount(s)
	})
}

// ListByType returns every non-expired entry of the given cache type.
func (e *Engine) ListByType(cacheType types.CacheType) ([]*types.CacheEntry, error) {
	var result []*types.CacheEntry
	err := e.mailbox.SendSync(func(s *state) error {
		now := time.Now()
		for key, entry := range s.entries {
			if key.Type != cacheType || !now.Before(entry.ExpiresAt) {
				continue
			}
			cp := *entry
			result = append(result, &cp)
		}
		return nil
	})
	return result, err
}

func (e *Engine) refreshCount(s *state) {
	counts := map[types.CacheType]int{}
	for key := range s.entries {
		counts[key.Type]++
	}
	for cacheType, count := range counts {
		metrics.CacheEntriesTotal.WithLabelValues(string(cacheType)).Set(float64(count))
	}
}

func (e *Engine) sweep(s *state, now time.Time) {
	for key, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, key)
			metrics.CacheExpirationsTotal.Inc()
		}
	}
	e.refreshCount(s)
}
