// Copyright 2024-2026 Aiku AI

package moderation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// PolicyStore is the persistence collaborator for group policies. Load
// returns (nil, nil) when no policy exists for the group.
type PolicyStore interface {
	LoadGroupPolicy(ctx context.Context, groupID string) (*Policy, error)
	SaveGroupPolicy(ctx context.Context, groupID string, policy *Policy) error
}

// DefaultCacheMaxAge is how long a cached policy survives before the
// sweeper drops it.
const DefaultCacheMaxAge = 30 * time.Minute

type cacheEntry struct {
	policy   *Policy
	loadedAt time.Time
}

// Store caches group policies in memory in front of a PolicyStore. Reads
// are served from the cache within the staleness window; cache misses
// load from the backing store, synthesizing and persisting a default
// policy when the group has never been seen. Explicit updates are
// write-through: the backing store is written before the cache entry is
// replaced.
type Store struct {
	backing PolicyStore
	log     zerolog.Logger
	maxAge  time.Duration

	loads singleflight.Group

	// updateMu serializes the read-merge-write cycle of UpdatePolicy so
	// concurrent patches for a group cannot overwrite each other.
	updateMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewStore creates a policy store over the given backing persistence.
func NewStore(backing PolicyStore, log zerolog.Logger) *Store {
	return &Store{
		backing: backing,
		log:     log.With().Str("component", "moderation_store").Logger(),
		maxAge:  DefaultCacheMaxAge,
		cache:   make(map[string]*cacheEntry),
	}
}

// GetPolicy returns the policy for a group. It never fails: backing store
// errors fall back to the default policy so the moderation pipeline keeps
// running through a persistence outage.
func (s *Store) GetPolicy(ctx context.Context, groupID string) *Policy {
	s.mu.RLock()
	entry := s.cache[groupID]
	s.mu.RUnlock()
	if entry != nil {
		return entry.policy
	}

	// Concurrent misses for the same group collapse into one load so the
	// synthesized default is persisted at most once per cache window.
	v, _, _ := s.loads.Do(groupID, func() (any, error) {
		s.mu.RLock()
		entry := s.cache[groupID]
		s.mu.RUnlock()
		if entry != nil {
			return entry.policy, nil
		}
		return s.loadAndCache(ctx, groupID), nil
	})
	return v.(*Policy)
}

func (s *Store) loadAndCache(ctx context.Context, groupID string) *Policy {
	policy, err := s.backing.LoadGroupPolicy(ctx, groupID)
	if err != nil {
		// A read failure is not a miss: the group may have a real stored
		// policy, so nothing is persisted or cached. The default covers
		// this read only and the next read retries the backing store.
		s.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to load group policy, using default for this read")
		return DefaultPolicy()
	}
	if policy == nil {
		policy = DefaultPolicy()
		if err := s.backing.SaveGroupPolicy(ctx, groupID, policy); err != nil {
			s.log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to persist default group policy")
		}
	}
	s.mu.Lock()
	s.cache[groupID] = &cacheEntry{policy: policy, loadedAt: time.Now()}
	s.mu.Unlock()
	return policy
}

// UpdatePolicy applies the patch, persists the merged policy, then
// replaces the cache entry. The cache is only touched after the store
// write succeeds, so reads after a successful update always see the new
// policy. Updates are serialized: each patch merges against the result
// of the previous one, so concurrent patches compose instead of racing.
func (s *Store) UpdatePolicy(ctx context.Context, groupID string, patch PolicyPatch) (*Policy, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	merged := s.GetPolicy(ctx, groupID).Merge(patch)
	if err := s.backing.SaveGroupPolicy(ctx, groupID, merged); err != nil {
		return nil, fmt.Errorf("failed to persist group policy: %w", err)
	}
	s.mu.Lock()
	s.cache[groupID] = &cacheEntry{policy: merged, loadedAt: time.Now()}
	s.mu.Unlock()
	return merged, nil
}

// RunSweeper periodically drops cache entries older than the staleness
// window to bound memory. It returns when ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := s.sweep(time.Now())
			if dropped > 0 {
				s.log.Debug().Int("dropped", dropped).Msg("Swept stale policy cache entries")
			}
		}
	}
}

// sweep drops entries loaded before now minus the staleness window and
// returns how many were removed. It never touches the backing store.
func (s *Store) sweep(now time.Time) int {
	cutoff := now.Add(-s.maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for groupID, entry := range s.cache {
		if entry.loadedAt.Before(cutoff) {
			delete(s.cache, groupID)
			dropped++
		}
	}
	return dropped
}

// cachedLen reports the number of cached entries, for tests.
func (s *Store) cachedLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
