// Package syncinfo keeps the last-sync watermark in memory and in the local store.
package syncinfo

import (
	"context"
	"sync"
	"time"
)

// Persister is the durable home of the watermark. *bdkeeper.Keeper implements it.
type Persister interface {
	GetLastSyncTimestamp(ctx context.Context) (time.Time, error)
	SetLastSyncTimestamp(ctx context.Context, ts time.Time) error
}

// SyncInfo represents data about the last synchronization.
type SyncInfo struct {
	LastSync time.Time
}

// SyncManager caches the watermark and writes every advance through to the store.
type SyncManager struct {
	mu     sync.RWMutex
	info   SyncInfo
	loaded bool
	store  Persister
}

func NewSyncManager(store Persister) *SyncManager {
	return &SyncManager{store: store}
}

// Load reads the persisted watermark into the cache and returns it.
func (sm *SyncManager) Load(ctx context.Context) (time.Time, error) {
	ts, err := sm.store.GetLastSyncTimestamp(ctx)
	if err != nil {
		return time.Time{}, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.info = SyncInfo{LastSync: ts}
	sm.loaded = true
	return ts, nil
}

// LastSync returns the cached watermark, loading it on first use.
func (sm *SyncManager) LastSync(ctx context.Context) (time.Time, error) {
	sm.mu.RLock()
	if sm.loaded {
		defer sm.mu.RUnlock()
		return sm.info.LastSync, nil
	}
	sm.mu.RUnlock()
	return sm.Load(ctx)
}

// GetSyncInfo returns the cached synchronization data without touching the store.
func (sm *SyncManager) GetSyncInfo() SyncInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.info
}

// Advance persists ts as the new watermark. The watermark never moves backwards;
// an older ts is ignored.
func (sm *SyncManager) Advance(ctx context.Context, ts time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.loaded && !ts.After(sm.info.LastSync) {
		return nil
	}
	if err := sm.store.SetLastSyncTimestamp(ctx, ts); err != nil {
		return err
	}
	sm.info = SyncInfo{LastSync: ts}
	sm.loaded = true
	return nil
}
