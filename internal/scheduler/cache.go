package scheduler

import (
	"sync"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

// Scope identifies a farm, or one block of it. An empty BlockID is the
// whole farm.
type Scope struct {
	FarmID  string
	BlockID string
}

// String returns "farm" or "farm/block".
func (s Scope) String() string {
	if s.BlockID == "" {
		return s.FarmID
	}
	return s.FarmID + "/" + s.BlockID
}

// SnapshotCache keeps the latest snapshot per scope.
//
// Thread Safety: safe for concurrent use.
type SnapshotCache struct {
	mu    sync.RWMutex
	snaps map[Scope]automation.Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snaps: make(map[Scope]automation.Snapshot)}
}

// Put stores snap as the latest for its scope, unless a newer one is
// already cached.
func (c *SnapshotCache) Put(snap automation.Snapshot) bool {
	key := Scope{FarmID: snap.FarmID, BlockID: snap.BlockID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.snaps[key]; ok && cur.Time.After(snap.Time) {
		return false
	}
	c.snaps[key] = snap
	return true
}

// Get returns the latest snapshot for scope.
func (c *SnapshotCache) Get(scope Scope) (automation.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snaps[scope]
	return snap, ok
}

// Len returns the number of cached scopes.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}
