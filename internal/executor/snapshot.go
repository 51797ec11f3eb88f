package executor

import (
	"sync"
	"time"
)

// Snapshot marks a point a rollback session can return to. The marker is
// advisory state, not a filesystem copy: consumers decide what reverting
// to it means.
type Snapshot struct {
	SessionID string
	CreatedAt time.Time
}

// SnapshotRegistry tracks rollback snapshots by session ID.
// Safe for concurrent use.
type SnapshotRegistry struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
}

// NewSnapshotRegistry creates an empty registry.
func NewSnapshotRegistry() *SnapshotRegistry {
	return &SnapshotRegistry{snapshots: make(map[string]Snapshot)}
}

// Create records a snapshot for the session, replacing any earlier one.
func (r *SnapshotRegistry) Create(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[sessionID] = Snapshot{
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}

// Rollback consumes the session's snapshot, reporting whether one existed.
// A session can be rolled back at most once.
func (r *SnapshotRegistry) Rollback(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshots[sessionID]; !ok {
		return false
	}
	delete(r.snapshots, sessionID)
	return true
}

// Len returns the number of live snapshots.
func (r *SnapshotRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}
