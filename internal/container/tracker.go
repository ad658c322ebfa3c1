package container

import (
	"sort"
	"sync"
	"time"
)

// Tracker records when each workspace was last used. It lives in memory
// only; losing it on restart just delays reclamation.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]time.Time

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

// NewTracker returns an empty Tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{seen: map[string]time.Time{}, Now: time.Now}
}

// Touch marks the workspace as active now.
func (t *Tracker) Touch(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[workspaceID] = t.Now()
}

// LastActive returns the last activity time of the workspace.
func (t *Tracker) LastActive(workspaceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.seen[workspaceID]
	return ts, ok
}

// Forget drops the workspace's record.
func (t *Tracker) Forget(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, workspaceID)
}

// Tracked returns every tracked workspace ID, sorted.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.seen))
	for id := range t.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Idle returns the workspaces whose last activity is older than threshold
// at now, sorted.
func (t *Tracker) Idle(threshold time.Duration, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, ts := range t.seen {
		if now.Sub(ts) > threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
