package worker

import "sync"

// DefaultRecentJobs is how many job ids are remembered for duplicate suppression.
const DefaultRecentJobs = 1024

// recentIDs remembers the last capacity ids in insertion order.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newRecentIDs(capacity int) *recentIDs {
	if capacity <= 0 {
		capacity = DefaultRecentJobs
	}
	return &recentIDs{
		ids:   make(map[string]struct{}, capacity),
		ring:  make([]string, 0, capacity),
		limit: capacity,
	}
}

// Seen records id and reports whether it was already present.
func (r *recentIDs) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return true
	}
	if len(r.ring) < r.limit {
		r.ring = append(r.ring, id)
	} else {
		delete(r.ids, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % r.limit
	}
	r.ids[id] = struct{}{}
	return false
}
