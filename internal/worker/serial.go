package worker

import "sync"

// serialQueue admits at most one job per key into the pool. Jobs arriving
// for a busy key wait here in arrival order without holding a pool slot.
type serialQueue struct {
	mu      sync.Mutex
	waiting map[string][]func()
}

func newSerialQueue() *serialQueue {
	return &serialQueue{waiting: make(map[string][]func())}
}

// admit calls start now if key is idle and marks it busy. Otherwise start
// is queued behind the jobs already admitted for key. It reports whether
// start was called.
func (q *serialQueue) admit(key string, start func()) bool {
	q.mu.Lock()
	if pending, busy := q.waiting[key]; busy {
		q.waiting[key] = append(pending, start)
		q.mu.Unlock()
		return false
	}
	q.waiting[key] = nil
	q.mu.Unlock()

	start()
	return true
}

// release hands key to the next queued start, which the caller must call.
// It returns nil and marks key idle when nothing is waiting.
func (q *serialQueue) release(key string) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, busy := q.waiting[key]
	if !busy {
		return nil
	}
	if len(pending) == 0 {
		delete(q.waiting, key)
		return nil
	}
	next := pending[0]
	pending[0] = nil
	q.waiting[key] = pending[1:]
	return next
}

// Len returns the number of busy keys.
func (q *serialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func projectKey(ownerID, projectID string) string {
	return ownerID + "\x00" + projectID
}
