// Package locker defines the distributed-lock seam the orchestrator uses to
// serialize per-drive LTFS actions and robot motion, plus a local-process
// default implementation. A real multi-node deployment supplies its own
// Locker (etcd, redis, whatever); none of the example services in this
// lineage ship a ready-made distributed-lock client wired into production
// code, so only the in-process TTL-map default lives here.
package locker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock is a held lock; Release gives it back before its TTL expires.
type Lock struct {
	Name    string
	OwnerID string
	release func()
	once    sync.Once
}

// Release releases the lock. Safe to call multiple times.
func (l *Lock) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Locker acquires named, TTL-bounded locks.
type Locker interface {
	Acquire(name string, ownerID string, ttl time.Duration) (*Lock, bool)
}

type entry struct {
	ownerID string
	expires time.Time
}

// InProcess is a single-process Locker backed by a mutex-guarded map of
// named entries with expiry timestamps. It is the default wired into the
// engine; it provides no cross-process guarantee. Multi-node deployments
// plug in their own Locker.
type InProcess struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewInProcess returns an empty in-process lock table.
func NewInProcess() *InProcess {
	return &InProcess{entries: make(map[string]entry)}
}

// Acquire attempts to acquire name for ttl. It fails if another, unexpired
// holder already owns the name.
func (l *InProcess) Acquire(name string, ownerID string, ttl time.Duration) (*Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.entries[name]; ok && e.expires.After(now) {
		return nil, false
	}

	l.entries[name] = entry{ownerID: ownerID, expires: now.Add(ttl)}
	return &Lock{
		Name:    name,
		OwnerID: ownerID,
		release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.entries[name]; ok && e.ownerID == ownerID {
				delete(l.entries, name)
			}
		},
	}, true
}

// NewOwnerID generates a fresh owner token for a lock acquisition.
func NewOwnerID() string {
	return uuid.NewString()
}
