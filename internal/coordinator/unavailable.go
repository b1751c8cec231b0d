package coordinator

import (
	"sync"
	"time"

	"tilecache/internal/tile"
)

// Reason records why a key was marked unavailable.
type Reason int

const (
	// ReasonOffline means the walk failed while no network was usable.
	ReasonOffline Reason = iota
	// ReasonNotFound means every attempted provider reported the tile missing.
	ReasonNotFound
)

func (r Reason) String() string {
	if r == ReasonNotFound {
		return "not_found"
	}
	return "offline"
}

type unavailableEntry struct {
	reason Reason
	at     time.Time
}

// UnavailableSet remembers keys that recently failed so they are not retried
// uselessly. Offline entries block only while the network is unusable and are
// dropped when connectivity returns. Not-found entries block for ttl
// regardless of connectivity.
type UnavailableSet struct {
	mu      sync.Mutex
	entries map[tile.Key]unavailableEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewUnavailableSet(ttl time.Duration) *UnavailableSet {
	return &UnavailableSet{
		entries: make(map[tile.Key]unavailableEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (u *UnavailableSet) Add(key tile.Key, reason Reason) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries[key] = unavailableEntry{reason: reason, at: u.now()}
}

func (u *UnavailableSet) Remove(key tile.Key) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, key)
}

// Reason returns the recorded reason for key, if any.
func (u *UnavailableSet) Reason(key tile.Key) (Reason, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.entries[key]
	return e.reason, ok
}

func (u *UnavailableSet) Contains(key tile.Key) bool {
	_, ok := u.Reason(key)
	return ok
}

// Blocked reports whether a remote fetch of key should be skipped given the
// current network state. Expired not-found entries are dropped.
func (u *UnavailableSet) Blocked(key tile.Key, online bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[key]
	if !ok {
		return false
	}
	switch e.reason {
	case ReasonNotFound:
		if u.ttl > 0 && u.now().Sub(e.at) > u.ttl {
			delete(u.entries, key)
			return false
		}
		return true
	default:
		return !online
	}
}

// ClearOffline drops every offline entry and returns how many were removed.
func (u *UnavailableSet) ClearOffline() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	n := 0
	for k, e := range u.entries {
		if e.reason == ReasonOffline {
			delete(u.entries, k)
			n++
		}
	}
	return n
}

func (u *UnavailableSet) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	clear(u.entries)
}

func (u *UnavailableSet) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}
