// Package presence tracks which users currently hold at least one live
// connection. The registry is the single source of truth for "who is online"
// and serializes every mutation behind one mutex so that online/offline
// transitions are never observed out of order.
package presence

import (
	"sort"
	"sync"
)

// Registry maps a user ID to the set of that user's active connection IDs.
// A user is online iff the set is non-empty. The registry holds a non-owning
// index; connection lifetimes belong to the event channel.
type Registry struct {
	mu    sync.Mutex
	users map[string]map[string]struct{} // userID -> set of connection IDs
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection to the user's entry. It returns first=true when
// this is the user's first active connection (the user just came online), and
// the snapshot of all other online users taken under the same lock, for
// delivery to the newly admitted connection only.
func (r *Registry) Register(userID, connID string) (first bool, online []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
		first = true
	}
	set[connID] = struct{}{}

	online = make([]string, 0, len(r.users)-1)
	for u := range r.users {
		if u != userID {
			online = append(online, u)
		}
	}
	sort.Strings(online)
	return first, online
}

// Unregister removes a connection from the user's entry. It returns true when
// the user's last connection was removed (the user just went offline), in
// which case the entry itself is deleted. Unknown user/connection pairs are
// no-ops.
func (r *Registry) Unregister(userID, connID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one active connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Online returns a sorted snapshot of every online user ID.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Connections returns the connection IDs registered for a user. The returned
// slice is a copy and safe to use without the lock.
func (r *Registry) Connections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
