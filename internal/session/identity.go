// Package session tracks which conversation session is live and how that
// session is bound to the duplex channel across reconnects.
//
// [Identity] is the filter every inbound server event passes before it is
// acted on. An event tagged with a session id other than the live one is
// left over from a superseded session (for example after a fast
// end-then-start switch) and must be discarded.
package session

import "sync"

// Identity holds the live session token. The zero value has no session.
//
// All methods are safe for concurrent use.
type Identity struct {
	mu    sync.RWMutex
	token string
}

// Assign replaces the live session unconditionally.
func (i *Identity) Assign(token string) {
	i.mu.Lock()
	i.token = token
	i.mu.Unlock()
}

// Clear drops the live session.
func (i *Identity) Clear() {
	i.mu.Lock()
	i.token = ""
	i.mu.Unlock()
}

// Matches reports whether an event carrying tag belongs to the live session.
// An empty tag marks a session-agnostic event and always matches. A
// non-empty tag never matches while no session is live.
func (i *Identity) Matches(tag string) bool {
	if tag == "" {
		return true
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token != "" && tag == i.token
}

// Current returns the live session token and whether one is set.
func (i *Identity) Current() (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token, i.token != ""
}
