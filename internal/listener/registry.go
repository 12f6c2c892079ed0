package listener

import (
	"sync"

	"github.com/gorilla/websocket"
)

// replacedReason is sent to a connection displaced by a newer one.
const replacedReason = "replaced by newer connection"

// Registry holds at most one live tunnel session.
type Registry struct {
	mu  sync.Mutex
	cur *Session
}

func NewRegistry() *Registry { return &Registry{} }

// Set installs s. A previously held session is closed before s becomes
// visible, so no caller ever observes a half-displaced slot. It reports
// whether a session was displaced.
func (r *Registry) Set(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.cur
	if prev != nil && prev != s {
		prev.Close(websocket.CloseNormalClosure, replacedReason)
	}
	r.cur = s
	return prev != nil && prev != s
}

// Get returns the registered session, or nil.
func (r *Registry) Get() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Active returns the registered session only if its connection is still open.
func (r *Registry) Active() *Session {
	s := r.Get()
	if s == nil || !s.Open() {
		return nil
	}
	return s
}

// ClearIfCurrent empties the slot only if s still holds it. Close and error
// handlers call this so a stale session never evicts a newer one.
func (r *Registry) ClearIfCurrent(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != s {
		return false
	}
	r.cur = nil
	return true
}
