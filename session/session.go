// Package session tracks live conversations and the external process, if
// any, currently running a turn for each of them. Nothing is persisted.
package session

import (
	"sort"
	"sync"

	"github.com/m4xw311/qodo-acp/errors"
)

var (
	ErrSessionNotFound = errors.Sentinel("session not found")
	ErrSessionBusy     = errors.Sentinel("session already has a turn in progress")
)

// Process is the handle the registry keeps for a running turn.
type Process interface {
	// Interrupt asks the process to stop gracefully.
	Interrupt() error
	// Kill terminates the process immediately.
	Kill() error
}

// Session is one logical conversation. A session has at most one attached
// process. While a turn is starting the slot is reserved, so the session is
// busy before its process exists.
type Session struct {
	ID        string
	cancelled bool
	starting  bool
	process   Process
}

func (s *Session) busy() bool {
	return s.starting || s.process != nil
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	ID        string
	Cancelled bool
	Active    bool
}

// Registry maps session ids to sessions. All methods are safe for concurrent
// use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts an idle session. It returns false, leaving the existing
// session untouched, when id is already registered.
func (r *Registry) Create(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	r.sessions[id] = &Session{ID: id}
	return true
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{ID: s.ID, Cancelled: s.cancelled, Active: s.busy()}, true
}

// Attach starts a turn. It reserves the session and resets its cancelled
// flag under the lock, then calls spawn without holding the lock and records
// the returned process. If the session is drained while spawn runs, the new
// process is killed and Attach fails with ErrSessionNotFound.
func (r *Registry) Attach(id string, spawn func() (Process, error)) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	if s.busy() {
		r.mu.Unlock()
		return errors.Wrapf(ErrSessionBusy, "session %s", id)
	}
	s.starting = true
	s.cancelled = false
	r.mu.Unlock()

	p, err := spawn()

	r.mu.Lock()
	defer r.mu.Unlock()
	s.starting = false
	if err != nil {
		return err
	}
	if r.sessions[id] != s {
		gone := errors.Wrapf(ErrSessionNotFound, "session %s removed while starting", id)
		return errors.Join(gone, p.Kill())
	}
	s.process = p
	return nil
}

// Detach clears the session's process if p is still the one attached. It is
// a no-op for unknown sessions, e.g. after Drain.
func (r *Registry) Detach(id string, p Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.process != p {
		return false
	}
	s.process = nil
	return true
}

// Process returns the attached process, if any.
func (r *Registry) Process(id string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.process == nil {
		return nil, false
	}
	return s.process, true
}

// IsAttached reports whether p is still the process running id's turn.
func (r *Registry) IsAttached(id string, p Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && p != nil && s.process == p
}

// MarkCancelled flags the session's current turn as cancelled. It returns
// false for unknown sessions.
func (r *Registry) MarkCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.cancelled = true
	return true
}

func (r *Registry) Cancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && s.cancelled
}

// IDs returns every known session id, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain removes every session and returns the processes that were attached.
func (r *Registry) Drain() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var live []Process
	for _, s := range r.sessions {
		if s.process != nil {
			live = append(live, s.process)
		}
	}
	r.sessions = make(map[string]*Session)
	return live
}
