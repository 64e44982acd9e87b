package channel

import (
	"sync"

	"github.com/victornm/peerprep/internal/errors"
)

// Registry keeps at most one live Session per session id.
type Registry struct {
	config Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(c Config) *Registry {
	return &Registry{
		config:   c,
		sessions: make(map[string]*Session),
	}
}

// Open creates the session's replicas and starts connecting. Opening an id that is already
// live fails with AlreadyExists.
func (r *Registry) Open(sessionID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("session %s is already open", sessionID))
	}

	s := newSession(r.config, sessionID, userID)
	r.sessions[sessionID] = s
	return s, nil
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Destroy removes the session and tears it down. Unknown ids are ignored.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		s.Destroy()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
