package server

import (
	"sync"

	"github.com/kartei-app/kartei/internal/review"
)

// sessionRegistry holds one review session per signed-in user. Sessions
// are interactive state only; losing one cannot lose persisted data.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*review.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*review.Session)}
}

func (r *sessionRegistry) forUser(userID string) *review.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok {
		session = review.NewSession()
		r.sessions[userID] = session
	}
	return session
}
