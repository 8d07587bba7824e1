package server

import (
	"sync"

	"github.com/sidkik/deltasync/pkg/metrics"
)

// registry tracks the sessions connected to this server process.
type registry struct {
	mutex    sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: map[string]*session{}}
}

func (r *registry) Add(s *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		metrics.Sessions.Inc()
	}
	r.sessions[s.id] = s
}

func (r *registry) Remove(s *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		metrics.Sessions.Dec()
	}
	delete(r.sessions, s.id)
}

// ForUser returns the sessions of `username`.
func (r *registry) ForUser(username string) []*session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var sessions []*session
	for _, s := range r.sessions {
		if s.username == username {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session, waiting for the ones that are writing to
// finish first.
func (r *registry) CloseAll() {
	r.mutex.Lock()
	var sessions []*session
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mutex.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
