package session

import (
	"fmt"
	"sync"

	"github.com/guseggert/stdiosse/bridge/message"
	"go.uber.org/zap"
)

// Registry is the set of connected sessions, kept in registration order.
// It is safe for concurrent use.
type Registry struct {
	log *zap.SugaredLogger

	m        sync.Mutex
	sessions []Session
	byID     map[string]Session
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:  log,
		byID: map[string]Session{},
	}
}

func (r *Registry) Register(s Session) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.byID[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	r.byID[s.ID()] = s
	r.sessions = append(r.sessions, s)
	r.log.Debugw("registered session", "Session", s.ID(), "Sessions", len(r.sessions))
	return nil
}

// Deregister removes and closes the session with the given ID.
// It returns false if no such session is registered, which is not an error.
func (r *Registry) Deregister(id string) bool {
	r.m.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.m.Unlock()
		return false
	}
	delete(r.byID, id)
	for i := 0; i < len(r.sessions); i++ {
		if r.sessions[i] == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	n := len(r.sessions)
	r.m.Unlock()

	s.Close()
	r.log.Debugw("deregistered session", "Session", id, "Sessions", n)
	return true
}

func (r *Registry) Has(id string) bool {
	r.m.Lock()
	defer r.m.Unlock()
	_, ok := r.byID[id]
	return ok
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current members. Later membership changes do not affect it.
func (r *Registry) Snapshot() []Session {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]Session(nil), r.sessions...)
}

func (r *Registry) isMember(s Session) bool {
	r.m.Lock()
	defer r.m.Unlock()
	return r.byID[s.ID()] == s
}

// Broadcast delivers m to every session registered when the call starts.
//
// Sessions registered during the pass do not get m. Sessions deregistered during the pass are
// skipped from then on. A session whose delivery fails is deregistered, and the remaining members
// are still delivered to. It returns the number of sessions m was delivered to.
func (r *Registry) Broadcast(m message.Message) int {
	delivered := 0
	for _, s := range r.Snapshot() {
		if !r.isMember(s) {
			continue
		}
		err := s.Deliver(m)
		if err != nil {
			r.log.Infow("delivery failed, dropping session", "Session", s.ID(), "Error", err)
			r.Deregister(s.ID())
			continue
		}
		delivered++
	}
	return delivered
}
