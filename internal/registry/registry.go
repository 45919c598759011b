package registry

import (
	"context"
	"sync"

	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/secure"
)

// Peer is a connected client the server can push replies to.
type Peer interface {
	SendMessage(reply *secure.Reply) error
	Close() error
}

// ServerEndpoint is the server-side media leg of one client connection.
type ServerEndpoint interface {
	SetRemoteAnswer(ctx context.Context, sdp protocol.SessionDescription) error
	AddRemoteCandidate(candidate protocol.IceCandidate) error
	Close() error
}

// Session is the per-connection state kept while a user is online.
type Session struct {
	UserID string
	Peer   Peer
	AESKey []byte

	mu              sync.Mutex
	endpoint        ServerEndpoint
	modelPreference string
}

// SetEndpoint swaps in a new media endpoint, closing the previous one.
func (s *Session) SetEndpoint(endpoint ServerEndpoint) {
	s.mu.Lock()
	previous := s.endpoint
	s.endpoint = endpoint
	s.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
}

// Endpoint returns the current media endpoint, or nil.
func (s *Session) Endpoint() ServerEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// TakeEndpoint detaches and returns the current media endpoint.
func (s *Session) TakeEndpoint() ServerEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint := s.endpoint
	s.endpoint = nil
	return endpoint
}

// SetModelPreference records which transcription model feeds this user.
func (s *Session) SetModelPreference(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelPreference = model
}

// ModelPreference returns the selected model, defaulting to the lip reader.
func (s *Session) ModelPreference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelPreference == "" {
		return protocol.ModelLip
	}
	return s.modelPreference
}

// Sessions tracks online users by id.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Add registers a session for userID, returning any session it displaced.
func (r *Sessions) Add(session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessions[session.UserID]
	r.sessions[session.UserID] = session
	return previous
}

// Get returns the session for userID, or nil when the user is offline.
func (r *Sessions) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Remove drops the session for userID, but only when it is still the one
// given. A reconnect may already have replaced it.
func (r *Sessions) Remove(session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.UserID]
	if !ok || current != session {
		return false
	}
	delete(r.sessions, session.UserID)
	return true
}

// Online reports whether userID currently has a session.
func (r *Sessions) Online(userID string) bool {
	return r.Get(userID) != nil
}
