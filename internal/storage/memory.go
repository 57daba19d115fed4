package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage implements Store with in-process maps. State does not
// survive restarts, which matches the transient nature of everything stored
// here except sessions; use the Firestore backend when sessions must
// survive a deploy.
type MemoryStorage struct {
	mu         sync.RWMutex
	handshakes map[string]HandshakeState
	sessions   map[string]Session
	messages   map[string]string
	signups    map[string]SignupAccount
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		handshakes: make(map[string]HandshakeState),
		sessions:   make(map[string]Session),
		messages:   make(map[string]string),
		signups:    make(map[string]SignupAccount),
	}
}

func handshakeKey(sessionID, provider string) string {
	return sessionID + ":" + provider
}

func (s *MemoryStorage) SaveHandshake(ctx context.Context, sessionID string, state HandshakeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakes[handshakeKey(sessionID, state.Provider)] = state
	return nil
}

func (s *MemoryStorage) TakeHandshake(ctx context.Context, sessionID, provider string) (HandshakeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := handshakeKey(sessionID, provider)
	state, ok := s.handshakes[key]
	if !ok {
		return HandshakeState{}, ErrHandshakeNotFound
	}
	delete(s.handshakes, key)
	return state, nil
}

func (s *MemoryStorage) PutSession(ctx context.Context, sessionID string, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStorage) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.signups, sessionID)
	return nil
}

func (s *MemoryStorage) SetMessage(ctx context.Context, sessionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = message
	return nil
}

func (s *MemoryStorage) TakeMessage(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[sessionID]
	if !ok {
		return "", nil
	}
	delete(s.messages, sessionID)
	return message, nil
}

func (s *MemoryStorage) SetSignup(ctx context.Context, sessionID string, account SignupAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signups[sessionID] = account
	return nil
}

func (s *MemoryStorage) TakeSignup(ctx context.Context, sessionID string) (*SignupAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.signups[sessionID]
	if !ok {
		return nil, nil
	}
	delete(s.signups, sessionID)
	return &account, nil
}

func (s *MemoryStorage) CleanupExpiredHandshakes(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, state := range s.handshakes {
		if state.CreatedAt.Before(cutoff) {
			delete(s.handshakes, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
