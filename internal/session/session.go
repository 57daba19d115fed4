// Package session manages the server-side browser session: the user ticket
// credential, the access restriction derived from it, and one-time flash
// data.
package session

import (
	"context"
	"errors"

	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
)

// minimumTOS is the earliest accepted terms-of-service revision (yyyymmdd).
// Tickets recording an older acceptance, or none, restrict the session to
// the terms page until the user re-accepts.
const minimumTOS = 20110623

// ErrInvalidTicket is returned when the API server hands back a ticket
// missing its credential fields
var ErrInvalidTicket = errors.New("invalid ticket issued by API server")

// RestrictionTOS marks a session that must accept the current terms of
// service before using the rest of the site
const RestrictionTOS = "tos"

// Manager stores and retrieves session state
type Manager struct {
	store storage.Store
}

// NewManager creates a session manager on the given store
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Set validates the ticket shape, derives the session restriction, and
// stores the ticket as the session credential. Returns the restriction, ""
// when unrestricted.
func (m *Manager) Set(ctx context.Context, sessionID string, t *ticket.Ticket) (string, error) {
	if !t.Valid() {
		return "", ErrInvalidTicket
	}

	restriction := ""
	if t.Ext.Tos < minimumTOS {
		restriction = RestrictionTOS
	}

	err := m.store.PutSession(ctx, sessionID, storage.Session{
		Ticket:      t,
		UserID:      t.User,
		Restriction: restriction,
	})
	if err != nil {
		return "", err
	}

	log.LogDebugWithFields("session", "Session credential set", map[string]any{
		"user":        t.User,
		"restriction": restriction,
	})
	return restriction, nil
}

// Get returns the session record or storage.ErrSessionNotFound
func (m *Manager) Get(ctx context.Context, sessionID string) (storage.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Clear removes the session record and any flash data
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	return m.store.ClearSession(ctx, sessionID)
}

// SetMessage stores a one-time message for the next page view
func (m *Manager) SetMessage(ctx context.Context, sessionID, message string) error {
	return m.store.SetMessage(ctx, sessionID, message)
}

// TakeMessage returns and clears the one-time message, "" when none
func (m *Manager) TakeMessage(ctx context.Context, sessionID string) (string, error) {
	return m.store.TakeMessage(ctx, sessionID)
}

// SetSignup parks a third-party account pending registration
func (m *Manager) SetSignup(ctx context.Context, sessionID string, account storage.SignupAccount) error {
	return m.store.SetSignup(ctx, sessionID, account)
}

// TakeSignup returns and clears the parked account, nil when none
func (m *Manager) TakeSignup(ctx context.Context, sessionID string) (*storage.SignupAccount, error) {
	return m.store.TakeSignup(ctx, sessionID)
}
