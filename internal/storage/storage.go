// Package storage defines the session and handshake state store used by the
// web front-end, with in-memory and Firestore backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/outmoded/postmile-web/internal/ticket"
)

var (
	// ErrHandshakeNotFound is returned when no handshake state exists for
	// the session and provider, including when it was already consumed
	ErrHandshakeNotFound = errors.New("handshake state not found")

	// ErrSessionNotFound is returned when no session record exists
	ErrSessionNotFound = errors.New("session not found")
)

// HandshakeState is the transient per-session record written when a
// third-party handshake starts and consumed when its callback arrives.
// Request-token providers fill Token and Secret; code-flow providers fill
// Nonce.
type HandshakeState struct {
	Provider  string    `json:"provider" firestore:"provider"`
	Token     string    `json:"token,omitempty" firestore:"token,omitempty"`
	Secret    string    `json:"secret,omitempty" firestore:"secret,omitempty"`
	Nonce     string    `json:"nonce,omitempty" firestore:"nonce,omitempty"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// Session is the server-side browser session record
type Session struct {
	Ticket      *ticket.Ticket `json:"ticket,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Restriction string         `json:"restriction,omitempty"`
}

// SignupAccount is a third-party account parked while the visitor completes
// registration
type SignupAccount struct {
	Network  string `json:"network" firestore:"network"`
	ID       string `json:"id" firestore:"id"`
	Username string `json:"username,omitempty" firestore:"username,omitempty"`
	Name     string `json:"name,omitempty" firestore:"name,omitempty"`
	Email    string `json:"email,omitempty" firestore:"email,omitempty"`
}

// Store persists sessions, handshake state, and flash data across requests.
// Take operations are read-once: a successful read removes the record, so a
// second read fails.
type Store interface {
	// SaveHandshake stores handshake state keyed by session and provider,
	// replacing any previous state for that pair
	SaveHandshake(ctx context.Context, sessionID string, state HandshakeState) error

	// TakeHandshake returns and removes the handshake state for the
	// session and provider, or ErrHandshakeNotFound
	TakeHandshake(ctx context.Context, sessionID, provider string) (HandshakeState, error)

	// PutSession stores the session record, replacing any previous one
	PutSession(ctx context.Context, sessionID string, session Session) error

	// GetSession returns the session record or ErrSessionNotFound
	GetSession(ctx context.Context, sessionID string) (Session, error)

	// ClearSession removes the session record and any parked signup or
	// flash message. Missing records are not an error.
	ClearSession(ctx context.Context, sessionID string) error

	// SetMessage stores a one-time message shown on the next page view
	SetMessage(ctx context.Context, sessionID, message string) error

	// TakeMessage returns and removes the one-time message, or "" when
	// none is set
	TakeMessage(ctx context.Context, sessionID string) (string, error)

	// SetSignup parks a third-party account pending registration
	SetSignup(ctx context.Context, sessionID string, account SignupAccount) error

	// TakeSignup returns and removes the parked account, or nil when none
	// is set
	TakeSignup(ctx context.Context, sessionID string) (*SignupAccount, error)

	// CleanupExpiredHandshakes removes handshake state older than maxAge
	// and returns the number removed
	CleanupExpiredHandshakes(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases backend resources
	Close() error
}
