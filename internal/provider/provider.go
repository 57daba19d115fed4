// Package provider implements the third-party login handshakes. Each
// network is driven by a Driver that starts a handshake and completes it
// when the browser returns, yielding the verified identity.
package provider

import (
	"context"
	"net/http"

	"github.com/outmoded/postmile-web/internal/storage"
)

// Identity is a verified third-party account. Only Network and ID are
// guaranteed; the profile fields are best-effort enrichment.
type Identity struct {
	Network  string
	ID       string
	Username string
	Name     string
	Email    string
}

// Driver runs one network's handshake. Begin returns the URL to send the
// browser to plus the state that must survive until the callback; Complete
// consumes that state together with the callback request and returns the
// verified identity.
type Driver interface {
	// Network returns the network name used in routes and account links
	Network() string

	// HasCallback reports whether the request is the provider's redirect
	// back to us, as opposed to a fresh handshake start
	HasCallback(r *http.Request) bool

	// Begin starts a handshake. The display hint selects a mobile or
	// desktop authorization page on networks that support it.
	Begin(ctx context.Context, display string) (string, storage.HandshakeState, error)

	// Complete finishes a handshake from the callback request and the
	// state saved by Begin
	Complete(ctx context.Context, r *http.Request, state storage.HandshakeState) (*Identity, error)
}
