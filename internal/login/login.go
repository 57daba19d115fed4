// Package login turns a proven identity claim into an authenticated
// session by exchanging it with the API server, and decides where the
// browser goes next.
package login

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/outmoded/postmile-web/internal/api"
	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/provider"
	"github.com/outmoded/postmile-web/internal/session"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
	"github.com/outmoded/postmile-web/internal/urlutil"
)

// Kind classifies a finalization outcome
type Kind int

const (
	// KindAuthenticated means a user ticket was issued and stored
	KindAuthenticated Kind = iota

	// KindSignupRequired means the third-party account is unknown and was
	// parked for registration
	KindSignupRequired

	// KindLinked means the account was attached to the already
	// authenticated session instead of starting a new one
	KindLinked

	// KindFailed means the claim was rejected with no recovery path
	KindFailed
)

// Outcome is the result of finalizing a login attempt
type Outcome struct {
	Kind     Kind
	Redirect string
	Message  string
	Ticket   *ticket.Ticket
	Account  *provider.Identity
}

// Request is one identity claim to finalize. Type is a network name or
// "email"; ID is the account id on that network or the emailed token.
// Account carries the full identity for network claims and is nil for email
// tokens. Destination is the requested post-login path, not yet sanitized.
type Request struct {
	SessionID   string
	Type        string
	ID          string
	Account     *provider.Identity
	Destination string
}

// Action messages attached when the API server requests a post-login hint
const (
	reminderMessage = "You made it in! Now link your account to Facebook, Twitter, or Yahoo! to make sign-in easier next time."
	verifyMessage   = "Email address verified"
)

// Finalizer exchanges identity claims for session credentials
type Finalizer struct {
	api      *api.Client
	sessions *session.Manager
}

// NewFinalizer creates a finalizer on the given API client and session
// manager
func NewFinalizer(apiClient *api.Client, sessions *session.Manager) *Finalizer {
	return &Finalizer{api: apiClient, sessions: sessions}
}

type loginResponse struct {
	Rsvp string `json:"rsvp"`
	Ext  *struct {
		Action *struct {
			Type string `json:"type"`
		} `json:"action"`
	} `json:"ext"`
}

// Finalize runs the login sequence: present the claim, redeem the returned
// rsvp for a user ticket, store the ticket as the session credential, and
// pick the browser's next destination. Transport and protocol failures
// against the API server are returned as errors; rejected claims produce a
// non-authenticated Outcome instead.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (Outcome, error) {
	destination := urlutil.SafePath(req.Destination)

	code, payload, err := f.api.ClientCall(ctx, http.MethodPost, "/oz/login", map[string]string{
		"type": req.Type,
		"id":   req.ID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("login call: %w", err)
	}

	if code != http.StatusOK {
		return f.rejected(ctx, req, code, payload)
	}

	var login loginResponse
	if err := json.Unmarshal(payload, &login); err != nil || login.Rsvp == "" {
		return Outcome{}, fmt.Errorf("login response missing rsvp")
	}

	code, payload, err = f.api.ClientCall(ctx, http.MethodPost, "/oz/rsvp", map[string]string{
		"rsvp": login.Rsvp,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("rsvp call: %w", err)
	}
	if code != http.StatusOK {
		// The rsvp was just issued, so a rejection here is a server-side
		// inconsistency. Terminal: no signup fallback.
		log.LogErrorWithFields("login", "Rsvp redemption rejected", map[string]any{
			"type":   req.Type,
			"status": code,
		})
		return Outcome{Kind: KindFailed, Redirect: "/"}, nil
	}

	var userTicket ticket.Ticket
	if err := json.Unmarshal(payload, &userTicket); err != nil {
		return Outcome{}, fmt.Errorf("parsing user ticket: %w", err)
	}

	restriction, err := f.sessions.Set(ctx, req.SessionID, &userTicket)
	if err != nil {
		return Outcome{}, fmt.Errorf("storing session credential: %w", err)
	}

	message := ""
	if login.Ext != nil && login.Ext.Action != nil {
		switch login.Ext.Action.Type {
		case "reminder":
			message = reminderMessage
			destination = "/account/linked"
		case "verify":
			message = verifyMessage
			destination = "/account/emails"
		}
	}
	if message != "" {
		if err := f.sessions.SetMessage(ctx, req.SessionID, message); err != nil {
			log.LogWarnWithFields("login", "Failed to store action message", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// A terms-restricted session goes to the terms page first, unless it is
	// already headed into the account area where re-acceptance lives.
	if restriction == session.RestrictionTOS && !inAccountArea(destination) {
		redirect := "/tos"
		if destination != "" {
			redirect += "?next=" + url.QueryEscape(destination)
		}
		return Outcome{Kind: KindAuthenticated, Redirect: redirect, Message: message, Ticket: &userTicket}, nil
	}

	if destination == "" {
		destination = "/"
	}
	return Outcome{Kind: KindAuthenticated, Redirect: destination, Message: message, Ticket: &userTicket}, nil
}

// rejected handles a non-200 login response. Any stale session credential
// is cleared first so a failed attempt cannot leave the browser logged in.
func (f *Finalizer) rejected(ctx context.Context, req Request, code int, payload json.RawMessage) (Outcome, error) {
	if err := f.sessions.Clear(ctx, req.SessionID); err != nil {
		log.LogWarnWithFields("login", "Failed to clear session after rejected login", map[string]any{
			"error": err.Error(),
		})
	}

	if req.Type == "email" {
		var rejection struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &rejection)
		if rejection.Message != "" {
			if err := f.sessions.SetMessage(ctx, req.SessionID, rejection.Message); err != nil {
				log.LogWarnWithFields("login", "Failed to store rejection message", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return Outcome{Kind: KindFailed, Redirect: "/", Message: rejection.Message}, nil
	}

	if req.Account != nil {
		err := f.sessions.SetSignup(ctx, req.SessionID, storage.SignupAccount{
			Network:  req.Account.Network,
			ID:       req.Account.ID,
			Username: req.Account.Username,
			Name:     req.Account.Name,
			Email:    req.Account.Email,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("parking signup account: %w", err)
		}
		log.LogInfoWithFields("login", "Unknown account, redirecting to signup", map[string]any{
			"network": req.Account.Network,
			"status":  code,
		})
		return Outcome{Kind: KindSignupRequired, Redirect: "/signup/register", Account: req.Account}, nil
	}

	return Outcome{Kind: KindFailed, Redirect: "/"}, nil
}

// Link attaches a third-party account to the given user instead of logging
// in. API failures are logged but do not surface: the session stays intact
// and the browser lands on the linked-accounts page either way.
func (f *Finalizer) Link(ctx context.Context, userID string, ident *provider.Identity) Outcome {
	code, _, err := f.api.ClientCall(ctx, http.MethodPost, "/user/"+url.PathEscape(userID)+"/link/"+ident.Network, map[string]string{
		"id": ident.ID,
	})
	if err != nil {
		log.LogErrorWithFields("login", "Account link failed", map[string]any{
			"network": ident.Network,
			"error":   err.Error(),
		})
	} else if code != http.StatusOK {
		log.LogErrorWithFields("login", "Account link rejected", map[string]any{
			"network": ident.Network,
			"status":  code,
		})
	}
	return Outcome{Kind: KindLinked, Redirect: "/account/linked", Account: ident}
}

// Unlink detaches a third-party account from the given user
func (f *Finalizer) Unlink(ctx context.Context, userID, network string) error {
	code, _, err := f.api.ClientCall(ctx, http.MethodDelete, "/user/"+url.PathEscape(userID)+"/link/"+network, nil)
	if err != nil {
		return fmt.Errorf("unlink call: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unlink rejected with status %d", code)
	}
	return nil
}

// inAccountArea reports whether the path is the account area itself or a
// page under it. Plain prefix matching would also capture paths like
// /accounting.
func inAccountArea(path string) bool {
	return path == "/account" || strings.HasPrefix(path, "/account/")
}
