package server

import (
	"errors"
	"net/http"
	"net/url"
	"slices"

	"github.com/outmoded/postmile-web/internal/cookie"
	"github.com/outmoded/postmile-web/internal/json"
	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/login"
	"github.com/outmoded/postmile-web/internal/provider"
	"github.com/outmoded/postmile-web/internal/session"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/urlutil"
)

// linkableNetworks are the networks accepted by the unlink endpoint. The
// network name is caller-supplied, so it is checked against this list
// before being placed in an API path.
var linkableNetworks = []string{"twitter", "facebook", "yahoo"}

// DeviceClassifier inspects a request and returns a display hint for the
// provider authorization page, "" for the default desktop page. Device
// detection lives outside this package; the default classifier never
// reports mobile.
type DeviceClassifier func(r *http.Request) string

func defaultDeviceClassifier(r *http.Request) string {
	return ""
}

// AuthHandlers serves the login, logout, and third-party handshake routes
type AuthHandlers struct {
	drivers     map[string]provider.Driver
	finalizer   *login.Finalizer
	sessions    *session.Manager
	store       storage.Store
	deviceClass DeviceClassifier
}

// NewAuthHandlers creates the handler set. A nil classifier means every
// handshake uses the provider's desktop page.
func NewAuthHandlers(drivers map[string]provider.Driver, finalizer *login.Finalizer, sessions *session.Manager, store storage.Store, classifier DeviceClassifier) *AuthHandlers {
	if classifier == nil {
		classifier = defaultDeviceClassifier
	}
	return &AuthHandlers{
		drivers:     drivers,
		finalizer:   finalizer,
		sessions:    sessions,
		store:       store,
		deviceClass: classifier,
	}
}

// AuthHandler serves /auth/{provider}: it either starts a handshake or
// completes one, depending on whether the request carries the provider's
// callback parameters
func (h *AuthHandlers) AuthHandler(w http.ResponseWriter, r *http.Request) {
	network := r.PathValue("provider")
	driver, ok := h.drivers[network]
	if !ok {
		json.WriteNotFound(w, "unknown login provider")
		return
	}

	sessionID, err := cookie.SessionID(w, r)
	if err != nil {
		log.LogErrorWithFields("server", "Failed to establish session cookie", map[string]any{
			"error": err.Error(),
		})
		json.WriteInternalServerError(w, "session failure")
		return
	}

	query := r.URL.Query()

	// The user declined on the provider's page. Twitter reports this as
	// "denied", OAuth2 providers as "error".
	if query.Get("denied") != "" || query.Get("error") != "" {
		log.LogInfoWithFields("server", "Login declined at provider", map[string]any{
			"provider": network,
		})
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if !driver.HasCallback(r) {
		h.beginHandshake(w, r, driver, sessionID)
		return
	}
	h.completeHandshake(w, r, driver, sessionID)
}

func (h *AuthHandlers) beginHandshake(w http.ResponseWriter, r *http.Request, driver provider.Driver, sessionID string) {
	ctx := r.Context()

	redirectURL, state, err := driver.Begin(ctx, h.deviceClass(r))
	if err != nil {
		log.LogErrorWithFields("server", "Handshake start failed", map[string]any{
			"provider": driver.Network(),
			"error":    err.Error(),
		})
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if err := h.store.SaveHandshake(ctx, sessionID, state); err != nil {
		log.LogErrorWithFields("server", "Failed to save handshake state", map[string]any{
			"provider": driver.Network(),
			"error":    err.Error(),
		})
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *AuthHandlers) completeHandshake(w http.ResponseWriter, r *http.Request, driver provider.Driver, sessionID string) {
	ctx := r.Context()
	network := driver.Network()

	// Read-once: a replayed callback finds no state and dies here
	state, err := h.store.TakeHandshake(ctx, sessionID, network)
	if err != nil {
		if errors.Is(err, storage.ErrHandshakeNotFound) {
			log.LogWarnWithFields("server", "Callback without pending handshake", map[string]any{
				"provider": network,
			})
		} else {
			log.LogErrorWithFields("server", "Failed to load handshake state", map[string]any{
				"provider": network,
				"error":    err.Error(),
			})
		}
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	ident, err := driver.Complete(ctx, r, state)
	if err != nil {
		log.LogErrorWithFields("server", "Handshake completion failed", map[string]any{
			"provider": network,
			"error":    err.Error(),
		})
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	// An authenticated session links the account instead of logging in
	if sess, err := h.sessions.Get(ctx, sessionID); err == nil && sess.Ticket != nil {
		outcome := h.finalizer.Link(ctx, sess.UserID, ident)
		http.Redirect(w, r, outcome.Redirect, http.StatusFound)
		return
	}

	outcome, err := h.finalizer.Finalize(ctx, login.Request{
		SessionID:   sessionID,
		Type:        network,
		ID:          ident.ID,
		Account:     ident,
		Destination: urlutil.SafePath(r.URL.Query().Get("x_next")),
	})
	if err != nil {
		log.LogErrorWithFields("server", "Login finalization failed", map[string]any{
			"provider": network,
			"error":    err.Error(),
		})
		json.WriteInternalServerError(w, "login failed")
		return
	}

	http.Redirect(w, r, outcome.Redirect, http.StatusFound)
}

// EmailTokenHandler serves /login/email/{token}: finalizes a login from an
// emailed one-time token
func (h *AuthHandlers) EmailTokenHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := cookie.SessionID(w, r)
	if err != nil {
		json.WriteInternalServerError(w, "session failure")
		return
	}

	outcome, err := h.finalizer.Finalize(r.Context(), login.Request{
		SessionID: sessionID,
		Type:      "email",
		ID:        r.PathValue("token"),
	})
	if err != nil {
		log.LogErrorWithFields("server", "Email token login failed", map[string]any{
			"error": err.Error(),
		})
		json.WriteInternalServerError(w, "login failed")
		return
	}

	http.Redirect(w, r, outcome.Redirect, http.StatusFound)
}

// LoginHandler serves /login: authenticated sessions are sent on their way
// (honoring any terms restriction); anonymous visitors get the login page
// state as JSON for the front-end to render
func (h *AuthHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := cookie.SessionID(w, r)
	if err != nil {
		json.WriteInternalServerError(w, "session failure")
		return
	}

	ctx := r.Context()
	next := urlutil.SafePath(r.URL.Query().Get("next"))

	sess, err := h.sessions.Get(ctx, sessionID)
	if err == nil && sess.Ticket != nil {
		if sess.Restriction == session.RestrictionTOS {
			redirect := "/tos"
			if next != "" {
				redirect += "?next=" + url.QueryEscape(next)
			}
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
		if next == "" {
			next = "/"
		}
		http.Redirect(w, r, next, http.StatusFound)
		return
	}

	message, err := h.sessions.TakeMessage(ctx, sessionID)
	if err != nil {
		log.LogWarnWithFields("server", "Failed to read flash message", map[string]any{
			"error": err.Error(),
		})
	}

	json.WriteResponse(w, http.StatusOK, map[string]string{
		"next":    next,
		"message": message,
	})
}

// LogoutHandler serves /logout: clears the server-side session and the
// session cookie
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := cookie.SessionID(w, r)
	if err == nil {
		if err := h.sessions.Clear(r.Context(), sessionID); err != nil {
			log.LogWarnWithFields("server", "Failed to clear session", map[string]any{
				"error": err.Error(),
			})
		}
	}
	cookie.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// UnlinkHandler serves POST /account/unlink: detaches a third-party account
// from the authenticated user
func (h *AuthHandlers) UnlinkHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := cookie.SessionID(w, r)
	if err != nil {
		json.WriteInternalServerError(w, "session failure")
		return
	}

	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil || sess.Ticket == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	network := r.FormValue("network")
	if !slices.Contains(linkableNetworks, network) {
		log.LogWarnWithFields("server", "Unlink request for invalid network", map[string]any{
			"network": network,
		})
		http.Redirect(w, r, "/account/linked", http.StatusFound)
		return
	}

	if err := h.finalizer.Unlink(ctx, sess.UserID, network); err != nil {
		log.LogErrorWithFields("server", "Unlink failed", map[string]any{
			"network": network,
			"error":   err.Error(),
		})
	}
	http.Redirect(w, r, "/account/linked", http.StatusFound)
}
