package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outmoded/postmile-web/internal/api"
	"github.com/outmoded/postmile-web/internal/login"
	"github.com/outmoded/postmile-web/internal/provider"
	"github.com/outmoded/postmile-web/internal/session"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
)

// fakeDriver is a scripted provider driver
type fakeDriver struct {
	network       string
	beginURL      string
	ident         *provider.Identity
	completeErr   error
	completeCalls atomic.Int32
}

func (d *fakeDriver) Network() string { return d.network }

func (d *fakeDriver) HasCallback(r *http.Request) bool {
	return r.URL.Query().Get("code") != ""
}

func (d *fakeDriver) Begin(ctx context.Context, display string) (string, storage.HandshakeState, error) {
	return d.beginURL, storage.HandshakeState{
		Provider:  d.network,
		Nonce:     "n1",
		CreatedAt: time.Now(),
	}, nil
}

func (d *fakeDriver) Complete(ctx context.Context, r *http.Request, state storage.HandshakeState) (*provider.Identity, error) {
	d.completeCalls.Add(1)
	if d.completeErr != nil {
		return nil, d.completeErr
	}
	return d.ident, nil
}

type testEnv struct {
	handlers *AuthHandlers
	sessions *session.Manager
	store    storage.Store
	driver   *fakeDriver

	apiPaths []string
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{}

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.apiPaths = append(env.apiPaths, r.Method+" "+r.URL.Path)
		switch {
		case r.URL.Path == "/oz/app":
			w.Write([]byte(`{"id":"app-t1","key":"app-k1","algorithm":"sha256"}`))
		case r.URL.Path == "/oz/login":
			w.Write([]byte(`{"rsvp":"r1"}`))
		case r.URL.Path == "/oz/rsvp":
			w.Write([]byte(`{"id":"user-t1","key":"user-k1","algorithm":"sha256","user":"u1","ext":{"tos":20110623}}`))
		case strings.HasPrefix(r.URL.Path, "/user/"):
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected API call %s", r.URL.Path)
		}
	}))
	t.Cleanup(apiServer.Close)

	env.store = storage.NewMemoryStorage()
	env.sessions = session.NewManager(env.store)
	apiClient := api.New(apiServer.URL, ticket.Credential{ID: "postmile.web", Key: "k", Algorithm: "sha256"})
	finalizer := login.NewFinalizer(apiClient, env.sessions)

	env.driver = &fakeDriver{
		network:  "facebook",
		beginURL: "https://facebook.example.com/authorize?state=n1",
		ident:    &provider.Identity{Network: "facebook", ID: "fb-123", Name: "Steve"},
	}
	env.handlers = NewAuthHandlers(
		map[string]provider.Driver{"facebook": env.driver},
		finalizer,
		env.sessions,
		env.store,
		nil,
	)
	return env
}

func sessionRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.AddCookie(&http.Cookie{Name: "postmile_sid", Value: "sess1"})
	return r
}

func TestAuthHandlerBeginsHandshake(t *testing.T) {
	env := newTestEnv(t)

	r := sessionRequest(http.MethodGet, "/auth/facebook")
	r.SetPathValue("provider", "facebook")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, env.driver.beginURL, w.Header().Get("Location"))

	state, err := env.store.TakeHandshake(context.Background(), "sess1", "facebook")
	require.NoError(t, err)
	assert.Equal(t, "n1", state.Nonce)
}

func TestAuthHandlerCompletesHandshake(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveHandshake(context.Background(), "sess1", storage.HandshakeState{
		Provider: "facebook", Nonce: "n1", CreatedAt: time.Now(),
	}))

	r := sessionRequest(http.MethodGet, "/auth/facebook?code=c1&state=n1")
	r.SetPathValue("provider", "facebook")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	assert.Equal(t, int32(1), env.driver.completeCalls.Load())

	sess, err := env.sessions.Get(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
}

func TestAuthHandlerRejectsReplayedCallback(t *testing.T) {
	env := newTestEnv(t)

	// No pending handshake state for this session
	r := sessionRequest(http.MethodGet, "/auth/facebook?code=c1&state=n1")
	r.SetPathValue("provider", "facebook")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	assert.Equal(t, int32(0), env.driver.completeCalls.Load(), "driver never sees a callback without state")
}

func TestAuthHandlerUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	r := sessionRequest(http.MethodGet, "/auth/myspace")
	r.SetPathValue("provider", "myspace")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthHandlerUserDeclined(t *testing.T) {
	env := newTestEnv(t)

	r := sessionRequest(http.MethodGet, "/auth/facebook?error=access_denied")
	r.SetPathValue("provider", "facebook")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestAuthHandlerLinksWhenAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Set(ctx, "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", User: "u1", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.SaveHandshake(ctx, "sess1", storage.HandshakeState{
		Provider: "facebook", Nonce: "n1", CreatedAt: time.Now(),
	}))

	r := sessionRequest(http.MethodGet, "/auth/facebook?code=c1&state=n1")
	r.SetPathValue("provider", "facebook")
	w := httptest.NewRecorder()

	env.handlers.AuthHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/account/linked", w.Header().Get("Location"))
	assert.Contains(t, env.apiPaths, "POST /user/u1/link/facebook")

	// The session credential is untouched
	sess, err := env.sessions.Get(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.Ticket.ID)
}

func TestLoginHandlerAnonymous(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.sessions.SetMessage(context.Background(), "sess1", "Invalid email token"))

	r := sessionRequest(http.MethodGet, "/login?next=/projects/42")
	w := httptest.NewRecorder()

	env.handlers.LoginHandler(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"next":"/projects/42","message":"Invalid email token"}`, w.Body.String())
}

func TestLoginHandlerAuthenticatedRedirects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodGet, "/login?next=/projects/42")
	w := httptest.NewRecorder()

	env.handlers.LoginHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/projects/42", w.Header().Get("Location"))
}

func TestLoginHandlerTosRestricted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20100101},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodGet, "/login?next=/projects/42")
	w := httptest.NewRecorder()

	env.handlers.LoginHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/tos?next=%2Fprojects%2F42", w.Header().Get("Location"))
}

func TestLoginHandlerDiscardsUnsafeNext(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodGet, "/login?next=https://evil.example.com/")
	w := httptest.NewRecorder()

	env.handlers.LoginHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

func TestLogoutHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.sessions.Set(ctx, "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodGet, "/logout")
	w := httptest.NewRecorder()

	env.handlers.LogoutHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	_, err = env.sessions.Get(ctx, "sess1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestUnlinkHandlerRejectsUnknownNetwork(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", User: "u1", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodPost, "/account/unlink?network=github")
	w := httptest.NewRecorder()

	env.handlers.UnlinkHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/account/linked", w.Header().Get("Location"))
	assert.NotContains(t, env.apiPaths, "DELETE /user/u1/link/github")
}

func TestUnlinkHandlerRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	r := sessionRequest(http.MethodPost, "/account/unlink?network=twitter")
	w := httptest.NewRecorder()

	env.handlers.UnlinkHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestUnlinkHandlerDetachesAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "t1", Key: "k1", Algorithm: "sha256", User: "u1", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	r := sessionRequest(http.MethodPost, "/account/unlink?network=twitter")
	w := httptest.NewRecorder()

	env.handlers.UnlinkHandler(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/account/linked", w.Header().Get("Location"))
	assert.Contains(t, env.apiPaths, "DELETE /user/u1/link/twitter")
}
