package login

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outmoded/postmile-web/internal/api"
	"github.com/outmoded/postmile-web/internal/provider"
	"github.com/outmoded/postmile-web/internal/session"
	"github.com/outmoded/postmile-web/internal/storage"
	"github.com/outmoded/postmile-web/internal/ticket"
)

// fakeAPI is a scripted stand-in for the API server. It always issues app
// tickets; the login and rsvp behavior is configured per test.
type fakeAPI struct {
	t *testing.T

	loginStatus int
	loginBody   string
	rsvpStatus  int
	rsvpBody    string

	loginCalls atomic.Int32
	rsvpCalls  atomic.Int32
	lastLogin  map[string]string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oz/app", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"app-t1","key":"app-k1","algorithm":"sha256","app":"postmile.web"}`))
	})
	mux.HandleFunc("POST /oz/login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls.Add(1)
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastLogin))
		w.WriteHeader(f.loginStatus)
		w.Write([]byte(f.loginBody))
	})
	mux.HandleFunc("POST /oz/rsvp", func(w http.ResponseWriter, r *http.Request) {
		f.rsvpCalls.Add(1)
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(f.t, "r1", body["rsvp"])
		w.WriteHeader(f.rsvpStatus)
		w.Write([]byte(f.rsvpBody))
	})
	return mux
}

func userTicketBody(tos int64) string {
	t := ticket.Ticket{
		ID:        "user-t1",
		Key:       "user-k1",
		Algorithm: "sha256",
		User:      "u1",
		Ext:       ticket.Ext{Tos: tos},
	}
	encoded, _ := json.Marshal(t)
	return string(encoded)
}

func newTestFinalizer(t *testing.T, fake *fakeAPI) (*Finalizer, *session.Manager, *httptest.Server) {
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client := api.New(server.URL, ticket.Credential{ID: "postmile.web", Key: "app-key", Algorithm: "sha256"})
	sessions := session.NewManager(storage.NewMemoryStorage())
	return NewFinalizer(client, sessions), sessions, server
}

func TestFinalizeEmailToken(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20110623),
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "email",
		ID:        "tok123",
	})
	require.NoError(t, err)

	assert.Equal(t, KindAuthenticated, outcome.Kind)
	assert.Equal(t, "/", outcome.Redirect)
	assert.Equal(t, map[string]string{"type": "email", "id": "tok123"}, fake.lastLogin)

	sess, err := sessions.Get(context.Background(), "sess1")
	require.NoError(t, err)
	require.NotNil(t, sess.Ticket)
	assert.Equal(t, "user-t1", sess.Ticket.ID)
	assert.Equal(t, "u1", sess.UserID)
	assert.Empty(t, sess.Restriction)
}

func TestFinalizeHonorsDestination(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20110623),
	}
	finalizer, _, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID:   "sess1",
		Type:        "email",
		ID:          "tok123",
		Destination: "/projects/42",
	})
	require.NoError(t, err)
	assert.Equal(t, "/projects/42", outcome.Redirect)
}

func TestFinalizeDiscardsUnsafeDestination(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20110623),
	}
	finalizer, _, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID:   "sess1",
		Type:        "email",
		ID:          "tok123",
		Destination: "//evil.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "/", outcome.Redirect)
}

func TestFinalizeUnknownNetworkAccountParksSignup(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusForbidden,
		loginBody:   `{"error":"unknown account"}`,
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	// A stale credential from an earlier login must not survive the attempt
	_, err := sessions.Set(context.Background(), "sess1", &ticket.Ticket{
		ID: "old", Key: "old", Algorithm: "sha256", Ext: ticket.Ext{Tos: 20110623},
	})
	require.NoError(t, err)

	ident := &provider.Identity{Network: "twitter", ID: "12345", Username: "steve", Name: "Steve"}
	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "twitter",
		ID:        ident.ID,
		Account:   ident,
	})
	require.NoError(t, err)

	assert.Equal(t, KindSignupRequired, outcome.Kind)
	assert.Equal(t, "/signup/register", outcome.Redirect)
	assert.Equal(t, int32(0), fake.rsvpCalls.Load())

	_, err = sessions.Get(context.Background(), "sess1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	signup, err := sessions.TakeSignup(context.Background(), "sess1")
	require.NoError(t, err)
	require.NotNil(t, signup)
	assert.Equal(t, "twitter", signup.Network)
	assert.Equal(t, "12345", signup.ID)
}

func TestFinalizeEmailRejectionCarriesMessage(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusBadRequest,
		loginBody:   `{"message":"Invalid email token"}`,
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "email",
		ID:        "expired-token",
	})
	require.NoError(t, err)

	assert.Equal(t, KindFailed, outcome.Kind)
	assert.Equal(t, "/", outcome.Redirect)
	assert.Equal(t, "Invalid email token", outcome.Message)

	message, err := sessions.TakeMessage(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "Invalid email token", message)
}

func TestFinalizeRsvpRejectionIsTerminal(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusBadRequest,
		rsvpBody:    `{"error":"expired rsvp"}`,
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	ident := &provider.Identity{Network: "twitter", ID: "12345"}
	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "twitter",
		ID:        ident.ID,
		Account:   ident,
	})
	require.NoError(t, err)

	assert.Equal(t, KindFailed, outcome.Kind)
	assert.Equal(t, "/", outcome.Redirect)

	// No signup fallback on this branch
	signup, err := sessions.TakeSignup(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Nil(t, signup)
}

func TestFinalizeTosRestrictionRedirects(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20100101),
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID:   "sess1",
		Type:        "email",
		ID:          "tok123",
		Destination: "/projects/42",
	})
	require.NoError(t, err)

	assert.Equal(t, KindAuthenticated, outcome.Kind)
	assert.Equal(t, "/tos?next=%2Fprojects%2F42", outcome.Redirect)

	sess, err := sessions.Get(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, session.RestrictionTOS, sess.Restriction)
}

func TestFinalizeTosRestrictionSkipsAccountArea(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20100101),
	}
	finalizer, _, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID:   "sess1",
		Type:        "email",
		ID:          "tok123",
		Destination: "/account/emails",
	})
	require.NoError(t, err)
	assert.Equal(t, "/account/emails", outcome.Redirect)

	// Prefix lookalikes outside the account area still go to the terms page
	outcome, err = finalizer.Finalize(context.Background(), Request{
		SessionID:   "sess2",
		Type:        "email",
		ID:          "tok123",
		Destination: "/accounting",
	})
	require.NoError(t, err)
	assert.Equal(t, "/tos?next=%2Faccounting", outcome.Redirect)
}

func TestFinalizeReminderAction(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1","ext":{"action":{"type":"reminder"}}}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20110623),
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "email",
		ID:        "tok123",
	})
	require.NoError(t, err)

	assert.Equal(t, "/account/linked", outcome.Redirect)
	message, err := sessions.TakeMessage(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Contains(t, message, "link your account")
}

func TestFinalizeVerifyAction(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1","ext":{"action":{"type":"verify"}}}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    userTicketBody(20110623),
	}
	finalizer, sessions, _ := newTestFinalizer(t, fake)

	outcome, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "email",
		ID:        "tok123",
	})
	require.NoError(t, err)

	assert.Equal(t, "/account/emails", outcome.Redirect)
	message, err := sessions.TakeMessage(context.Background(), "sess1")
	require.NoError(t, err)
	assert.Equal(t, "Email address verified", message)
}

func TestFinalizeInvalidTicketFails(t *testing.T) {
	fake := &fakeAPI{
		t:           t,
		loginStatus: http.StatusOK,
		loginBody:   `{"rsvp":"r1"}`,
		rsvpStatus:  http.StatusOK,
		rsvpBody:    `{"id":"user-t1"}`,
	}
	finalizer, _, _ := newTestFinalizer(t, fake)

	_, err := finalizer.Finalize(context.Background(), Request{
		SessionID: "sess1",
		Type:      "email",
		ID:        "tok123",
	})
	assert.ErrorIs(t, err, session.ErrInvalidTicket)
}
