package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mrjones/oauth"

	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/storage"
)

// profileFetcher enriches an identity using a signed client for the
// network's profile API. Enrichment failures are swallowed: the login
// proceeds on the verified account id alone.
type profileFetcher func(ctx context.Context, client *http.Client, ident *Identity)

// oauth1Driver implements the request-token handshake shared by Twitter and
// Yahoo!. The per-network differences are the endpoints, the name of the
// user id parameter in the access token response, and the profile call.
type oauth1Driver struct {
	network       string
	consumer      *oauth.Consumer
	callbackURL   string
	userIDParam   string
	usernameParam string
	fetchProfile  profileFetcher
}

func newOAuth1Consumer(clientID, clientSecret string, endpoints oauth.ServiceProvider) *oauth.Consumer {
	consumer := oauth.NewConsumer(clientID, clientSecret, endpoints)
	consumer.HttpClient = &http.Client{Timeout: 30 * time.Second}
	return consumer
}

func (d *oauth1Driver) Network() string {
	return d.network
}

func (d *oauth1Driver) HasCallback(r *http.Request) bool {
	return r.URL.Query().Get("oauth_token") != ""
}

func (d *oauth1Driver) Begin(ctx context.Context, display string) (string, storage.HandshakeState, error) {
	requestToken, loginURL, err := d.consumer.GetRequestTokenAndUrl(d.callbackURL)
	if err != nil {
		return "", storage.HandshakeState{}, &UpstreamError{Provider: d.network, Stage: "request_token", Err: err}
	}

	state := storage.HandshakeState{
		Provider:  d.network,
		Token:     requestToken.Token,
		Secret:    requestToken.Secret,
		CreatedAt: time.Now(),
	}
	return loginURL, state, nil
}

func (d *oauth1Driver) Complete(ctx context.Context, r *http.Request, state storage.HandshakeState) (*Identity, error) {
	query := r.URL.Query()

	verifier := query.Get("oauth_verifier")
	if verifier == "" {
		return nil, &ProtocolError{Provider: d.network, Stage: "callback", Reason: "missing oauth_verifier"}
	}
	if state.Token == "" || query.Get("oauth_token") != state.Token {
		return nil, &ProtocolError{Provider: d.network, Stage: "callback", Reason: "oauth_token does not match pending handshake"}
	}

	requestToken := &oauth.RequestToken{Token: state.Token, Secret: state.Secret}
	accessToken, err := d.consumer.AuthorizeToken(requestToken, verifier)
	if err != nil {
		return nil, &UpstreamError{Provider: d.network, Stage: "access_token", Err: err}
	}

	userID := accessToken.AdditionalData[d.userIDParam]
	if userID == "" {
		return nil, &UpstreamError{
			Provider: d.network,
			Stage:    "access_token",
			Err:      fmt.Errorf("response missing %s", d.userIDParam),
		}
	}

	ident := &Identity{
		Network:  d.network,
		ID:       userID,
		Username: accessToken.AdditionalData[d.usernameParam],
	}

	if d.fetchProfile != nil {
		client, err := d.consumer.MakeHttpClient(accessToken)
		if err != nil {
			log.LogWarnWithFields("provider", "Skipping profile fetch", map[string]any{
				"provider": d.network,
				"error":    err.Error(),
			})
			return ident, nil
		}
		d.fetchProfile(ctx, client, ident)
	}

	return ident, nil
}
