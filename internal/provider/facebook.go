package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"

	"github.com/outmoded/postmile-web/internal/crypto"
	"github.com/outmoded/postmile-web/internal/storage"
)

// FacebookDriver implements the authorization-code handshake against
// Facebook. Exported because its token exchange deviates from plain OAuth2:
// Facebook has historically answered the token endpoint with form-encoded
// bodies instead of JSON, so the exchange parses both.
type FacebookDriver struct {
	config     oauth2.Config
	graphURL   string
	httpClient *http.Client
}

// NewFacebookDriver creates the Facebook login driver
func NewFacebookDriver(clientID, clientSecret, callbackURL string) *FacebookDriver {
	return &FacebookDriver{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"email"},
			Endpoint:     facebook.Endpoint,
		},
		graphURL:   "https://graph.facebook.com/me",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *FacebookDriver) Network() string {
	return "facebook"
}

func (d *FacebookDriver) HasCallback(r *http.Request) bool {
	return r.URL.Query().Get("code") != ""
}

func (d *FacebookDriver) Begin(ctx context.Context, display string) (string, storage.HandshakeState, error) {
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", storage.HandshakeState{}, &UpstreamError{Provider: "facebook", Stage: "authorize", Err: err}
	}

	var opts []oauth2.AuthCodeOption
	if display == "mobile" {
		opts = append(opts, oauth2.SetAuthURLParam("display", "touch"))
	}

	state := storage.HandshakeState{
		Provider:  "facebook",
		Nonce:     nonce,
		CreatedAt: time.Now(),
	}
	return d.config.AuthCodeURL(nonce, opts...), state, nil
}

func (d *FacebookDriver) Complete(ctx context.Context, r *http.Request, state storage.HandshakeState) (*Identity, error) {
	query := r.URL.Query()

	if state.Nonce == "" || query.Get("state") != state.Nonce {
		return nil, &ProtocolError{Provider: "facebook", Stage: "callback", Reason: "state does not match pending handshake"}
	}

	token, err := d.exchange(ctx, query.Get("code"))
	if err != nil {
		return nil, err
	}

	return d.fetchProfile(ctx, token)
}

// exchange trades the authorization code for an access token. The state
// nonce must already have been verified: no request leaves this process
// before the callback is authenticated.
func (d *FacebookDriver) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {d.config.ClientID},
		"client_secret": {d.config.ClientSecret},
		"redirect_uri":  {d.config.RedirectURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Provider: "facebook",
			Stage:    "token",
			Err:      fmt.Errorf("token endpoint returned %d", resp.StatusCode),
		}
	}

	accessToken, expiresIn := parseTokenResponse(body)
	if accessToken == "" {
		return nil, &ProtocolError{Provider: "facebook", Stage: "token", Reason: "token response is neither JSON nor form-encoded"}
	}

	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if expiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return token, nil
}

// parseTokenResponse accepts both shapes Facebook has used for token
// responses: a JSON object and a form-encoded body
func parseTokenResponse(body []byte) (accessToken string, expiresIn int64) {
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.AccessToken != "" {
		return parsed.AccessToken, parsed.ExpiresIn
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", 0
	}
	expiresIn, _ = strconv.ParseInt(values.Get("expires"), 10, 64)
	return values.Get("access_token"), expiresIn
}

func (d *FacebookDriver) fetchProfile(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.graphURL+"?fields=id,name,email", nil)
	if err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "profile", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "profile", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Provider: "facebook",
			Stage:    "profile",
			Err:      fmt.Errorf("graph API returned %d", resp.StatusCode),
		}
	}

	var profile struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, &UpstreamError{Provider: "facebook", Stage: "profile", Err: err}
	}
	if profile.ID == "" {
		return nil, &UpstreamError{
			Provider: "facebook",
			Stage:    "profile",
			Err:      fmt.Errorf("profile response missing account id"),
		}
	}

	return &Identity{
		Network:  "facebook",
		ID:       profile.ID,
		Username: profile.Username,
		Name:     profile.Name,
		Email:    normalizeFacebookEmail(profile.Email),
	}, nil
}

// normalizeFacebookEmail discards proxied relay addresses. They are not
// real mailboxes the user reads and would pollute account email lists.
func normalizeFacebookEmail(email string) string {
	if strings.HasSuffix(strings.ToLower(email), "@proxymail.facebook.com") {
		return ""
	}
	return email
}
