package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mrjones/oauth"

	"github.com/outmoded/postmile-web/internal/log"
)

const twitterProfileURL = "https://api.twitter.com/1.1/account/verify_credentials.json"

// NewTwitterDriver creates the Twitter login driver
func NewTwitterDriver(clientID, clientSecret, callbackURL string) Driver {
	endpoints := oauth.ServiceProvider{
		RequestTokenUrl:   "https://api.twitter.com/oauth/request_token",
		AuthorizeTokenUrl: "https://api.twitter.com/oauth/authenticate",
		AccessTokenUrl:    "https://api.twitter.com/oauth/access_token",
	}

	return &oauth1Driver{
		network:       "twitter",
		consumer:      newOAuth1Consumer(clientID, clientSecret, endpoints),
		callbackURL:   callbackURL,
		userIDParam:   "user_id",
		usernameParam: "screen_name",
		fetchProfile:  fetchTwitterProfile(twitterProfileURL),
	}
}

func fetchTwitterProfile(profileURL string) profileFetcher {
	return func(ctx context.Context, client *http.Client, ident *Identity) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
		if err != nil {
			return
		}

		resp, err := client.Do(req)
		if err != nil {
			log.LogWarnWithFields("provider", "Twitter profile fetch failed", map[string]any{
				"error": err.Error(),
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			log.LogWarnWithFields("provider", "Twitter profile fetch rejected", map[string]any{
				"status": resp.StatusCode,
			})
			return
		}

		var profile struct {
			ScreenName string `json:"screen_name"`
			Name       string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return
		}

		if profile.ScreenName != "" {
			ident.Username = profile.ScreenName
		}
		ident.Name = profile.Name
	}
}
