package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mrjones/oauth"

	"github.com/outmoded/postmile-web/internal/log"
)

const yahooProfileURLFormat = "https://social.yahooapis.com/v1/user/%s/profile?format=json"

// NewYahooDriver creates the Yahoo! login driver
func NewYahooDriver(clientID, clientSecret, callbackURL string) Driver {
	endpoints := oauth.ServiceProvider{
		RequestTokenUrl:   "https://api.login.yahoo.com/oauth/v2/get_request_token",
		AuthorizeTokenUrl: "https://api.login.yahoo.com/oauth/v2/request_auth",
		AccessTokenUrl:    "https://api.login.yahoo.com/oauth/v2/get_token",
	}

	return &oauth1Driver{
		network:      "yahoo",
		consumer:     newOAuth1Consumer(clientID, clientSecret, endpoints),
		callbackURL:  callbackURL,
		userIDParam:  "xoauth_yahoo_guid",
		fetchProfile: fetchYahooProfile(yahooProfileURLFormat),
	}
}

func fetchYahooProfile(profileURLFormat string) profileFetcher {
	return func(ctx context.Context, client *http.Client, ident *Identity) {
		uri := fmt.Sprintf(profileURLFormat, ident.ID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return
		}

		resp, err := client.Do(req)
		if err != nil {
			log.LogWarnWithFields("provider", "Yahoo profile fetch failed", map[string]any{
				"error": err.Error(),
			})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			log.LogWarnWithFields("provider", "Yahoo profile fetch rejected", map[string]any{
				"status": resp.StatusCode,
			})
			return
		}

		var payload struct {
			Profile struct {
				Nickname   string `json:"nickname"`
				GivenName  string `json:"givenName"`
				FamilyName string `json:"familyName"`
			} `json:"profile"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return
		}

		ident.Username = payload.Profile.Nickname
		ident.Name = strings.TrimSpace(payload.Profile.GivenName + " " + payload.Profile.FamilyName)
	}
}
