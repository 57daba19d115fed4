package provider

import (
	"fmt"

	"github.com/outmoded/postmile-web/internal/config"
	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/urlutil"
)

// NewDrivers builds the driver set from configuration. Each configured
// network is dispatched on the /auth/{network} route; its callback URL is
// derived from the web URI.
func NewDrivers(cfg config.LoginConfig, webURI string) (map[string]Driver, error) {
	drivers := make(map[string]Driver)

	register := func(name string, creds config.ProviderCredentials, build func(id, secret, callback string) Driver) error {
		if !creds.Enabled() {
			return nil
		}
		if creds.ClientSecret == "" {
			return fmt.Errorf("%s login requires a client secret", name)
		}
		callback, err := urlutil.JoinPath(webURI, "auth", name)
		if err != nil {
			return fmt.Errorf("building %s callback URL: %w", name, err)
		}
		drivers[name] = build(string(creds.ClientID), string(creds.ClientSecret), callback)
		log.LogInfoWithFields("provider", "Registered login provider", map[string]any{
			"provider": name,
		})
		return nil
	}

	if err := register("twitter", cfg.Twitter, NewTwitterDriver); err != nil {
		return nil, err
	}
	if err := register("yahoo", cfg.Yahoo, NewYahooDriver); err != nil {
		return nil, err
	}
	if err := register("facebook", cfg.Facebook, func(id, secret, callback string) Driver {
		return NewFacebookDriver(id, secret, callback)
	}); err != nil {
		return nil, err
	}

	return drivers, nil
}
