package ticket

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/outmoded/postmile-web/internal/crypto"
)

const headerVersion = "oz.1.header"

// Header computes a MAC authorization header binding the absolute request
// URI and method to the credential identified by id. Each call uses a fresh
// timestamp and nonce, so headers are never reused across requests.
func Header(uri, method, id, key string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing request uri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("request uri must be absolute: %s", uri)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	normalized := strings.Join([]string{
		headerVersion,
		ts,
		nonce,
		strings.ToUpper(method),
		u.RequestURI(),
		host,
		port,
		"",
		"",
	}, "\n")

	mac := crypto.SignData(normalized, []byte(key))
	return fmt.Sprintf(`Oz id="%s", ts="%s", nonce="%s", mac="%s"`, id, ts, nonce, mac), nil
}
