// Package cookie manages the browser session identifier cookie
package cookie

import (
	"net/http"
	"os"
	"time"

	"github.com/outmoded/postmile-web/internal/crypto"
)

const sessionCookieName = "postmile_sid"

// SessionID returns the session identifier from the request cookie,
// generating and setting a fresh one when absent. The identifier only keys
// server-side state; it carries no claims of its own.
func SessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	id, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   !isDevelopmentMode(),
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

// Clear expires the session identifier cookie
func Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !isDevelopmentMode(),
		SameSite: http.SameSiteLaxMode,
	})
}

func isDevelopmentMode() bool {
	return os.Getenv("POSTMILE_ENV") == "development"
}
