// Package api implements the signed HTTP client for the remote API server.
// Requests are authorized either with the long-lived application credential
// or with a ticket, and the client transparently maintains its own app
// ticket across expiry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/outmoded/postmile-web/internal/log"
	"github.com/outmoded/postmile-web/internal/ticket"
)

// Client calls the API server on behalf of the web front-end
type Client struct {
	baseURL    string
	app        ticket.Credential
	httpClient *http.Client

	mu        sync.RWMutex
	appTicket *ticket.Ticket

	group singleflight.Group
}

// New creates a client for the API server at baseURL, authenticating as the
// application identified by app
func New(baseURL string, app ticket.Credential) *Client {
	return &Client{
		baseURL: baseURL,
		app:     app,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Call performs one request signed with the given ticket. A nil ticket sends
// the request unsigned. The response body must be valid JSON regardless of
// status code; the raw payload is returned alongside the status.
func (c *Client) Call(ctx context.Context, method, path string, body any, t *ticket.Ticket) (int, json.RawMessage, error) {
	uri := c.baseURL + path

	var authorization string
	if t != nil {
		header, err := t.RequestHeader(uri, method)
		if err != nil {
			return 0, nil, &TransportError{Op: method + " " + path, Err: err}
		}
		authorization = header
	}

	return c.do(ctx, method, uri, body, authorization)
}

// ClientCall performs one request signed with the client's own app ticket,
// acquiring one lazily if needed. A 401 response discards the cached ticket,
// acquires a fresh one, and retries exactly once; a second 401 is returned
// to the caller as-is.
func (c *Client) ClientCall(ctx context.Context, method, path string, body any) (int, json.RawMessage, error) {
	if c.currentTicket() == nil {
		c.acquireAppTicket(ctx)
	}

	code, payload, err := c.Call(ctx, method, path, body, c.currentTicket())
	if err != nil || code != http.StatusUnauthorized {
		return code, payload, err
	}

	c.setTicket(nil)
	c.acquireAppTicket(ctx)
	return c.Call(ctx, method, path, body, c.currentTicket())
}

// acquireAppTicket requests a fresh app ticket from the API server. Failure
// is tolerated: the request that triggered acquisition proceeds without a
// ticket and surfaces whatever the server says to it. Concurrent callers
// share a single acquisition.
func (c *Client) acquireAppTicket(ctx context.Context) {
	_, _, _ = c.group.Do("app-ticket", func() (any, error) {
		uri := c.baseURL + "/oz/app"
		authorization, err := c.app.RequestHeader(uri, http.MethodPost)
		if err != nil {
			log.LogErrorWithFields("api", "Failed to sign app ticket request", map[string]any{
				"error": err.Error(),
			})
			return nil, nil
		}

		code, payload, err := c.do(ctx, http.MethodPost, uri, nil, authorization)
		if err != nil {
			log.LogErrorWithFields("api", "App ticket request failed", map[string]any{
				"error": err.Error(),
			})
			return nil, nil
		}
		if code != http.StatusOK {
			log.LogErrorWithFields("api", "App ticket request rejected", map[string]any{
				"status": code,
			})
			return nil, nil
		}

		var t ticket.Ticket
		if err := json.Unmarshal(payload, &t); err != nil || !t.Valid() {
			log.LogErrorWithFields("api", "App ticket response malformed", map[string]any{
				"status": code,
			})
			return nil, nil
		}

		c.setTicket(&t)
		log.LogDebugWithFields("api", "Acquired app ticket", map[string]any{
			"ticket": t.ID,
		})
		return nil, nil
	})
}

func (c *Client) do(ctx context.Context, method, uri string, body any, authorization string) (int, json.RawMessage, error) {
	op := method + " " + uri

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &TransportError{Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}

	if !json.Valid(payload) {
		return 0, nil, &ProtocolError{Op: op, Reason: "response body is not valid JSON"}
	}

	return resp.StatusCode, json.RawMessage(payload), nil
}

func (c *Client) currentTicket() *ticket.Ticket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appTicket
}

func (c *Client) setTicket(t *ticket.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appTicket = t
}
