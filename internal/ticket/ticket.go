// Package ticket implements the capability credentials issued by the API
// server and the signed authorization header derived from them.
package ticket

// Action is a post-login hint attached by the API server
type Action struct {
	Type string `json:"type"`
}

// Ext carries application extension data embedded in a ticket
type Ext struct {
	Tos    int64   `json:"tos,omitempty"`
	Action *Action `json:"action,omitempty"`
}

// Ticket is a capability credential issued by the API server. App tickets
// authorize the web front-end itself; user tickets authorize a logged-in
// session.
type Ticket struct {
	ID        string   `json:"id"`
	Key       string   `json:"key"`
	Algorithm string   `json:"algorithm"`
	App       string   `json:"app,omitempty"`
	User      string   `json:"user,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	Ext       Ext      `json:"ext,omitempty"`
}

// Valid reports whether the ticket carries the fields needed to sign
// requests. Tickets missing any of them cannot be used as credentials.
func (t *Ticket) Valid() bool {
	return t != nil && t.ID != "" && t.Key != "" && t.Algorithm != ""
}

// RequestHeader computes the authorization header for one request signed
// with this ticket
func (t *Ticket) RequestHeader(uri, method string) (string, error) {
	return Header(uri, method, t.ID, t.Key)
}

// Credential is a long-lived application credential. It signs requests the
// same way a ticket does but is configured rather than issued.
type Credential struct {
	ID        string
	Key       string
	Algorithm string
}

// RequestHeader computes the authorization header for one request signed
// with this credential
func (c Credential) RequestHeader(uri, method string) (string, error) {
	return Header(uri, method, c.ID, c.Key)
}
