package provider

import "fmt"

// ProtocolError reports a handshake callback that violates the expected
// flow: missing or mismatched tokens, state nonces, or verifiers. These are
// treated as hostile or replayed requests, never retried.
type ProtocolError struct {
	Provider string
	Stage    string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s handshake protocol error at %s: %s", e.Provider, e.Stage, e.Reason)
}

// UpstreamError reports that the provider itself failed or returned an
// unusable response during an otherwise well-formed handshake
type UpstreamError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error at %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
