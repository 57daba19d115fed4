package api

import "fmt"

// TransportError reports that a request never produced a usable HTTP
// response (connection failure, timeout, unreadable body)
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports that the API server responded with something other
// than valid JSON. The status code is irrelevant: every response body on
// this API is JSON, so an unparseable body means the contract is broken.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("api protocol error during %s: %s", e.Op, e.Reason)
}
