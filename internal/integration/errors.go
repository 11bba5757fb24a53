package integration

import "errors"

// Sentinel errors for outbound integration calls.
var (
	// ErrInvalidRequest indicates the request could not be built.
	ErrInvalidRequest = errors.New("integration: invalid request")

	// ErrRequestFailed indicates a transport failure before a response.
	ErrRequestFailed = errors.New("integration: request failed")

	// ErrBadStatus indicates the endpoint answered with a non-2xx status.
	ErrBadStatus = errors.New("integration: unexpected status")
)
