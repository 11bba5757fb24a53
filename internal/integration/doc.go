// Package integration performs the outbound HTTP calls behind data actions
// of type "integration": pushing rule results to farm management systems,
// irrigation controllers with HTTP APIs, and similar endpoints.
//
// Each Call is exactly one request. Retrying a failed call is the
// dispatcher's job, so a Caller never retries on its own.
package integration
