package notify

import "errors"

var (
	// ErrRateLimited is returned while a sender is backing off after the
	// provider rejected a message for rate limiting.
	ErrRateLimited = errors.New("notify: rate limited")

	// ErrDeliveryFailed indicates the provider rejected or never received the message.
	ErrDeliveryFailed = errors.New("notify: delivery failed")

	// ErrNotConfigured indicates a sender was built without its credentials.
	ErrNotConfigured = errors.New("notify: sender not configured")
)
