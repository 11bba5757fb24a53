package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

const defaultGatewayTimeout = 10 * time.Second

// GatewaySender POSTs notifications as JSON to an HTTP delivery gateway.
// Email and SMS providers sit behind such gateways, as do plain webhooks.
type GatewaySender struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewGatewaySender creates a sender for url. A non-empty token is sent as
// a bearer token.
func NewGatewaySender(url, token string, timeout time.Duration) *GatewaySender {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &GatewaySender{url: url, token: token, httpClient: &http.Client{Timeout: timeout}}
}

// Send implements Sender.
func (s *GatewaySender) Send(ctx context.Context, n automation.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s gateway: %w", ErrDeliveryFailed, n.Channel, err)
	}
	defer resp.Body.Close()
	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s gateway", ErrRateLimited, n.Channel)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s gateway: HTTP %d", ErrDeliveryFailed, n.Channel, resp.StatusCode)
	}
	return nil
}
