package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 512

	userAgent = "agrilogic-core"
)

var _ automation.IntegrationCaller = (*Caller)(nil)

// Caller sends integration requests over HTTP.
//
// Thread Safety: safe for concurrent use.
type Caller struct {
	httpClient *http.Client
}

// NewCaller creates a caller whose requests time out after timeout.
// A non-positive timeout uses the 10 second default.
func NewCaller(timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Caller{httpClient: &http.Client{Timeout: timeout}}
}

// Call performs req once. Any 2xx status is success; anything else,
// including a transport failure, is an error.
func (c *Caller) Call(ctx context.Context, req automation.IntegrationRequest) error {
	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// *url.Error repeats the full URL, query string included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, httpReq.Method, redact(httpReq.URL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: HTTP %d: %s",
			ErrBadStatus, httpReq.Method, redact(httpReq.URL), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func buildRequest(ctx context.Context, req automation.IntegrationRequest) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %w", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: url scheme %q not supported", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: url has no host", ErrInvalidRequest)
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	httpReq.Header.Set("User-Agent", userAgent)
	if req.Body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.RuleID != "" {
		httpReq.Header.Set("X-Agrilogic-Rule", req.RuleID)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// redact drops credentials and query strings from URLs placed in errors.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
