package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/nerrad567/agrilogic-core/internal/automation"
)

// Backoff applied after Slack rejects a message for rate limiting, when
// the response carries no Retry-After.
const (
	slackRateLimitBackoff    = time.Minute
	slackMessageLimitBackoff = 5 * time.Minute
)

// SlackSender posts notifications to one Slack channel.
//
// After a rate-limit rejection it refuses messages with ErrRateLimited
// until the backoff has elapsed, instead of hammering the API.
type SlackSender struct {
	api       *slack.Client
	channelID string

	mu           sync.Mutex
	backoffUntil time.Time
	now          func() time.Time
}

// NewSlackSender creates a sender posting to channelID with a bot token.
func NewSlackSender(token, channelID string, opts ...slack.Option) (*SlackSender, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("%w: slack token and channel id are required", ErrNotConfigured)
	}
	return &SlackSender{
		api:       slack.New(token, opts...),
		channelID: channelID,
		now:       time.Now,
	}, nil
}

// IsRateLimited reports whether the sender is in a backoff period.
func (s *SlackSender) IsRateLimited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.backoffUntil)
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, n automation.Notification) error {
	if s.IsRateLimited() {
		return fmt.Errorf("%w: slack", ErrRateLimited)
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channelID, buildSlackMessage(n)...)
	if err == nil {
		return nil
	}

	if backoff, limited := rateLimitBackoff(err); limited {
		s.mu.Lock()
		s.backoffUntil = s.now().Add(backoff)
		s.mu.Unlock()
		return fmt.Errorf("%w: slack backing off %v: %w", ErrRateLimited, backoff, err)
	}
	return fmt.Errorf("%w: slack: %w", ErrDeliveryFailed, err)
}

// rateLimitBackoff reports whether err is a Slack rate-limit rejection and
// how long to stay quiet.
func rateLimitBackoff(err error) (time.Duration, bool) {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return rl.RetryAfter, true
		}
		return slackRateLimitBackoff, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "message_limit_exceeded"):
		return slackMessageLimitBackoff, true
	case strings.Contains(msg, "rate_limited"), strings.Contains(msg, "too_many_requests"):
		return slackRateLimitBackoff, true
	}
	return 0, false
}

func levelEmoji(level automation.AlertLevel) string {
	switch level {
	case automation.LevelCritical:
		return ":rotating_light:"
	case automation.LevelWarning:
		return ":warning:"
	default:
		return ":seedling:"
	}
}

// buildSlackMessage renders n as a Block Kit message with a plain-text
// fallback for push notifications.
func buildSlackMessage(n automation.Notification) []slack.MsgOption {
	title := fmt.Sprintf("%s %s: %s", levelEmoji(n.Level), strings.ToUpper(string(n.Level)), n.RuleName)
	if n.Escalation > 0 {
		title += fmt.Sprintf(" (escalation %d)", n.Escalation)
	}

	scope := n.FarmID
	if n.BlockID != "" {
		scope += " / " + n.BlockID
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Scope*\n"+scope, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Rule*\n`"+n.RuleID+"`", false, false),
	}
	if len(n.Recipients) > 0 {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			"*Recipients*\n"+strings.Join(n.Recipients, ", "), false, false))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*"+title+"*", false, false), nil, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, n.Message, false, false), fields, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "Sent "+n.SentAt.UTC().Format(time.RFC3339)+" | id "+n.ID, false, false)),
	}

	return []slack.MsgOption{
		slack.MsgOptionText(title+": "+n.Message, false),
		slack.MsgOptionBlocks(blocks...),
	}
}
