package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/agrilogic-core/internal/automation"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/config"
)

// Logger is the logging interface used by the notify package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Sender delivers a notification on one channel.
type Sender interface {
	Send(ctx context.Context, n automation.Notification) error
}

var _ automation.Notifier = (*Router)(nil)

// Router routes notifications to the sender registered for their channel.
//
// Thread Safety: safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	senders map[automation.Channel]Sender
	logger  Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[automation.Channel]Sender), logger: noopLogger{}}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register sets the sender for a channel, replacing any previous one.
func (r *Router) Register(ch automation.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

// Channels returns the channels that have a sender.
func (r *Router) Channels() []automation.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []automation.Channel
	for _, ch := range automation.AllChannels() {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Notify implements automation.Notifier.
func (r *Router) Notify(ctx context.Context, n automation.Notification) error {
	r.mu.RLock()
	s, ok := r.senders[n.Channel]
	logger := r.logger
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", automation.ErrChannelUnsupported, n.Channel)
	}
	if err := s.Send(ctx, n); err != nil {
		logger.Warn("notification not delivered",
			"rule_id", n.RuleID, "channel", n.Channel, "level", n.Level, "error", err)
		return err
	}
	logger.Debug("notification delivered",
		"rule_id", n.RuleID, "channel", n.Channel, "level", n.Level, "escalation", n.Escalation)
	return nil
}

// NewRouterFromConfig registers a sender for every channel cfg enables.
// pub may be nil when MQTT is not available; MQTT channels are then left
// unregistered.
func NewRouterFromConfig(cfg config.NotificationsConfig, pub Publisher, timeout time.Duration) (*Router, error) {
	r := NewRouter()

	if pub != nil {
		for _, name := range cfg.MQTTChannels {
			ch := automation.Channel(name)
			r.Register(ch, NewMQTTSender(pub, ch))
		}
	}

	gateways := []struct {
		ch  automation.Channel
		cfg config.GatewayConfig
	}{
		{automation.ChannelWebhook, cfg.Webhook},
		{automation.ChannelEmail, cfg.Email},
		{automation.ChannelSMS, cfg.SMS},
	}
	for _, g := range gateways {
		if g.cfg.URL == "" {
			continue
		}
		r.Register(g.ch, NewGatewaySender(g.cfg.URL, g.cfg.Token, timeout))
	}

	if cfg.Slack.Enabled {
		s, err := NewSlackSender(cfg.Slack.Token, cfg.Slack.ChannelID)
		if err != nil {
			return nil, err
		}
		r.Register(automation.ChannelSlack, s)
	}

	return r, nil
}
