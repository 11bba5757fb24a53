package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/agrilogic-core/internal/automation"
	"github.com/nerrad567/agrilogic-core/internal/infrastructure/mqtt"
)

// Publisher publishes MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

const notifyQoS = 1

// MQTTSender publishes notifications for the app and dashboard subscribers.
type MQTTSender struct {
	pub   Publisher
	topic string
}

// NewMQTTSender creates a sender publishing on agrilogic/notify/{ch}.
func NewMQTTSender(pub Publisher, ch automation.Channel) *MQTTSender {
	return &MQTTSender{pub: pub, topic: mqtt.Topics{}.Notify(string(ch))}
}

// Send implements Sender.
func (s *MQTTSender) Send(ctx context.Context, n automation.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.pub.IsConnected() {
		return automation.ErrMQTTUnavailable
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}
	if err := s.pub.Publish(s.topic, payload, notifyQoS, false); err != nil {
		return fmt.Errorf("%w: publishing to %q: %w", ErrDeliveryFailed, s.topic, err)
	}
	return nil
}
