package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/agrilogic-core/internal/infrastructure/mqtt"
)

// MQTTClient is the interface for publishing commands to device gateways.
type MQTTClient interface {
	// Publish sends a message to the specified MQTT topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool
}

// commandQoS guarantees delivery of device commands (at least once).
const commandQoS = 1

// MQTTDeviceController sends device commands over MQTT using the flat topic
// scheme agrilogic/command/{device_type}/{device_id}.
type MQTTDeviceController struct {
	mqtt   MQTTClient
	logger Logger
}

// NewMQTTDeviceController creates a controller publishing through client.
func NewMQTTDeviceController(client MQTTClient) *MQTTDeviceController {
	return &MQTTDeviceController{mqtt: client, logger: noopLogger{}}
}

// SetLogger sets the logger for the controller.
func (c *MQTTDeviceController) SetLogger(logger Logger) {
	c.logger = logger
}

// SendCommand implements DeviceController.
func (c *MQTTDeviceController) SendCommand(ctx context.Context, cmd DeviceCommand) error {
	if c.mqtt == nil || !c.mqtt.IsConnected() {
		return ErrMQTTUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}

	topic := CommandTopic(cmd.DeviceType, cmd.DeviceID)
	if err := c.mqtt.Publish(topic, payload, commandQoS, false); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}

	c.logger.Debug("device command published",
		"rule_id", cmd.RuleID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
		"reason", cmd.Reason,
		"topic", topic,
	)
	return nil
}

// CommandTopic returns the command topic of a device.
func CommandTopic(deviceType DeviceType, deviceID string) string {
	return mqtt.Topics{}.Command(string(deviceType), deviceID)
}
