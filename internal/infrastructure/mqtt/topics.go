package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix roots every AgriLogic topic.
//
//	agrilogic/command/{device_type}/{device_id}   engine → device gateways
//	agrilogic/snapshot/{farm_id}/{block_id}       ingestion → engine
//	agrilogic/notify/{channel}                    engine → app and dashboard
//	agrilogic/system/status                       engine online/offline (retained)
const TopicPrefix = "agrilogic"

// farmWideBlock is the block segment of a snapshot covering a whole farm.
const farmWideBlock = "_"

// Topics provides builders for AgriLogic MQTT topics.
type Topics struct{}

// Command returns the command topic for a device.
//
// Example: agrilogic/command/valve/valve-north-1
func (Topics) Command(deviceType, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, deviceType, deviceID)
}

// Snapshot returns the topic carrying snapshots for a farm or block. An
// empty block addresses the whole farm.
//
// Example: agrilogic/snapshot/farm-1/block-a
func (Topics) Snapshot(farmID, blockID string) string {
	if blockID == "" {
		blockID = farmWideBlock
	}
	return fmt.Sprintf("%s/snapshot/%s/%s", TopicPrefix, farmID, blockID)
}

// Notify returns the notification topic for a channel.
//
// Example: agrilogic/notify/dashboard
func (Topics) Notify(channel string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefix, channel)
}

// SystemStatus returns the engine status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllSnapshots matches every snapshot topic.
//
// Pattern: agrilogic/snapshot/+/+
func (Topics) AllSnapshots() string {
	return TopicPrefix + "/snapshot/+/+"
}

// ParseSnapshot extracts the farm and block from a snapshot topic.
// ok is false if topic is not a snapshot topic.
func (Topics) ParseSnapshot(topic string) (farmID, blockID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "snapshot" || parts[2] == "" || parts[3] == "" {
		return "", "", false
	}
	if parts[3] == farmWideBlock {
		return parts[2], "", true
	}
	return parts[2], parts[3], true
}
