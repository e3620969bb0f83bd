package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "pumpcore"

// Topics builds pumpcore MQTT topics under a configurable prefix.
//
//	topics := mqtt.NewTopics("pumpcore")
//	topics.State("water-controller")      // pumpcore/state/water-controller
//	topics.Push("water-controller", "V1") // pumpcore/push/water-controller/V1
type Topics struct {
	Prefix string
}

// NewTopics returns topic builders for prefix. Trailing slashes are
// removed and an empty prefix becomes DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// State returns the retained topic carrying a device's current record.
//
// Example: pumpcore/state/water-controller
func (t Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", t.Prefix, deviceID)
}

// Push returns the topic an external publisher uses to push one channel
// value for a device.
//
// Example: pumpcore/push/water-controller/V1
func (t Topics) Push(deviceID, channelID string) string {
	return fmt.Sprintf("%s/push/%s/%s", t.Prefix, deviceID, channelID)
}

// AllPushes returns the wildcard subscription for every channel push of
// a device.
//
// Example: pumpcore/push/water-controller/+
func (t Topics) AllPushes(deviceID string) string {
	return t.Push(deviceID, "+")
}

// SystemStatus returns the retained online/offline topic, also used as
// the Last Will topic.
//
// Example: pumpcore/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}

// ParsePush splits a push topic into device and channel. ok is false for
// any topic not shaped like Push.
func (t Topics) ParsePush(topic string) (deviceID, channelID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/push/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
