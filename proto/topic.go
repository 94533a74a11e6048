package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Capability paths addressable under a device's topic prefix. A topic is
// always "<deviceId>/<capabilityPath>" and the owning device is always the
// first segment.
const (
	CapPingRequests        = "ping/requests"
	CapSendMessageRequests = "sms/send-message-requests"
	CapSendMessageResults  = "sms/send-message-results"
	CapThreadsRequests     = "sms/threads/query-requests"
	CapThreadsResults      = "sms/threads/query-results"
	CapMessagesRequests    = "sms/messages/query-requests"
	CapMessagesResults     = "sms/messages/query-results"
	CapNewMessages         = "sms/new-messages"
)

var capabilityPaths = map[string]struct{}{
	CapPingRequests:        {},
	CapSendMessageRequests: {},
	CapSendMessageResults:  {},
	CapThreadsRequests:     {},
	CapThreadsResults:      {},
	CapMessagesRequests:    {},
	CapMessagesResults:     {},
	CapNewMessages:         {},
}

var ErrInvalidTopic = errors.New("invalid topic")

// ParseTopic splits a topic into its owning deviceId and capability path.
// Topics without an owner segment or with an unknown capability path are
// rejected.
func ParseTopic(topic string) (deviceID, capability string, err error) {
	deviceID, capability, ok := strings.Cut(topic, "/")
	if !ok || deviceID == "" {
		return "", "", fmt.Errorf("%w: %q has no owner segment", ErrInvalidTopic, topic)
	}
	if _, known := capabilityPaths[capability]; !known {
		return "", "", fmt.Errorf("%w: %q has unknown capability path %q", ErrInvalidTopic, topic, capability)
	}
	return deviceID, capability, nil
}

// TopicDeviceID extracts only the owning deviceId. Authorization is always
// evaluated against this segment, never the full path.
func TopicDeviceID(topic string) (string, error) {
	deviceID, _, ok := strings.Cut(topic, "/")
	if !ok || deviceID == "" {
		return "", fmt.Errorf("%w: %q has no owner segment", ErrInvalidTopic, topic)
	}
	return deviceID, nil
}

// Topic joins a deviceId and capability path into a topic string.
func Topic(deviceID, capability string) string {
	return deviceID + "/" + capability
}
