package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmolnar/smsbridge/proto"
	"github.com/tmolnar/smsbridge/registry"
)

// Authorizer decides, per operation, whether a session may publish or
// subscribe on a topic. Denial is always a value, never a fault: registry
// errors, timeouts and malformed topics all resolve to false.
type Authorizer interface {
	AuthorizePublish(ctx context.Context, topic, userID string) bool
	AuthorizeSubscribe(ctx context.Context, topic, userID string) bool
}

// OwnerAuthorizer grants an operation only when the session's user owns the
// device named by the topic's first segment. A device's own connection is
// covered by the same check since it connects with its owner's credentials.
type OwnerAuthorizer struct {
	devices registry.Store
	timeout time.Duration
}

func NewOwnerAuthorizer(devices registry.Store, timeout time.Duration) *OwnerAuthorizer {
	return &OwnerAuthorizer{devices: devices, timeout: timeout}
}

func (a *OwnerAuthorizer) AuthorizePublish(ctx context.Context, topic, userID string) bool {
	return a.ownsTopicDevice(ctx, topic, userID)
}

func (a *OwnerAuthorizer) AuthorizeSubscribe(ctx context.Context, topic, userID string) bool {
	return a.ownsTopicDevice(ctx, topic, userID)
}

func (a *OwnerAuthorizer) ownsTopicDevice(ctx context.Context, topic, userID string) bool {
	if userID == "" {
		return false
	}

	deviceID, _, err := proto.ParseTopic(topic)
	if err != nil {
		slog.Debug("Denying operation on malformed topic", "topic", topic, "error", err.Error())
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	dev, err := a.devices.GetDevice(ctx, deviceID)
	if err != nil {
		// Unknown device and registry failure both deny; the broker must
		// keep serving other connections either way.
		slog.Warn("Device lookup failed during authorization", "deviceId", deviceID, "error", err.Error())
		return false
	}

	return dev.OwnerUserID == userID
}

// GrantAllAuthorizer permits every operation. Development only; distinct
// type for the same reason as AllowAllAuthenticator.
type GrantAllAuthorizer struct{}

func (GrantAllAuthorizer) AuthorizePublish(ctx context.Context, topic, userID string) bool {
	return true
}

func (GrantAllAuthorizer) AuthorizeSubscribe(ctx context.Context, topic, userID string) bool {
	return true
}
