package wake

import (
	"context"
	"log/slog"
	"time"

	"github.com/tmolnar/smsbridge/proto"
	"github.com/tmolnar/smsbridge/registry"
)

// Notifier sends a dataless wake notification to a push token. The payload
// carries no application data; its only contract is that the device
// reconnects to the broker and drains its subscriptions.
type Notifier interface {
	Notify(ctx context.Context, token string) error
}

// Presence reports whether a device currently holds a live broker
// connection. Implemented by the server coordinator.
type Presence interface {
	Connected(deviceID string) bool
}

const defaultNotifyTimeout = 10 * time.Second

// Bridge observes broker publish events and wakes the target device over
// its push channel when it is not reachable on a live connection. Push
// failures are logged and never affect the publish that triggered them.
type Bridge struct {
	devices   registry.Store
	presence  Presence
	notifiers map[registry.DeviceType]Notifier
	timeout   time.Duration
}

type Options struct {
	Devices  registry.Store
	Presence Presence

	// Notifiers maps device types to their push channel. Types without an
	// entry have no supported wake channel.
	Notifiers map[registry.DeviceType]Notifier

	NotifyTimeout time.Duration
}

func NewBridge(opts Options) *Bridge {
	if opts.NotifyTimeout == 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	return &Bridge{
		devices:   opts.Devices,
		presence:  opts.Presence,
		notifiers: opts.Notifiers,
		timeout:   opts.NotifyTimeout,
	}
}

// ObservePublish handles one publish event. The broker invokes it on a
// separate goroutine, so it may block on registry and push round trips
// without slowing fan-out; it still bounds its own work with a timeout.
func (b *Bridge) ObservePublish(msg proto.Message) {
	deviceID, err := proto.TopicDeviceID(msg.Topic)
	if err != nil {
		slog.Debug("Skipping wake for topic without owner segment", "topic", msg.Topic)
		return
	}

	if b.presence != nil && b.presence.Connected(deviceID) {
		slog.Debug("Target device is connected, no wake needed", "deviceId", deviceID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	dev, err := b.devices.GetDevice(ctx, deviceID)
	if err != nil {
		slog.Debug("No registry record for publish target", "deviceId", deviceID, "error", err.Error())
		return
	}

	notifier, ok := b.notifiers[dev.DeviceType]
	if !ok {
		slog.Info("No push channel for device type", "deviceId", deviceID, "deviceType", dev.DeviceType)
		return
	}
	if dev.PushToken == "" {
		slog.Debug("Device has no push token, skipping wake", "deviceId", deviceID)
		return
	}

	if err := notifier.Notify(ctx, dev.PushToken); err != nil {
		// Best effort only: the publish already succeeded and is not
		// retried or rolled back here.
		slog.Warn("Wake notification failed", "deviceId", deviceID, "error", err.Error())
		return
	}
	slog.Debug("Wake notification sent", "deviceId", deviceID, "topic", msg.Topic)
}
