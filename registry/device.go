package registry

import (
	"context"
)

type DeviceType string

const (
	DeviceTypeAndroidPhone DeviceType = "android_phone"
	DeviceTypeDesktop      DeviceType = "desktop"
)

// Capability tags a device may advertise.
const (
	CapabilitySendSMS    = "send_sms"
	CapabilityReceiveSMS = "receive_sms"
	CapabilityPingDevice = "ping_device"
)

// Device is a registered device record. PushToken is empty when the device
// has no known wake channel.
type Device struct {
	ID           string
	OwnerUserID  string
	DeviceType   DeviceType
	HardwareID   string
	Name         string
	Capabilities []string
	PushToken    string
}

// Store is the device registry consumed by the authorizer, the wake bridge
// and the REST boundary. At most one device may exist per
// (OwnerUserID, DeviceType, HardwareID) tuple; RegisterDevice must enforce
// this atomically with respect to concurrent callers.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	FindDevice(ctx context.Context, ownerUserID string, deviceType DeviceType, hardwareID string) (Device, error)
	RegisterDevice(ctx context.Context, ownerUserID string, deviceType DeviceType, hardwareID, name string, capabilities []string) (string, error)
	ListDevices(ctx context.Context, ownerUserID string) ([]Device, error)
	UpdateCapabilities(ctx context.Context, deviceID string, capabilities []string) error
	UpdatePushToken(ctx context.Context, deviceID, token string) error
	RemoveDevice(ctx context.Context, deviceID string) error
}
