package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps device records in process memory. Used in tests and for
// local development; production deployments use the SQLite store.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]Device
	byTuple map[tupleKey]string // (owner, type, hardware) -> device id
}

type tupleKey struct {
	owner      string
	deviceType DeviceType
	hardwareID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]Device),
		byTuple: make(map[tupleKey]string),
	}
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	return copyDevice(dev), nil
}

// FindDevice looks a device up by its registration tuple.
func (s *MemoryStore) FindDevice(_ context.Context, ownerUserID string, deviceType DeviceType, hardwareID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTuple[tupleKey{owner: ownerUserID, deviceType: deviceType, hardwareID: hardwareID}]
	if !ok {
		return Device{}, ErrNotFound
	}
	return copyDevice(s.devices[id]), nil
}

func (s *MemoryStore) RegisterDevice(_ context.Context, ownerUserID string, deviceType DeviceType, hardwareID, name string, capabilities []string) (string, error) {
	key := tupleKey{owner: ownerUserID, deviceType: deviceType, hardwareID: hardwareID}

	// Check-then-insert under a single write lock so concurrent duplicate
	// registrations cannot both succeed.
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTuple[key]; exists {
		return "", ErrAlreadyRegistered
	}

	dev := Device{
		ID:           uuid.NewString(),
		OwnerUserID:  ownerUserID,
		DeviceType:   deviceType,
		HardwareID:   hardwareID,
		Name:         name,
		Capabilities: append([]string(nil), capabilities...),
	}
	s.devices[dev.ID] = dev
	s.byTuple[key] = dev.ID
	return dev.ID, nil
}

func (s *MemoryStore) ListDevices(_ context.Context, ownerUserID string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]Device, 0)
	for _, dev := range s.devices {
		if dev.OwnerUserID == ownerUserID {
			devices = append(devices, copyDevice(dev))
		}
	}
	return devices, nil
}

func (s *MemoryStore) UpdateCapabilities(_ context.Context, deviceID string, capabilities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	dev.Capabilities = append([]string(nil), capabilities...)
	s.devices[deviceID] = dev
	return nil
}

func (s *MemoryStore) UpdatePushToken(_ context.Context, deviceID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	dev.PushToken = token
	s.devices[deviceID] = dev
	return nil
}

func (s *MemoryStore) RemoveDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	delete(s.devices, deviceID)
	delete(s.byTuple, tupleKey{owner: dev.OwnerUserID, deviceType: dev.DeviceType, hardwareID: dev.HardwareID})
	return nil
}

func copyDevice(dev Device) Device {
	dev.Capabilities = append([]string(nil), dev.Capabilities...)
	return dev
}
