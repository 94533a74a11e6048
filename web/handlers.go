package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tmolnar/smsbridge/registry"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err.Error())
	}
}

type deviceResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
}

func toDeviceResponse(dev registry.Device) deviceResponse {
	return deviceResponse{
		ID:           dev.ID,
		Name:         dev.Name,
		DeviceType:   string(dev.DeviceType),
		Capabilities: dev.Capabilities,
	}
}

// ownedDevice fetches the device and enforces that the requester owns it.
// A foreign device id reads as not found so ids cannot be probed.
func (s *Server) ownedDevice(w http.ResponseWriter, r *http.Request) (registry.Device, bool) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, err := s.devices.GetDevice(r.Context(), deviceID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "DeviceNotFound", "Device does not exist")
		return registry.Device{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Registry lookup failed")
		return registry.Device{}, false
	}
	if dev.OwnerUserID != requestUser(r) {
		writeError(w, http.StatusNotFound, "DeviceNotFound", "Device does not exist")
		return registry.Device{}, false
	}
	return dev, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceType   string   `json:"device_type"`
		HardwareID   string   `json:"hardware_id"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceType == "" || body.HardwareID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "device_type and hardware_id are required")
		return
	}

	deviceID, err := s.devices.RegisterDevice(r.Context(), requestUser(r), registry.DeviceType(body.DeviceType), body.HardwareID, body.Name, body.Capabilities)
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		writeError(w, http.StatusConflict, "DeviceAlreadyExists", "Device already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Device registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"device_id": deviceID})
}

// handleRegisteredCheck reports whether the caller already registered a
// device under the given (type, hardware) pair, so a client can skip
// re-registration on startup and reuse its device id.
func (s *Server) handleRegisteredCheck(w http.ResponseWriter, r *http.Request) {
	deviceType := r.URL.Query().Get("device_type")
	hardwareID := r.URL.Query().Get("hardware_id")
	if deviceType == "" || hardwareID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "device_type and hardware_id are required")
		return
	}

	dev, err := s.devices.FindDevice(r.Context(), requestUser(r), registry.DeviceType(deviceType), hardwareID)
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"is_registered": false, "device_id": ""})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Registry lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_registered": true, "device_id": dev.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context(), requestUser(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Registry lookup failed")
		return
	}

	res := make([]deviceResponse, 0, len(devices))
	for _, dev := range devices {
		res = append(res, toDeviceResponse(dev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": res})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

func (s *Server) handleUpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	var body struct {
		Capabilities []string `json:"new_capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "new_capabilities is required")
		return
	}

	if err := s.devices.UpdateCapabilities(r.Context(), dev.ID, body.Capabilities); err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Capability update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	var body struct {
		NewToken string `json:"new_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "new_token is required")
		return
	}

	if err := s.devices.UpdatePushToken(r.Context(), dev.ID, body.NewToken); err != nil {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Token update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.ownedDevice(w, r)
	if !ok {
		return
	}

	if err := s.devices.RemoveDevice(r.Context(), dev.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "RegistryUnavailable", "Device removal failed")
		return
	}

	// Live broker sessions under the removed id are cut loose; future
	// connects are rejected until the device re-registers.
	if s.invalidator != nil {
		s.invalidator.InvalidateDevice(dev.ID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
