package domain

import (
	"encoding/json"
	"time"
)

// Event names pushed to dashboard subscribers.
const (
	EventRegistryUpdate = "registry-update"
	EventEnvStatus      = "env-status"
	EventDeviceAuth     = "device-auth"
	EventCopilotStatus  = "copilot-status"
	EventCopilotReady   = "copilot-ready"
)

// EventFrame is the wire shape of a single push event.
type EventFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RegistryUpdateEvent signals that the set of registered environments changed.
type RegistryUpdateEvent struct {
	Timestamp string `json:"timestamp"`
}

// EnvStatusEvent carries the full status projection for one environment.
type EnvStatusEvent struct {
	EnvID          string           `json:"env_id"`
	Status         string           `json:"status"`
	URL            string           `json:"url,omitempty"`
	Mode           string           `json:"mode"`
	WorkspacePath  string           `json:"workspacePath"`
	DesktopCommand string           `json:"desktopCommand,omitempty"`
	RequiresAuth   bool             `json:"requiresAuth"`
	DeviceAuth     *DeviceAuthState `json:"deviceAuth,omitempty"`
}

// DeviceAuthEvent announces a new device-code challenge.
type DeviceAuthEvent struct {
	EnvID string `json:"env_id"`
	URL   string `json:"url"`
	Code  string `json:"code"`
}

// CopilotStatusEvent reports granular in-guest automation progress.
type CopilotStatusEvent struct {
	EnvID  string `json:"env_id"`
	Status string `json:"status"`
}

// CopilotReadyEvent reports that in-guest authentication completed.
type CopilotReadyEvent struct {
	EnvID  string `json:"env_id"`
	Status string `json:"status"`
}

// NewRegistryUpdate builds a registry-update event stamped with now.
func NewRegistryUpdate(now time.Time) RegistryUpdateEvent {
	return RegistryUpdateEvent{Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

// MarshalEvent encodes a typed event payload into a wire frame.
func MarshalEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventFrame{Event: event, Data: data})
}
