package protocol

import "encoding/json"

// Device types a relay connection can authenticate as.
const (
	DevicePylon  = "pylon"
	DeviceApp    = "app"
	DeviceViewer = "viewer"
)

// Client→server message types the relay handles itself (never routed).
const (
	TypeAuth            = "auth"
	TypeGetDevices      = "get_devices"
	TypeGetDevicesAlias = "getDevices"
	TypePing            = "ping"
)

// Server→client message types.
const (
	TypeConnected        = "connected"
	TypeAuthResult       = "auth_result"
	TypeDeviceList       = "device_list"
	TypeDeviceStatus     = "device_status"
	TypeClientDisconnect = "client_disconnect"
	TypePong             = "pong"
	TypeError            = "error"
)

// Forward-routed types the fabric gives meaning to. The relay treats them as
// opaque except for the viewer allow-list, which admits TypeShareHistory by
// default.
const (
	TypeShareHistory = "share_history"
	TypeSessionEvent = "session_event"
)

// Frame is the relay wire envelope. To carries a 7-bit deviceId; Broadcast
// is "app" or "pylon"; From is always injected by the relay from the
// sender's authenticated identity.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	To        int             `json:"to,omitempty"`
	Broadcast string          `json:"broadcast,omitempty"`
	From      *Device         `json:"from,omitempty"`
}

// Device describes one authenticated relay identity. DeviceID is the 7-bit
// encoded integer; DeviceIndex the raw 4-bit allocation.
type Device struct {
	DeviceID    int    `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	DeviceIndex int    `json:"deviceIndex"`
	Env         string `json:"env,omitempty"`
	Email       string `json:"email,omitempty"`
}

// AuthPayload is the client half of the auth exchange. Pylons supply their
// encoded DeviceID (or the raw DeviceIndex, older clients send that); apps
// may supply IDToken when the relay enforces OAuth; viewers must supply
// ShareID.
type AuthPayload struct {
	DeviceType  string `json:"deviceType"`
	DeviceID    *int   `json:"deviceId,omitempty"`
	DeviceIndex *int   `json:"deviceIndex,omitempty"`
	IDToken     string `json:"idToken,omitempty"`
	ShareID     string `json:"shareId,omitempty"`
}

// AuthResult is the server half of the auth exchange.
type AuthResult struct {
	Success bool    `json:"success"`
	Device  *Device `json:"device,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// DeviceRoster carries the authenticated fleet for device_status and
// device_list frames.
type DeviceRoster struct {
	Devices []Device `json:"devices"`
}

// ClientDisconnect notifies pylons that a non-pylon client went away.
type ClientDisconnect struct {
	DeviceIndex int    `json:"deviceIndex"`
	DeviceType  string `json:"deviceType"`
}

// ErrorPayload is the payload of a TypeError frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// mustRaw marshals a payload that cannot fail (structs of plain fields).
func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(frameType string, payload any) Frame {
	if payload == nil {
		return Frame{Type: frameType}
	}
	return Frame{Type: frameType, Payload: mustRaw(payload)}
}

// NewErrorFrame builds a TypeError frame carrying a message.
func NewErrorFrame(msg string) Frame {
	return NewFrame(TypeError, ErrorPayload{Error: msg})
}
