// Package ids implements the packed identifier algebra that routes every
// message in the fabric:
//
//	PylonId    (7 bits)  = envId[2] · 0[1] · deviceIndex[4]   // deviceIndex 1..15
//	ClientId   (7 bits)  = envId[2] · 1[1] · deviceIndex[4]   // deviceIndex 0..15
//	WorkspaceId(14 bits) = PylonId[7] · workspaceIndex[7]     // workspaceIndex 1..127
//	ConvId     (24 bits) = WorkspaceId[14] · convIndex[10]    // convIndex 1..1023
package ids

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidID is returned when any component of an identifier is out of range.
var ErrInvalidID = errors.New("invalid id")

// Env is the 2-bit environment tag carried in every device identifier.
type Env int

const (
	EnvRelease Env = 0
	EnvStage   Env = 1
	EnvDev     Env = 2
)

// ParseEnv maps an environment name to its tag.
func ParseEnv(s string) (Env, error) {
	switch s {
	case "release":
		return EnvRelease, nil
	case "stage":
		return EnvStage, nil
	case "dev":
		return EnvDev, nil
	default:
		return 0, fmt.Errorf("%w: unknown env %q", ErrInvalidID, s)
	}
}

func (e Env) String() string {
	switch e {
	case EnvRelease:
		return "release"
	case EnvStage:
		return "stage"
	case EnvDev:
		return "dev"
	default:
		return fmt.Sprintf("env(%d)", int(e))
	}
}

func (e Env) valid() bool { return e >= EnvRelease && e <= EnvDev }

// PylonID is a 7-bit worker device identifier (type bit clear).
type PylonID int

// ClientID is a 7-bit app/viewer device identifier (type bit set).
type ClientID int

// WorkspaceID is a 14-bit workspace identifier (PylonID · workspaceIndex).
type WorkspaceID int

// ConvID is a 24-bit conversation identifier (WorkspaceID · convIndex).
type ConvID int

const (
	typeBit = 1 << 4 // distinguishes clients (set) from pylons (clear)

	MaxDeviceIndex       = 15
	MaxWorkspaceIndex    = 127
	MaxConversationIndex = 1023
)

// EncodePylon packs (env, deviceIndex) into a PylonID. deviceIndex 0 is
// reserved ("no device") and never encodes.
func EncodePylon(env Env, deviceIndex int) (PylonID, error) {
	if !env.valid() {
		return 0, fmt.Errorf("%w: env %d", ErrInvalidID, int(env))
	}
	if deviceIndex < 1 || deviceIndex > MaxDeviceIndex {
		return 0, fmt.Errorf("%w: pylon deviceIndex %d out of range 1..%d", ErrInvalidID, deviceIndex, MaxDeviceIndex)
	}
	return PylonID(int(env)<<5 | deviceIndex), nil
}

// EncodeClient packs (env, deviceIndex) into a ClientID. Index 0 is valid for
// clients.
func EncodeClient(env Env, deviceIndex int) (ClientID, error) {
	if !env.valid() {
		return 0, fmt.Errorf("%w: env %d", ErrInvalidID, int(env))
	}
	if deviceIndex < 0 || deviceIndex > MaxDeviceIndex {
		return 0, fmt.Errorf("%w: client deviceIndex %d out of range 0..%d", ErrInvalidID, deviceIndex, MaxDeviceIndex)
	}
	return ClientID(int(env)<<5 | typeBit | deviceIndex), nil
}

// DecodePylon unpacks a PylonID into (env, deviceIndex).
func DecodePylon(id PylonID) (Env, int, error) {
	d := int(id)
	if d < 0 || d > 0x7f || d&typeBit != 0 {
		return 0, 0, fmt.Errorf("%w: %d is not a pylonId", ErrInvalidID, d)
	}
	env := Env(d >> 5)
	idx := d & 0xf
	if !env.valid() || idx == 0 {
		return 0, 0, fmt.Errorf("%w: %d is not a pylonId", ErrInvalidID, d)
	}
	return env, idx, nil
}

// DecodeClient unpacks a ClientID into (env, deviceIndex).
func DecodeClient(id ClientID) (Env, int, error) {
	d := int(id)
	if d < 0 || d > 0x7f || d&typeBit == 0 {
		return 0, 0, fmt.Errorf("%w: %d is not a clientId", ErrInvalidID, d)
	}
	env := Env(d >> 5)
	if !env.valid() {
		return 0, 0, fmt.Errorf("%w: %d is not a clientId", ErrInvalidID, d)
	}
	return env, d & 0xf, nil
}

// IsPylonID reports whether a 7-bit device identifier names a pylon.
func IsPylonID(deviceID int) bool {
	return deviceID >= 0 && deviceID <= 0x7f && deviceID&typeBit == 0
}

// EncodeWorkspace packs (pylon, workspaceIndex) into a WorkspaceID.
func EncodeWorkspace(pylon PylonID, workspaceIndex int) (WorkspaceID, error) {
	if _, _, err := DecodePylon(pylon); err != nil {
		return 0, err
	}
	if workspaceIndex < 1 || workspaceIndex > MaxWorkspaceIndex {
		return 0, fmt.Errorf("%w: workspaceIndex %d out of range 1..%d", ErrInvalidID, workspaceIndex, MaxWorkspaceIndex)
	}
	return WorkspaceID(int(pylon)<<7 | workspaceIndex), nil
}

// DecodeWorkspace unpacks a WorkspaceID into (pylon, workspaceIndex).
func DecodeWorkspace(id WorkspaceID) (PylonID, int, error) {
	d := int(id)
	if d < 0 || d > 0x3fff {
		return 0, 0, fmt.Errorf("%w: %d is not a workspaceId", ErrInvalidID, d)
	}
	pylon := PylonID(d >> 7)
	idx := d & 0x7f
	if _, _, err := DecodePylon(pylon); err != nil {
		return 0, 0, fmt.Errorf("%w: %d is not a workspaceId", ErrInvalidID, d)
	}
	if idx == 0 {
		return 0, 0, fmt.Errorf("%w: %d is not a workspaceId", ErrInvalidID, d)
	}
	return pylon, idx, nil
}

// EncodeConversation packs (workspace, convIndex) into a ConvID.
func EncodeConversation(ws WorkspaceID, convIndex int) (ConvID, error) {
	if _, _, err := DecodeWorkspace(ws); err != nil {
		return 0, err
	}
	if convIndex < 1 || convIndex > MaxConversationIndex {
		return 0, fmt.Errorf("%w: convIndex %d out of range 1..%d", ErrInvalidID, convIndex, MaxConversationIndex)
	}
	return ConvID(int(ws)<<10 | convIndex), nil
}

// DecodeConversation unpacks a ConvID into (workspace, convIndex).
func DecodeConversation(id ConvID) (WorkspaceID, int, error) {
	d := int(id)
	if d < 0 || d > 0xffffff {
		return 0, 0, fmt.Errorf("%w: %d is not a conversationId", ErrInvalidID, d)
	}
	ws := WorkspaceID(d >> 10)
	idx := d & 0x3ff
	if _, _, err := DecodeWorkspace(ws); err != nil {
		return 0, 0, fmt.Errorf("%w: %d is not a conversationId", ErrInvalidID, d)
	}
	if idx == 0 {
		return 0, 0, fmt.Errorf("%w: %d is not a conversationId", ErrInvalidID, d)
	}
	return ws, idx, nil
}

// Pylon returns the owning PylonID without validation (convId >> 17).
func (c ConvID) Pylon() PylonID { return PylonID(c >> 17) }

// Workspace returns the owning WorkspaceID without validation.
func (c ConvID) Workspace() WorkspaceID { return WorkspaceID(c >> 10) }

// String renders the wire form: the packed integer in decimal.
func (c ConvID) String() string { return strconv.Itoa(int(c)) }

// Pylon returns the owning PylonID without validation.
func (w WorkspaceID) Pylon() PylonID { return PylonID(w >> 7) }

// ConvParts is the fully decoded view of a conversation identifier.
type ConvParts struct {
	Env               Env
	DeviceIndex       int
	WorkspaceIndex    int
	ConversationIndex int
	Pylon             PylonID
	Workspace         WorkspaceID
}

// DecodeConversationFull unpacks every field of a ConvID.
func DecodeConversationFull(id ConvID) (ConvParts, error) {
	ws, convIdx, err := DecodeConversation(id)
	if err != nil {
		return ConvParts{}, err
	}
	pylon, wsIdx, err := DecodeWorkspace(ws)
	if err != nil {
		return ConvParts{}, err
	}
	env, devIdx, err := DecodePylon(pylon)
	if err != nil {
		return ConvParts{}, err
	}
	return ConvParts{
		Env:               env,
		DeviceIndex:       devIdx,
		WorkspaceIndex:    wsIdx,
		ConversationIndex: convIdx,
		Pylon:             pylon,
		Workspace:         ws,
	}, nil
}
