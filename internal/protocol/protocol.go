// Package protocol implements the Meshtastic stream framing and wire codec.
// It covers the five application ports the core consumes: TEXT_MESSAGE_APP,
// POSITION_APP, NODEINFO_APP, ROUTING_APP and TELEMETRY_APP. The rest of the
// system treats this package as the opaque device-protocol boundary: frames
// in, typed FromRadio values out, and a handful of outbound encoders.
package protocol

import "fmt"

// PortNum mirrors the Meshtastic PortNum enum.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1  // TEXT_MESSAGE_APP
	PortPosition    PortNum = 3  // POSITION_APP
	PortNodeInfo    PortNum = 4  // NODEINFO_APP
	PortRouting     PortNum = 5  // ROUTING_APP
	PortTelemetry   PortNum = 67 // TELEMETRY_APP
)

// Label returns the Meshtastic name for a PortNum.
func (p PortNum) Label() string {
	switch p {
	case PortTextMessage:
		return "TEXT_MESSAGE_APP"
	case PortPosition:
		return "POSITION_APP"
	case PortNodeInfo:
		return "NODEINFO_APP"
	case PortRouting:
		return "ROUTING_APP"
	case PortTelemetry:
		return "TELEMETRY_APP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(p))
	}
}

// MeshPacket is a routed packet as carried inside FromRadio/ToRadio.
type MeshPacket struct {
	ID       uint32
	From     uint32
	To       uint32 // 0xFFFFFFFF = broadcast
	Channel  uint32
	PortNum  PortNum
	Payload  []byte
	HopLimit uint32
	HopStart uint32
	WantAck  bool
	ViaMQTT  bool
	RxTime   uint32
	RxSNR    float32
	RxRSSI   int32
}

// User is the identity block of a NODEINFO_APP payload.
type User struct {
	ID        string
	LongName  string
	ShortName string
	HwModel   uint32
	Role      uint32
}

// NodeInfo carries metadata about a known mesh node, either as a
// NODEINFO_APP payload or as a FromRadio node_info record during the
// configuration download.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  *Position
	SNR       float32
	LastHeard uint32
	HopsAway  uint32
}

// MyNodeInfo carries the connected device's own identity.
type MyNodeInfo struct {
	MyNodeNum uint32
}

// Channel is one channel slot from the configuration download.
type Channel struct {
	Index int32
	Name  string
	PSK   []byte
	Role  uint32 // 0 disabled, 1 primary, 2 secondary
}

// Position holds GPS coordinates from POSITION_APP payloads.
type Position struct {
	LatitudeI  int32 // degrees x 1e-7
	LongitudeI int32 // degrees x 1e-7
	Altitude   int32 // metres
	Time       uint32
}

// Telemetry carries battery and utilisation metrics from TELEMETRY_APP.
type Telemetry struct {
	Time          uint32
	BatteryLevel  uint32
	Voltage       float32
	ChannelUtil   float32
	AirUtilTx     float32
	UptimeSeconds uint32
}

// Routing is a decoded ROUTING_APP payload (ack / nak reporting).
type Routing struct {
	ErrorReason uint32
}

// RoutingErrorLabel maps a routing error_reason to its schema name.
func RoutingErrorLabel(reason uint32) string {
	switch reason {
	case 0:
		return "NONE"
	case 1:
		return "NO_ROUTE"
	case 2:
		return "GOT_NAK"
	case 3:
		return "TIMEOUT"
	case 5:
		return "MAX_RETRANSMIT"
	case 7:
		return "NO_CHANNEL"
	default:
		return fmt.Sprintf("ERROR(%d)", reason)
	}
}

// FromRadio is the top-level union for frames received from the device.
// Exactly one field is set per frame.
type FromRadio struct {
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	Channel          *Channel
	ConfigCompleteID uint32
}

// ToRadio is the top-level union for frames sent to the device.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Heartbeat    bool
}
