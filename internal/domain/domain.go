// Package domain holds the shared vocabulary of the core: connection states,
// normalized packet records, node/channel/message state and packet filters.
// It has no dependencies on the components that produce or consume these
// types, so every other package can speak it without import cycles.
package domain

import (
	"strings"
	"time"
)

// Broadcast is the destination node number meaning "everyone on the mesh".
const Broadcast uint32 = 0xFFFFFFFF

// ConnectionState describes the lifecycle of the single device session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateDetecting
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDetecting:
		return "detecting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ConnectionChange is the payload of a connection-state-changed event.
type ConnectionChange struct {
	State    ConnectionState `json:"state"`
	Endpoint string          `json:"endpoint,omitempty"`
	Err      string          `json:"error,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// PacketKind classifies a normalized packet by its decoded application port.
type PacketKind int

const (
	KindOther PacketKind = iota
	KindText
	KindTelemetry
	KindPosition
	KindNodeInfo
	KindRouting
)

func (k PacketKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTelemetry:
		return "telemetry"
	case KindPosition:
		return "position"
	case KindNodeInfo:
		return "nodeinfo"
	case KindRouting:
		return "routing"
	default:
		return "other"
	}
}

// Position holds GPS coordinates decoded from a position packet.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
	Time      uint32  `json:"time,omitempty"`
}

// Telemetry carries battery and radio utilisation metrics.
type Telemetry struct {
	BatteryLevel uint32  `json:"battery_level"`
	Voltage      float32 `json:"voltage"`
	ChannelUtil  float32 `json:"channel_utilization"`
	AirUtilTx    float32 `json:"air_util_tx"`
	UptimeSec    uint32  `json:"uptime_seconds,omitempty"`
}

// NodeIdentity is the user block of a node-info packet.
type NodeIdentity struct {
	ID        string `json:"id"` // "!deadbeef"
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Hardware  string `json:"hardware,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Record is one received device packet, normalized and immutable.
// Seq is assigned by the packet handler and is unique per process.
type Record struct {
	Seq     uint64    `json:"seq"`
	RxTime  time.Time `json:"rx_time"`
	From    uint32    `json:"from"`
	To      uint32    `json:"to"` // Broadcast for mesh-wide packets
	Channel uint32    `json:"channel"`
	Kind    PacketKind `json:"kind"`

	// Kind-specific payloads; exactly one is set for decoded kinds.
	Text      string        `json:"text,omitempty"`
	Position  *Position     `json:"position,omitempty"`
	Telemetry *Telemetry    `json:"telemetry,omitempty"`
	NodeInfo  *NodeIdentity `json:"node_info,omitempty"`
	RouteErr  string        `json:"route_err,omitempty"`
	Raw       []byte        `json:"-"`

	// Link quality and routing metadata.
	RxSNR    float32 `json:"rx_snr,omitempty"`
	RxRSSI   int32   `json:"rx_rssi,omitempty"`
	HopLimit uint32  `json:"hop_limit,omitempty"`
	HopStart uint32  `json:"hop_start,omitempty"`
	WantAck  bool    `json:"want_ack,omitempty"`
	ViaRelay bool    `json:"via_relay,omitempty"`
}

// Hops returns the observed hop count, or -1 when the packet does not carry
// enough routing metadata to compute it.
func (r *Record) Hops() int {
	if r.HopStart == 0 {
		return -1
	}
	if r.HopLimit > r.HopStart {
		return -1
	}
	return int(r.HopStart - r.HopLimit)
}

// NodeRecord is the materialized view of one mesh participant.
// LastHeard never regresses; records are aged, never deleted.
type NodeRecord struct {
	NodeID    uint32    `json:"node_id"`
	NodeIDHex string    `json:"node_id_hex"` // "!deadbeef"
	LongName  string    `json:"long_name,omitempty"`
	ShortName string    `json:"short_name,omitempty"`
	Hardware  string    `json:"hardware,omitempty"`
	Role      string    `json:"role,omitempty"`
	LastHeard time.Time `json:"last_heard"`
	RxSNR     float32   `json:"rx_snr,omitempty"`
	RxRSSI    int32     `json:"rx_rssi,omitempty"`
	HopsAway  int       `json:"hops_away"`
	Position  *Position  `json:"position,omitempty"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Stale     bool       `json:"stale"`
}

// ChannelConfig is the materialized configuration of one mesh channel slot.
type ChannelConfig struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Role  string `json:"role"` // "PRIMARY" | "SECONDARY" | "DISABLED"
	PSK   []byte `json:"-"`
}

// MessageDirection marks whether a thread entry was received or sent by us.
type MessageDirection int

const (
	DirectionInbound MessageDirection = iota
	DirectionOutbound
)

// Message is one entry of a conversation thread.
type Message struct {
	Seq       uint64           `json:"seq,omitempty"` // packet seq for inbound
	Direction MessageDirection `json:"direction"`
	From      uint32           `json:"from"`
	To        uint32           `json:"to"`
	Channel   uint32           `json:"channel"`
	Text      string           `json:"text"`
	Time      time.Time        `json:"time"`
}

// SendFailure is the payload of a send-failed event.
type SendFailure struct {
	Reason  string `json:"reason"`
	Text    string `json:"text,omitempty"`
	To      uint32 `json:"to,omitempty"`
	Channel uint32 `json:"channel,omitempty"`
}

// Filter selects packets by node, channel, kind, time range and text.
// All set criteria are ANDed. The zero value (or a nil *Filter) matches
// every packet.
type Filter struct {
	From    *uint32
	Channel *uint32
	Kinds   []PacketKind
	Since   time.Time
	Until   time.Time
	Text    string
}

// Match reports whether r passes the filter. A nil filter matches all.
func (f *Filter) Match(r *Record) bool {
	if f == nil {
		return true
	}
	if f.From != nil && r.From != *f.From {
		return false
	}
	if f.Channel != nil && r.Channel != *f.Channel {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if r.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && r.RxTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.RxTime.After(f.Until) {
		return false
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(r.Text), strings.ToLower(f.Text)) {
		return false
	}
	return true
}
