package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeText builds a framed ToRadio carrying a TEXT_MESSAGE_APP packet.
// to is the destination node number (use the broadcast address for
// channel-wide messages); id is the caller-assigned packet id used for
// ack correlation.
func EncodeText(id, to, channel uint32, text string, wantAck bool) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("protocol: text must not be empty")
	}
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(PortTextMessage))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	pkt := appendPacketHeader(nil, id, to, channel, wantAck)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType) // decoded
	pkt = protowire.AppendBytes(pkt, data)

	return frameToRadioPacket(pkt)
}

// EncodeRequest builds a framed ToRadio asking node `to` to reply on the
// given port (node-info or telemetry). The want_response bit makes the
// remote node answer with its own record.
func EncodeRequest(id, to, channel uint32, port PortNum) ([]byte, error) {
	switch port {
	case PortNodeInfo, PortTelemetry:
	default:
		return nil, fmt.Errorf("protocol: port %s is not requestable", port.Label())
	}
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(port))
	data = protowire.AppendTag(data, 3, protowire.VarintType) // want_response
	data = protowire.AppendVarint(data, 1)

	pkt := appendPacketHeader(nil, id, to, channel, false)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)

	return frameToRadioPacket(pkt)
}

// EncodeWantConfig builds the framed handshake frame that asks the device
// to stream its node database and channel configuration.
func EncodeWantConfig(nonce uint32) ([]byte, error) {
	b := protowire.AppendTag(nil, 3, protowire.VarintType) // want_config_id
	b = protowire.AppendVarint(b, uint64(nonce))
	return Frame(b)
}

// EncodeHeartbeat builds the framed keepalive frame.
func EncodeHeartbeat() ([]byte, error) {
	b := protowire.AppendTag(nil, 7, protowire.BytesType) // heartbeat message
	b = protowire.AppendBytes(b, nil)
	return Frame(b)
}

func appendPacketHeader(pkt []byte, id, to, channel uint32, wantAck bool) []byte {
	pkt = protowire.AppendTag(pkt, 2, protowire.VarintType) // to
	pkt = protowire.AppendVarint(pkt, uint64(to))
	if channel != 0 {
		pkt = protowire.AppendTag(pkt, 3, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(channel))
	}
	pkt = protowire.AppendTag(pkt, 6, protowire.VarintType) // id
	pkt = protowire.AppendVarint(pkt, uint64(id))
	if wantAck {
		pkt = protowire.AppendTag(pkt, 10, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, 1)
	}
	return pkt
}

func frameToRadioPacket(pkt []byte) ([]byte, error) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType) // ToRadio.packet
	b = protowire.AppendBytes(b, pkt)
	return Frame(b)
}
