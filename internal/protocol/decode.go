package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed reports a frame that could not be parsed as a FromRadio.
var ErrMalformed = errors.New("protocol: malformed frame")

// DecodeFromRadio parses one deframed protobuf payload from the device.
// Field numbers follow the public Meshtastic schema; unknown fields are
// skipped so newer firmware does not break the decode.
func DecodeFromRadio(b []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 2: // packet
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: packet", ErrMalformed)
			}
			pkt, err := decodeMeshPacket(sub)
			if err != nil {
				return nil, err
			}
			fr.Packet = pkt
			b = b[m:]
		case 3: // my_info
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: my_info", ErrMalformed)
			}
			mi, err := decodeMyNodeInfo(sub)
			if err != nil {
				return nil, err
			}
			fr.MyInfo = mi
			b = b[m:]
		case 4: // node_info
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: node_info", ErrMalformed)
			}
			ni, err := decodeNodeInfo(sub)
			if err != nil {
				return nil, err
			}
			fr.NodeInfo = ni
			b = b[m:]
		case 7: // config_complete_id
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: config_complete_id", ErrMalformed)
			}
			fr.ConfigCompleteID = uint32(v)
			b = b[m:]
		case 10: // channel
			sub, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: channel", ErrMalformed)
			}
			ch, err := decodeChannel(sub)
			if err != nil {
				return nil, err
			}
			fr.Channel = ch
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			b = b[m:]
		}
	}
	return fr, nil
}

func decodeMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: meshpacket tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.From = uint32(v)
		case 2:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.To = uint32(v)
		case 3:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.Channel = uint32(v)
		case 4: // decoded Data
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				if err := decodeData(sub, p); err != nil {
					return nil, err
				}
			}
		case 6:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.ID = uint32(v)
		case 7:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			p.RxTime = v
		case 8:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			p.RxSNR = math.Float32frombits(v)
		case 9:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.HopLimit = uint32(v)
		case 10:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.WantAck = v != 0
		case 12:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.RxRSSI = int32(v)
		case 14:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.ViaMQTT = v != 0
		case 15:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.HopStart = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: meshpacket field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return p, nil
}

func decodeData(b []byte, p *MeshPacket) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: data tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.PortNum = PortNum(v)
		case 2:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				p.Payload = append([]byte(nil), sub...)
			}
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: data field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return nil
}

func decodeMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	mi := &MyNodeInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: myinfo tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			mi.MyNodeNum = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: myinfo field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return mi, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: nodeinfo tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			ni.Num = uint32(v)
		case 2:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				u, err := DecodeUser(sub)
				if err != nil {
					return nil, err
				}
				ni.User = u
			}
		case 3:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				pos, err := DecodePosition(sub)
				if err != nil {
					return nil, err
				}
				ni.Position = pos
			}
		case 4:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			ni.SNR = math.Float32frombits(v)
		case 5:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			ni.LastHeard = v
		case 9:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			ni.HopsAway = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: nodeinfo field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return ni, nil
}

func decodeChannel(b []byte) (*Channel, error) {
	ch := &Channel{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: channel tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			ch.Index = int32(v)
		case 2: // settings
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				if err := decodeChannelSettings(sub, ch); err != nil {
					return nil, err
				}
			}
		case 3:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			ch.Role = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: channel field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return ch, nil
}

func decodeChannelSettings(b []byte, ch *Channel) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: channel settings tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 2:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				ch.PSK = append([]byte(nil), sub...)
			}
		case 3:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				ch.Name = string(sub)
			}
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: channel settings field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return nil
}

// ── application payload decoders ──────────────────────────────────────────

// DecodeUser parses a NODEINFO_APP payload.
func DecodeUser(b []byte) (*User, error) {
	u := &User{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: user tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				u.ID = string(sub)
			}
		case 2:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				u.LongName = string(sub)
			}
		case 3:
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				u.ShortName = string(sub)
			}
		case 5:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			u.HwModel = uint32(v)
		case 7:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			u.Role = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: user field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return u, nil
}

// DecodePosition parses a POSITION_APP payload.
func DecodePosition(b []byte) (*Position, error) {
	p := &Position{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: position tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			p.LatitudeI = int32(v)
		case 2:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			p.LongitudeI = int32(v)
		case 3:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			p.Altitude = int32(v)
		case 4:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			p.Time = v
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: position field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return p, nil
}

// DecodeTelemetry parses a TELEMETRY_APP payload.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: telemetry tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			t.Time = v
		case 2: // device_metrics
			var sub []byte
			sub, m = protowire.ConsumeBytes(b)
			if m >= 0 {
				if err := decodeDeviceMetrics(sub, t); err != nil {
					return nil, err
				}
			}
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: telemetry field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return t, nil
}

func decodeDeviceMetrics(b []byte, t *Telemetry) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: device metrics tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 1:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			t.BatteryLevel = uint32(v)
		case 2:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			t.Voltage = math.Float32frombits(v)
		case 3:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			t.ChannelUtil = math.Float32frombits(v)
		case 4:
			var v uint32
			v, m = protowire.ConsumeFixed32(b)
			t.AirUtilTx = math.Float32frombits(v)
		case 5:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			t.UptimeSeconds = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: device metrics field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return nil
}

// DecodeRouting parses a ROUTING_APP payload.
func DecodeRouting(b []byte) (*Routing, error) {
	r := &Routing{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: routing tag", ErrMalformed)
		}
		b = b[n:]
		var m int
		switch num {
		case 3:
			var v uint64
			v, m = protowire.ConsumeVarint(b)
			r.ErrorReason = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: routing field %d", ErrMalformed, num)
		}
		b = b[m:]
	}
	return r, nil
}
