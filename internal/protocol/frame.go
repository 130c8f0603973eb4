package protocol

import (
	"encoding/binary"
	"fmt"
)

// Meshtastic stream framing: two magic bytes, a 2-byte big-endian payload
// length, then the protobuf payload. The same framing is used on serial and
// TCP links.
const (
	start1     = 0x94
	start2     = 0xC3
	headerLen  = 4
	MaxPayload = 512
)

// Frame wraps a protobuf payload in stream framing.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: payload %d exceeds %d bytes", len(payload), MaxPayload)
	}
	out := make([]byte, headerLen+len(payload))
	out[0] = start1
	out[1] = start2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[headerLen:], payload)
	return out, nil
}

// Deframer is an incremental scanner for the stream framing. It tolerates
// garbage between frames (debug output, line noise) by resyncing on the
// next magic byte pair.
type Deframer struct {
	buf []byte
}

// Push appends raw bytes and returns every complete payload found so far.
// Returned slices are freshly allocated and safe to retain.
func (d *Deframer) Push(p []byte) [][]byte {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for {
		// Resync: discard everything before a plausible frame start.
		i := 0
		for i < len(d.buf) && d.buf[i] != start1 {
			i++
		}
		if i > 0 {
			d.buf = d.buf[i:]
		}
		if len(d.buf) < headerLen {
			return frames
		}
		if d.buf[1] != start2 {
			d.buf = d.buf[1:]
			continue
		}
		n := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if n > MaxPayload {
			// Corrupt length; skip the false magic byte and resync.
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < headerLen+n {
			return frames
		}
		payload := make([]byte, n)
		copy(payload, d.buf[headerLen:headerLen+n])
		d.buf = d.buf[headerLen+n:]
		frames = append(frames, payload)
	}
}

// Pending returns how many buffered bytes are awaiting more input.
func (d *Deframer) Pending() int { return len(d.buf) }

// Reset discards any partially buffered frame, for use after a reconnect.
func (d *Deframer) Reset() { d.buf = nil }
