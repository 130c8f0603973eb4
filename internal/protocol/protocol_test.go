package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// deviceFrame builds a framed FromRadio the way the firmware would.
func deviceFrame(t *testing.T, fromRadio []byte) []byte {
	t.Helper()
	framed, err := Frame(fromRadio)
	require.NoError(t, err)
	return framed
}

func fromRadioWithPacket(pkt []byte) []byte {
	b := protowire.AppendTag(nil, 2, protowire.BytesType)
	return protowire.AppendBytes(b, pkt)
}

func textPacket(from, to, channel, id uint32, text string) []byte {
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(PortTextMessage))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte(text))

	pkt := protowire.AppendTag(nil, 1, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(from))
	pkt = protowire.AppendTag(pkt, 2, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(to))
	pkt = protowire.AppendTag(pkt, 3, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(channel))
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.VarintType)
	pkt = protowire.AppendVarint(pkt, uint64(id))
	pkt = protowire.AppendTag(pkt, 8, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, math.Float32bits(7.25))
	pkt = protowire.AppendTag(pkt, 12, protowire.VarintType)
	rssi := int32(-92)
	pkt = protowire.AppendVarint(pkt, uint64(uint32(rssi)))
	return pkt
}

func TestDeframerSingleFrame(t *testing.T) {
	payload := fromRadioWithPacket(textPacket(0xDEADBEEF, 0xFFFFFFFF, 2, 42, "hello mesh"))
	framed := deviceFrame(t, payload)

	var d Deframer
	frames := d.Push(framed)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0])
	assert.Zero(t, d.Pending())
}

func TestDeframerSplitAcrossReads(t *testing.T) {
	payload := fromRadioWithPacket(textPacket(1, 2, 0, 7, "split"))
	framed := deviceFrame(t, payload)

	var d Deframer
	var got [][]byte
	for _, b := range framed {
		got = append(got, d.Push([]byte{b})...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
}

func TestDeframerResyncsOnGarbage(t *testing.T) {
	payload := fromRadioWithPacket(textPacket(1, 2, 0, 7, "after noise"))
	framed := deviceFrame(t, payload)

	// Debug text and a lone magic byte before the real frame.
	input := append([]byte("boot: radio init ok\n\x94"), framed...)
	var d Deframer
	frames := d.Push(input)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0])
}

func TestDeframerRejectsOversizedLength(t *testing.T) {
	var d Deframer
	// Magic bytes followed by an absurd length; must not stall the scanner.
	frames := d.Push([]byte{start1, start2, 0xFF, 0xFF})
	assert.Empty(t, frames)

	payload := fromRadioWithPacket(textPacket(1, 2, 0, 9, "ok"))
	framed := deviceFrame(t, payload)
	frames = d.Push(framed)
	require.Len(t, frames, 1)
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	_, err := Frame(make([]byte, MaxPayload+1))
	assert.Error(t, err)
}

func TestDecodeTextPacket(t *testing.T) {
	payload := fromRadioWithPacket(textPacket(0xDEADBEEF, 0xFFFFFFFF, 2, 42, "hello mesh"))

	fr, err := DecodeFromRadio(payload)
	require.NoError(t, err)
	require.NotNil(t, fr.Packet)

	p := fr.Packet
	assert.Equal(t, uint32(0xDEADBEEF), p.From)
	assert.Equal(t, uint32(0xFFFFFFFF), p.To)
	assert.Equal(t, uint32(2), p.Channel)
	assert.Equal(t, uint32(42), p.ID)
	assert.Equal(t, PortTextMessage, p.PortNum)
	assert.Equal(t, "hello mesh", string(p.Payload))
	assert.InDelta(t, 7.25, p.RxSNR, 0.001)
	assert.Equal(t, int32(-92), p.RxRSSI)
}

func TestDecodeNodeInfoRecord(t *testing.T) {
	user := protowire.AppendTag(nil, 1, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("!0000002a"))
	user = protowire.AppendTag(user, 2, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("Base Camp"))
	user = protowire.AppendTag(user, 3, protowire.BytesType)
	user = protowire.AppendBytes(user, []byte("BC"))

	ni := protowire.AppendTag(nil, 1, protowire.VarintType)
	ni = protowire.AppendVarint(ni, 42)
	ni = protowire.AppendTag(ni, 2, protowire.BytesType)
	ni = protowire.AppendBytes(ni, user)
	ni = protowire.AppendTag(ni, 4, protowire.Fixed32Type)
	ni = protowire.AppendFixed32(ni, math.Float32bits(-3.5))
	ni = protowire.AppendTag(ni, 9, protowire.VarintType)
	ni = protowire.AppendVarint(ni, 2)

	payload := protowire.AppendTag(nil, 4, protowire.BytesType)
	payload = protowire.AppendBytes(payload, ni)

	fr, err := DecodeFromRadio(payload)
	require.NoError(t, err)
	require.NotNil(t, fr.NodeInfo)
	assert.Equal(t, uint32(42), fr.NodeInfo.Num)
	assert.Equal(t, "Base Camp", fr.NodeInfo.User.LongName)
	assert.Equal(t, "BC", fr.NodeInfo.User.ShortName)
	assert.InDelta(t, -3.5, fr.NodeInfo.SNR, 0.001)
	assert.Equal(t, uint32(2), fr.NodeInfo.HopsAway)
}

func TestDecodeTelemetryPayload(t *testing.T) {
	dm := protowire.AppendTag(nil, 1, protowire.VarintType)
	dm = protowire.AppendVarint(dm, 87)
	dm = protowire.AppendTag(dm, 2, protowire.Fixed32Type)
	dm = protowire.AppendFixed32(dm, math.Float32bits(4.05))
	dm = protowire.AppendTag(dm, 3, protowire.Fixed32Type)
	dm = protowire.AppendFixed32(dm, math.Float32bits(12.5))

	tel := protowire.AppendTag(nil, 2, protowire.BytesType)
	tel = protowire.AppendBytes(tel, dm)

	got, err := DecodeTelemetry(tel)
	require.NoError(t, err)
	assert.Equal(t, uint32(87), got.BatteryLevel)
	assert.InDelta(t, 4.05, got.Voltage, 0.001)
	assert.InDelta(t, 12.5, got.ChannelUtil, 0.001)
}

func TestDecodePositionPayload(t *testing.T) {
	pos := protowire.AppendTag(nil, 1, protowire.Fixed32Type)
	pos = protowire.AppendFixed32(pos, uint32(523676000)) // 52.3676
	pos = protowire.AppendTag(pos, 2, protowire.Fixed32Type)
	pos = protowire.AppendFixed32(pos, uint32(49041000)) // 4.9041
	pos = protowire.AppendTag(pos, 3, protowire.VarintType)
	pos = protowire.AppendVarint(pos, 12)

	got, err := DecodePosition(pos)
	require.NoError(t, err)
	assert.Equal(t, int32(523676000), got.LatitudeI)
	assert.Equal(t, int32(49041000), got.LongitudeI)
	assert.Equal(t, int32(12), got.Altitude)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeFromRadio([]byte{0x12}) // bytes field tag with no length
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	payload := fromRadioWithPacket(textPacket(1, 2, 0, 5, "hi"))
	// Append a field this decoder has never heard of.
	payload = protowire.AppendTag(payload, 99, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("future"))

	fr, err := DecodeFromRadio(payload)
	require.NoError(t, err)
	require.NotNil(t, fr.Packet)
	assert.Equal(t, "hi", string(fr.Packet.Payload))
}

func TestEncodeTextRoundTrip(t *testing.T) {
	framed, err := EncodeText(77, 0xFFFFFFFF, 1, "outbound text", true)
	require.NoError(t, err)

	var d Deframer
	frames := d.Push(framed)
	require.Len(t, frames, 1)

	// ToRadio.packet is field 1; re-wrap as FromRadio.packet (field 2) so the
	// decoder can verify the inner MeshPacket the firmware would see.
	_, _, n := protowire.ConsumeTag(frames[0])
	require.Greater(t, n, 0)
	inner, m := protowire.ConsumeBytes(frames[0][n:])
	require.Greater(t, m, 0)

	fr, err := DecodeFromRadio(fromRadioWithPacket(inner))
	require.NoError(t, err)
	require.NotNil(t, fr.Packet)
	assert.Equal(t, uint32(77), fr.Packet.ID)
	assert.Equal(t, uint32(0xFFFFFFFF), fr.Packet.To)
	assert.Equal(t, uint32(1), fr.Packet.Channel)
	assert.True(t, fr.Packet.WantAck)
	assert.Equal(t, PortTextMessage, fr.Packet.PortNum)
	assert.Equal(t, "outbound text", string(fr.Packet.Payload))
}

func TestEncodeRequestValidatesPort(t *testing.T) {
	_, err := EncodeRequest(1, 42, 0, PortRouting)
	assert.Error(t, err)

	framed, err := EncodeRequest(1, 42, 0, PortTelemetry)
	require.NoError(t, err)
	assert.Greater(t, len(framed), headerLen)
}

func TestPortLabels(t *testing.T) {
	assert.Equal(t, "TEXT_MESSAGE_APP", PortTextMessage.Label())
	assert.Equal(t, "TELEMETRY_APP", PortTelemetry.Label())
	assert.Equal(t, "UNKNOWN(9)", PortNum(9).Label())
}
