package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/domain"
)

func textRecord(seq uint64, from, to, channel uint32, text string, rx time.Time) *domain.Record {
	return &domain.Record{
		Seq:     seq,
		RxTime:  rx,
		From:    from,
		To:      to,
		Channel: channel,
		Kind:    domain.KindText,
		Text:    text,
	}
}

// ── NodeManager ────────────────────────────────────────────────────────────

func TestNodeUpsertAndIdempotentReplay(t *testing.T) {
	nm := NewNodeManager(0, zaptest.NewLogger(t), nil)
	rx := time.Now().UTC()

	rec := &domain.Record{
		Seq: 1, RxTime: rx, From: 0xAA, To: domain.Broadcast,
		Kind: domain.KindNodeInfo,
		NodeInfo: &domain.NodeIdentity{
			ID: "!000000aa", LongName: "Ridge Repeater", ShortName: "RDGE",
		},
		RxSNR: 5.5,
	}
	nm.ApplyPacket(rec)

	n, ok := nm.Get(0xAA)
	require.True(t, ok)
	assert.Equal(t, "Ridge Repeater", n.LongName)
	assert.Equal(t, rx, n.LastHeard)
	assert.Equal(t, 1, nm.Count())

	// Replaying the same seq changes nothing, even with mutated fields.
	replay := *rec
	replay.NodeInfo = &domain.NodeIdentity{ID: "!000000aa", LongName: "CHANGED"}
	nm.ApplyPacket(&replay)
	n, _ = nm.Get(0xAA)
	assert.Equal(t, "Ridge Repeater", n.LongName)
	assert.Equal(t, 1, nm.Count())
}

func TestNodeLastHeardNeverRegresses(t *testing.T) {
	nm := NewNodeManager(0, zaptest.NewLogger(t), nil)
	now := time.Now().UTC()

	nm.ApplyPacket(textRecord(1, 0xBB, domain.Broadcast, 0, "recent", now))
	// A later packet carrying an older device timestamp.
	nm.ApplyPacket(textRecord(2, 0xBB, domain.Broadcast, 0, "old clock", now.Add(-time.Hour)))

	n, ok := nm.Get(0xBB)
	require.True(t, ok)
	assert.Equal(t, now, n.LastHeard)

	// Config-download merges cannot regress it either.
	nm.ApplyNode(&domain.NodeRecord{NodeID: 0xBB, LastHeard: now.Add(-2 * time.Hour)})
	n, _ = nm.Get(0xBB)
	assert.Equal(t, now, n.LastHeard)
}

func TestNodeListSortedAndStaleFlag(t *testing.T) {
	nm := NewNodeManager(time.Hour, zaptest.NewLogger(t), nil)
	now := time.Now().UTC()

	nm.ApplyPacket(textRecord(1, 1, domain.Broadcast, 0, "x", now.Add(-3*time.Hour)))
	nm.ApplyPacket(textRecord(2, 2, domain.Broadcast, 0, "x", now))
	nm.ApplyPacket(textRecord(3, 3, domain.Broadcast, 0, "x", now.Add(-30*time.Minute)))

	list := nm.List()
	require.Len(t, list, 3)
	assert.Equal(t, uint32(2), list[0].NodeID)
	assert.Equal(t, uint32(3), list[1].NodeID)
	assert.Equal(t, uint32(1), list[2].NodeID)

	assert.False(t, list[0].Stale)
	assert.False(t, list[1].Stale)
	assert.True(t, list[2].Stale)
}

func TestNodePositionAndTelemetryMerge(t *testing.T) {
	nm := NewNodeManager(0, zaptest.NewLogger(t), nil)
	now := time.Now().UTC()

	nm.ApplyPacket(&domain.Record{
		Seq: 1, RxTime: now, From: 0xCC, To: domain.Broadcast,
		Kind:     domain.KindPosition,
		Position: &domain.Position{Latitude: 37.4, Longitude: -122.1, Altitude: 12},
	})
	nm.ApplyPacket(&domain.Record{
		Seq: 2, RxTime: now, From: 0xCC, To: domain.Broadcast,
		Kind:      domain.KindTelemetry,
		Telemetry: &domain.Telemetry{BatteryLevel: 87, Voltage: 4.01},
	})

	n, ok := nm.Get(0xCC)
	require.True(t, ok)
	require.NotNil(t, n.Position)
	require.NotNil(t, n.Telemetry)
	assert.InDelta(t, 37.4, n.Position.Latitude, 1e-9)
	assert.Equal(t, uint32(87), n.Telemetry.BatteryLevel)

	// Returned copies must not alias store internals.
	n.Position.Latitude = 0
	again, _ := nm.Get(0xCC)
	assert.InDelta(t, 37.4, again.Position.Latitude, 1e-9)
}

func TestNodeIgnoresBroadcastSender(t *testing.T) {
	nm := NewNodeManager(0, zaptest.NewLogger(t), nil)
	nm.ApplyPacket(textRecord(1, domain.Broadcast, domain.Broadcast, 0, "x", time.Now()))
	nm.ApplyPacket(textRecord(2, 0, domain.Broadcast, 0, "x", time.Now()))
	assert.Equal(t, 0, nm.Count())
}

// ── ChannelManager ─────────────────────────────────────────────────────────

func TestChannelApplyIdempotentAndSorted(t *testing.T) {
	cm := NewChannelManager(zaptest.NewLogger(t))

	cm.Apply(&domain.ChannelConfig{Index: 1, Name: "admin", Role: "SECONDARY"})
	cm.Apply(&domain.ChannelConfig{Index: 0, Name: "LongFast", Role: "PRIMARY"})
	cm.Apply(&domain.ChannelConfig{Index: 0, Name: "LongFast", Role: "PRIMARY"}) // replay

	list := cm.List()
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Index)
	assert.Equal(t, "LongFast", list[0].Name)
	assert.Equal(t, 1, list[1].Index)

	primary, ok := cm.Primary()
	require.True(t, ok)
	assert.Equal(t, "LongFast", primary.Name)

	_, ok = cm.Get(7)
	assert.False(t, ok)
}

// ── MessageQueue ───────────────────────────────────────────────────────────

type fakeSender struct {
	err   error
	calls int
}

func (f *fakeSender) SendText(text string, to, channel uint32, wantAck bool) (uint32, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

func TestMessageThreadsKeyedByChannelAndPeer(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := bus.New(log, nil)
	mq := NewMessageQueue(0, &fakeSender{}, b, log, nil)
	now := time.Now().UTC()

	mq.RecordInbound(textRecord(1, 0xAA, domain.Broadcast, 2, "on channel two", now))
	mq.RecordInbound(textRecord(2, 0xBB, 0x11223344, 0, "direct hello", now))

	assert.Equal(t, []string{"ch:2", "node:!000000bb"}, mq.Threads())

	ch := mq.Thread("ch:2")
	require.Len(t, ch, 1)
	assert.Equal(t, "on channel two", ch[0].Text)
	assert.Equal(t, domain.DirectionInbound, ch[0].Direction)

	// Replay leaves the thread unchanged.
	mq.RecordInbound(textRecord(1, 0xAA, domain.Broadcast, 2, "on channel two", now))
	assert.Len(t, mq.Thread("ch:2"), 1)

	// Non-text packets never enter threads.
	mq.RecordInbound(&domain.Record{Seq: 3, From: 0xAA, To: domain.Broadcast, Kind: domain.KindTelemetry})
	assert.Len(t, mq.Threads(), 2)
}

func TestMessageThreadBounded(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := bus.New(log, nil)
	mq := NewMessageQueue(3, &fakeSender{}, b, log, nil)
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		mq.RecordInbound(textRecord(uint64(i), 0xAA, domain.Broadcast, 0, "m", now.Add(time.Duration(i)*time.Second)))
	}

	th := mq.Thread("ch:0")
	require.Len(t, th, 3)
	assert.Equal(t, uint64(3), th[0].Seq)
	assert.Equal(t, uint64(5), th[2].Seq)
}

func TestSendRecordsOutboundAndPublishes(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := bus.New(log, nil)
	sub := b.Subscribe(bus.WithKinds(bus.KindMessageReceived))
	defer sub.Cancel()

	sender := &fakeSender{}
	mq := NewMessageQueue(0, sender, b, log, nil)

	require.NoError(t, mq.Send("outbound hi", domain.Broadcast, 1, false))
	assert.Equal(t, 1, sender.calls)

	th := mq.Thread("ch:1")
	require.Len(t, th, 1)
	assert.Equal(t, domain.DirectionOutbound, th[0].Direction)
	assert.Equal(t, "outbound hi", th[0].Text)

	select {
	case e := <-sub.C():
		require.NotNil(t, e.Message)
		assert.Equal(t, "outbound hi", e.Message.Text)
	case <-time.After(time.Second):
		t.Fatal("no message event")
	}
}

func TestSendFailurePublishesEventAndReturnsError(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := bus.New(log, nil)
	sub := b.Subscribe(bus.WithKinds(bus.KindSendFailed))
	defer sub.Cancel()

	boom := errors.New("not connected")
	mq := NewMessageQueue(0, &fakeSender{err: boom}, b, log, nil)

	err := mq.Send("doomed", 0x99, 0, false)
	require.ErrorIs(t, err, boom)

	select {
	case e := <-sub.C():
		require.NotNil(t, e.Failure)
		assert.Equal(t, "not connected", e.Failure.Reason)
		assert.Equal(t, uint32(0x99), e.Failure.To)
	case <-time.After(time.Second):
		t.Fatal("no send-failed event")
	}

	// Nothing lands in the thread on failure.
	assert.Empty(t, mq.Threads())
}
