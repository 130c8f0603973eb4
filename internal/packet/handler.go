// Package packet normalizes decoded device frames into immutable domain
// records, keeps a bounded most-recent history, and forwards records to
// the event bus subject to the active filter. It is driven from the single
// I/O goroutine; queries may run concurrently from any goroutine.
package packet

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/domain"
	"github.com/jaschadub/Meshling/internal/metric"
	"github.com/jaschadub/Meshling/internal/protocol"
)

// DefaultHistoryCapacity bounds the in-memory packet history when the
// configuration does not say otherwise.
const DefaultHistoryCapacity = 1024

// Stats is a snapshot of the handler's diagnostic counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Filtered  uint64 `json:"filtered"`
	Malformed uint64 `json:"malformed"`
}

// Handler is the packet normalization and filter pipeline.
type Handler struct {
	log     *zap.Logger
	bus     *bus.Bus
	metrics *metric.Set

	filter atomic.Pointer[domain.Filter]

	received  atomic.Uint64
	filtered  atomic.Uint64
	malformed atomic.Uint64

	mu      sync.RWMutex
	ring    []domain.Record
	next    int // write index
	size    int
	lastSeq uint64
}

// New constructs a Handler with the given history capacity. metrics may be
// nil.
func New(capacity int, b *bus.Bus, log *zap.Logger, metrics *metric.Set) *Handler {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Handler{
		log:     log,
		bus:     b,
		metrics: metrics,
		ring:    make([]domain.Record, capacity),
	}
}

// HandleFrame consumes one decoded FromRadio from the I/O goroutine.
// Mesh packets become history records and packet-received events; node and
// channel records from the configuration download are forwarded as their
// own event kinds without entering packet history.
func (h *Handler) HandleFrame(fr *protocol.FromRadio, rx time.Time) {
	switch {
	case fr.Packet != nil:
		h.handlePacket(fr.Packet, rx)
	case fr.NodeInfo != nil:
		h.bus.Publish(bus.Event{
			Kind: bus.KindNodeUpdated,
			Node: nodeFromInfo(fr.NodeInfo, rx),
		})
	case fr.Channel != nil:
		h.bus.Publish(bus.Event{
			Kind:    bus.KindChannelUpdated,
			Channel: channelFromFrame(fr.Channel),
		})
	case fr.ConfigCompleteID != 0:
		h.log.Debug("packet: config download complete",
			zap.Uint32("nonce", fr.ConfigCompleteID))
	}
}

// HandleMalformed counts a frame that failed to decode. Never fatal.
func (h *Handler) HandleMalformed(err error) {
	h.malformed.Add(1)
	if h.metrics != nil {
		h.metrics.PacketsMalformed.Inc()
	}
	h.log.Debug("packet: dropped malformed frame", zap.Error(err))
}

func (h *Handler) handlePacket(p *protocol.MeshPacket, rx time.Time) {
	rec := h.normalize(p, rx)

	h.mu.Lock()
	h.lastSeq++
	rec.Seq = h.lastSeq
	h.ring[h.next] = rec
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}
	h.mu.Unlock()

	h.received.Add(1)
	if h.metrics != nil {
		h.metrics.PacketsReceived.Inc()
	}

	if f := h.filter.Load(); !f.Match(&rec) {
		h.filtered.Add(1)
		if h.metrics != nil {
			h.metrics.PacketsFiltered.Inc()
		}
		return
	}
	h.bus.Publish(bus.Event{Kind: bus.KindPacketReceived, Time: rx, Packet: &rec})
}

// normalize decodes the application payload into a typed record. Payloads
// that fail to decode downgrade to KindOther with raw bytes retained.
func (h *Handler) normalize(p *protocol.MeshPacket, rx time.Time) domain.Record {
	rec := domain.Record{
		RxTime:   rx,
		From:     p.From,
		To:       p.To,
		Channel:  p.Channel,
		Kind:     domain.KindOther,
		Raw:      p.Payload,
		RxSNR:    p.RxSNR,
		RxRSSI:   p.RxRSSI,
		HopLimit: p.HopLimit,
		HopStart: p.HopStart,
		WantAck:  p.WantAck,
		ViaRelay: p.ViaMQTT,
	}
	if p.RxTime != 0 {
		rec.RxTime = time.Unix(int64(p.RxTime), 0).UTC()
	}
	if rec.RxTime.IsZero() {
		rec.RxTime = time.Now().UTC()
	}

	switch p.PortNum {
	case protocol.PortTextMessage:
		rec.Kind = domain.KindText
		rec.Text = string(p.Payload)
	case protocol.PortPosition:
		pos, err := protocol.DecodePosition(p.Payload)
		if err != nil {
			h.payloadError(p, err)
			return rec
		}
		rec.Kind = domain.KindPosition
		rec.Position = &domain.Position{
			Latitude:  float64(pos.LatitudeI) * 1e-7,
			Longitude: float64(pos.LongitudeI) * 1e-7,
			Altitude:  pos.Altitude,
			Time:      pos.Time,
		}
	case protocol.PortNodeInfo:
		u, err := protocol.DecodeUser(p.Payload)
		if err != nil {
			h.payloadError(p, err)
			return rec
		}
		rec.Kind = domain.KindNodeInfo
		rec.NodeInfo = &domain.NodeIdentity{
			ID:        u.ID,
			LongName:  u.LongName,
			ShortName: u.ShortName,
			Hardware:  fmt.Sprintf("HW(%d)", u.HwModel),
		}
	case protocol.PortTelemetry:
		tel, err := protocol.DecodeTelemetry(p.Payload)
		if err != nil {
			h.payloadError(p, err)
			return rec
		}
		rec.Kind = domain.KindTelemetry
		rec.Telemetry = &domain.Telemetry{
			BatteryLevel: tel.BatteryLevel,
			Voltage:      tel.Voltage,
			ChannelUtil:  tel.ChannelUtil,
			AirUtilTx:    tel.AirUtilTx,
			UptimeSec:    tel.UptimeSeconds,
		}
	case protocol.PortRouting:
		r, err := protocol.DecodeRouting(p.Payload)
		if err != nil {
			h.payloadError(p, err)
			return rec
		}
		rec.Kind = domain.KindRouting
		rec.RouteErr = protocol.RoutingErrorLabel(r.ErrorReason)
	}
	return rec
}

func (h *Handler) payloadError(p *protocol.MeshPacket, err error) {
	h.malformed.Add(1)
	if h.metrics != nil {
		h.metrics.PacketsMalformed.Inc()
	}
	h.log.Debug("packet: undecodable payload",
		zap.String("port", p.PortNum.Label()),
		zap.Uint32("from", p.From),
		zap.Error(err),
	)
}

// SetFilter atomically replaces the active forwarding filter. A nil filter
// forwards everything. History retention is unaffected.
func (h *Handler) SetFilter(f *domain.Filter) {
	h.filter.Store(f)
}

// ActiveFilter returns the currently applied forwarding filter.
func (h *Handler) ActiveFilter() *domain.Filter {
	return h.filter.Load()
}

// Query returns a lazy, restartable sequence over the retained history,
// most-recent-first, of records matching f (nil matches all). The sequence
// iterates a point-in-time snapshot, so it is safe against concurrent
// ingest.
func (h *Handler) Query(f *domain.Filter) iter.Seq[domain.Record] {
	h.mu.RLock()
	snapshot := make([]domain.Record, 0, h.size)
	for i := 0; i < h.size; i++ {
		// Walk backwards from the most recently written slot.
		idx := (h.next - 1 - i + len(h.ring)) % len(h.ring)
		snapshot = append(snapshot, h.ring[idx])
	}
	h.mu.RUnlock()

	return func(yield func(domain.Record) bool) {
		for _, rec := range snapshot {
			if !f.Match(&rec) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Stats returns a snapshot of the diagnostic counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Received:  h.received.Load(),
		Filtered:  h.filtered.Load(),
		Malformed: h.malformed.Load(),
	}
}

// HistoryLen returns how many records the history currently retains.
func (h *Handler) HistoryLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func nodeFromInfo(ni *protocol.NodeInfo, rx time.Time) *domain.NodeRecord {
	n := &domain.NodeRecord{
		NodeID:    ni.Num,
		NodeIDHex: fmt.Sprintf("!%08x", ni.Num),
		RxSNR:     ni.SNR,
		HopsAway:  int(ni.HopsAway),
		LastHeard: rx,
	}
	if ni.LastHeard != 0 {
		n.LastHeard = time.Unix(int64(ni.LastHeard), 0).UTC()
	}
	if ni.User != nil {
		n.LongName = ni.User.LongName
		n.ShortName = ni.User.ShortName
		if ni.User.ID != "" {
			n.NodeIDHex = ni.User.ID
		}
		n.Hardware = fmt.Sprintf("HW(%d)", ni.User.HwModel)
	}
	if ni.Position != nil {
		n.Position = &domain.Position{
			Latitude:  float64(ni.Position.LatitudeI) * 1e-7,
			Longitude: float64(ni.Position.LongitudeI) * 1e-7,
			Altitude:  ni.Position.Altitude,
		}
	}
	return n
}

func channelFromFrame(ch *protocol.Channel) *domain.ChannelConfig {
	role := "DISABLED"
	switch ch.Role {
	case 1:
		role = "PRIMARY"
	case 2:
		role = "SECONDARY"
	}
	return &domain.ChannelConfig{
		Index: int(ch.Index),
		Name:  ch.Name,
		Role:  role,
		PSK:   ch.PSK,
	}
}
