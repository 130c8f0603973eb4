// Package state holds the derived views built from the event stream: the
// node database, channel table and conversation threads. Stores subscribe
// to the bus, apply events idempotently and answer queries with copies.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/domain"
	"github.com/jaschadub/Meshling/internal/metric"
)

// DefaultStaleAfter is the age past which a node is flagged stale.
const DefaultStaleAfter = 2 * time.Hour

// NodeManager materializes the mesh node database from packets and the
// device's configuration download. Nodes age but are never deleted.
type NodeManager struct {
	log        *zap.Logger
	metrics    *metric.Set
	staleAfter time.Duration

	mu      sync.RWMutex
	nodes   map[uint32]*domain.NodeRecord
	lastSeq map[uint32]uint64 // highest packet seq applied per node
}

// NewNodeManager constructs the store. staleAfter <= 0 uses the default.
func NewNodeManager(staleAfter time.Duration, log *zap.Logger, metrics *metric.Set) *NodeManager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &NodeManager{
		log:        log,
		metrics:    metrics,
		staleAfter: staleAfter,
		nodes:      make(map[uint32]*domain.NodeRecord),
		lastSeq:    make(map[uint32]uint64),
	}
}

// Run consumes node-bearing events until ctx is cancelled.
func (nm *NodeManager) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.WithKinds(bus.KindPacketReceived, bus.KindNodeUpdated))
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			switch {
			case e.Packet != nil:
				nm.ApplyPacket(e.Packet)
			case e.Node != nil:
				nm.ApplyNode(e.Node)
			}
		}
	}
}

// ApplyPacket folds one received packet into the sender's record.
// Replaying a seq already applied for that node leaves state unchanged.
func (nm *NodeManager) ApplyPacket(rec *domain.Record) {
	if rec.From == 0 || rec.From == domain.Broadcast {
		return
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	if rec.Seq != 0 && rec.Seq <= nm.lastSeq[rec.From] {
		return
	}
	nm.lastSeq[rec.From] = rec.Seq

	n := nm.upsertLocked(rec.From)
	if rec.RxTime.After(n.LastHeard) {
		n.LastHeard = rec.RxTime
	}
	if rec.RxSNR != 0 {
		n.RxSNR = rec.RxSNR
	}
	if rec.RxRSSI != 0 {
		n.RxRSSI = rec.RxRSSI
	}
	if h := rec.Hops(); h >= 0 {
		n.HopsAway = h
	}

	switch rec.Kind {
	case domain.KindNodeInfo:
		if u := rec.NodeInfo; u != nil {
			if u.ID != "" {
				n.NodeIDHex = u.ID
			}
			n.LongName = u.LongName
			n.ShortName = u.ShortName
			if u.Hardware != "" {
				n.Hardware = u.Hardware
			}
			if u.Role != "" {
				n.Role = u.Role
			}
		}
	case domain.KindPosition:
		if rec.Position != nil {
			p := *rec.Position
			n.Position = &p
		}
	case domain.KindTelemetry:
		if rec.Telemetry != nil {
			t := *rec.Telemetry
			n.Telemetry = &t
		}
	}
}

// ApplyNode merges a node record from the configuration download.
// LastHeard never regresses.
func (nm *NodeManager) ApplyNode(in *domain.NodeRecord) {
	if in.NodeID == 0 {
		return
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	n := nm.upsertLocked(in.NodeID)
	if in.LastHeard.After(n.LastHeard) {
		n.LastHeard = in.LastHeard
	}
	if in.NodeIDHex != "" {
		n.NodeIDHex = in.NodeIDHex
	}
	if in.LongName != "" {
		n.LongName = in.LongName
	}
	if in.ShortName != "" {
		n.ShortName = in.ShortName
	}
	if in.Hardware != "" {
		n.Hardware = in.Hardware
	}
	if in.Role != "" {
		n.Role = in.Role
	}
	if in.RxSNR != 0 {
		n.RxSNR = in.RxSNR
	}
	if in.HopsAway != 0 {
		n.HopsAway = in.HopsAway
	}
	if in.Position != nil {
		p := *in.Position
		n.Position = &p
	}
	if in.Telemetry != nil {
		t := *in.Telemetry
		n.Telemetry = &t
	}
}

func (nm *NodeManager) upsertLocked(id uint32) *domain.NodeRecord {
	n, ok := nm.nodes[id]
	if !ok {
		n = &domain.NodeRecord{
			NodeID:    id,
			NodeIDHex: fmt.Sprintf("!%08x", id),
			HopsAway:  -1,
		}
		nm.nodes[id] = n
		if nm.metrics != nil {
			nm.metrics.KnownNodes.Set(float64(len(nm.nodes)))
		}
	}
	return n
}

// Get returns a copy of one node's record.
func (nm *NodeManager) Get(id uint32) (domain.NodeRecord, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	n, ok := nm.nodes[id]
	if !ok {
		return domain.NodeRecord{}, false
	}
	return nm.snapshotLocked(n, time.Now()), true
}

// List returns copies of every known node, most recently heard first.
// The Stale flag reflects staleAfter at call time.
func (nm *NodeManager) List() []domain.NodeRecord {
	now := time.Now()
	nm.mu.RLock()
	out := make([]domain.NodeRecord, 0, len(nm.nodes))
	for _, n := range nm.nodes {
		out = append(out, nm.snapshotLocked(n, now))
	}
	nm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeard.Equal(out[j].LastHeard) {
			return out[i].LastHeard.After(out[j].LastHeard)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Count returns the number of known nodes.
func (nm *NodeManager) Count() int {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return len(nm.nodes)
}

func (nm *NodeManager) snapshotLocked(n *domain.NodeRecord, now time.Time) domain.NodeRecord {
	cp := *n
	if n.Position != nil {
		p := *n.Position
		cp.Position = &p
	}
	if n.Telemetry != nil {
		t := *n.Telemetry
		cp.Telemetry = &t
	}
	cp.Stale = !n.LastHeard.IsZero() && now.Sub(n.LastHeard) > nm.staleAfter
	return cp
}
