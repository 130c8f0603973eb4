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

// DefaultThreadLimit bounds each conversation thread's retained history.
const DefaultThreadLimit = 200

// Sender is the narrow slice of the connection manager the message queue
// needs to transmit.
type Sender interface {
	SendText(text string, to, channel uint32, wantAck bool) (uint32, error)
}

// ThreadKey names the conversation a message belongs to: a channel thread
// for broadcasts, a direct thread keyed by the peer otherwise.
func ThreadKey(peer, channel uint32, broadcast bool) string {
	if broadcast {
		return fmt.Sprintf("ch:%d", channel)
	}
	return fmt.Sprintf("node:!%08x", peer)
}

// MessageQueue keeps bounded conversation threads and fronts outbound text
// sends. A rejected or failed send surfaces as a SendFailed event for bus
// consumers in addition to the error returned to the caller.
type MessageQueue struct {
	log     *zap.Logger
	bus     *bus.Bus
	metrics *metric.Set
	sender  Sender
	limit   int

	mu      sync.RWMutex
	threads map[string][]domain.Message
	lastSeq map[string]uint64 // highest inbound packet seq applied per thread
}

// NewMessageQueue constructs the store. limit <= 0 uses the default.
func NewMessageQueue(limit int, sender Sender, b *bus.Bus, log *zap.Logger, metrics *metric.Set) *MessageQueue {
	if limit <= 0 {
		limit = DefaultThreadLimit
	}
	return &MessageQueue{
		log:     log,
		bus:     b,
		metrics: metrics,
		sender:  sender,
		limit:   limit,
		threads: make(map[string][]domain.Message),
		lastSeq: make(map[string]uint64),
	}
}

// Run consumes text packets until ctx is cancelled.
func (mq *MessageQueue) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.WithKinds(bus.KindPacketReceived))
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Packet != nil {
				mq.RecordInbound(e.Packet)
			}
		}
	}
}

// RecordInbound appends a received text packet to its thread. Non-text
// packets and replayed seqs are ignored.
func (mq *MessageQueue) RecordInbound(rec *domain.Record) {
	if rec.Kind != domain.KindText {
		return
	}
	key := ThreadKey(rec.From, rec.Channel, rec.To == domain.Broadcast)

	mq.mu.Lock()
	if rec.Seq != 0 && rec.Seq <= mq.lastSeq[key] {
		mq.mu.Unlock()
		return
	}
	mq.lastSeq[key] = rec.Seq
	msg := domain.Message{
		Seq:       rec.Seq,
		Direction: domain.DirectionInbound,
		From:      rec.From,
		To:        rec.To,
		Channel:   rec.Channel,
		Text:      rec.Text,
		Time:      rec.RxTime,
	}
	mq.appendLocked(key, msg)
	mq.mu.Unlock()

	mq.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Time: msg.Time, Message: &msg})
}

// Send transmits a text message and records it in the outbound thread.
// Failures come back as an error and as a SendFailed event.
func (mq *MessageQueue) Send(text string, to, channel uint32, wantAck bool) error {
	if _, err := mq.sender.SendText(text, to, channel, wantAck); err != nil {
		mq.log.Warn("state: send rejected",
			zap.Uint32("to", to), zap.Uint32("channel", channel), zap.Error(err))
		if mq.metrics != nil {
			mq.metrics.SendFailures.Inc()
		}
		mq.bus.Publish(bus.Event{
			Kind: bus.KindSendFailed,
			Failure: &domain.SendFailure{
				Reason:  err.Error(),
				Text:    text,
				To:      to,
				Channel: channel,
			},
		})
		return err
	}

	msg := domain.Message{
		Direction: domain.DirectionOutbound,
		To:        to,
		Channel:   channel,
		Text:      text,
		Time:      time.Now().UTC(),
	}
	key := ThreadKey(to, channel, to == domain.Broadcast)
	mq.mu.Lock()
	mq.appendLocked(key, msg)
	mq.mu.Unlock()

	mq.bus.Publish(bus.Event{Kind: bus.KindMessageReceived, Time: msg.Time, Message: &msg})
	return nil
}

func (mq *MessageQueue) appendLocked(key string, msg domain.Message) {
	th := append(mq.threads[key], msg)
	if len(th) > mq.limit {
		th = th[len(th)-mq.limit:]
	}
	mq.threads[key] = th
}

// Thread returns a copy of one conversation, oldest first.
func (mq *MessageQueue) Thread(key string) []domain.Message {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return append([]domain.Message(nil), mq.threads[key]...)
}

// Threads lists the known conversation keys, sorted.
func (mq *MessageQueue) Threads() []string {
	mq.mu.RLock()
	out := make([]string, 0, len(mq.threads))
	for k := range mq.threads {
		out = append(out, k)
	}
	mq.mu.RUnlock()
	sort.Strings(out)
	return out
}

// All returns every thread's messages merged, oldest first. Used by the
// gateway's flat message listing.
func (mq *MessageQueue) All() []domain.Message {
	mq.mu.RLock()
	var out []domain.Message
	for _, th := range mq.threads {
		out = append(out, th...)
	}
	mq.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}
