package state

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/domain"
)

// ChannelManager materializes the device's channel table from the
// configuration download. Updates are idempotent; a replayed channel
// record leaves the table unchanged.
type ChannelManager struct {
	log *zap.Logger

	mu       sync.RWMutex
	channels map[int]domain.ChannelConfig
}

func NewChannelManager(log *zap.Logger) *ChannelManager {
	return &ChannelManager{
		log:      log,
		channels: make(map[int]domain.ChannelConfig),
	}
}

// Run consumes channel events until ctx is cancelled.
func (cm *ChannelManager) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.WithKinds(bus.KindChannelUpdated))
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Channel != nil {
				cm.Apply(e.Channel)
			}
		}
	}
}

// Apply installs or replaces one channel slot.
func (cm *ChannelManager) Apply(ch *domain.ChannelConfig) {
	if ch.Index < 0 {
		return
	}
	cm.mu.Lock()
	prev, existed := cm.channels[ch.Index]
	cp := *ch
	cp.PSK = append([]byte(nil), ch.PSK...)
	cm.channels[ch.Index] = cp
	cm.mu.Unlock()

	if !existed {
		cm.log.Debug("state: channel learned",
			zap.Int("index", ch.Index), zap.String("name", ch.Name), zap.String("role", ch.Role))
	} else if prev.Name != ch.Name || prev.Role != ch.Role {
		cm.log.Debug("state: channel changed",
			zap.Int("index", ch.Index), zap.String("name", ch.Name), zap.String("role", ch.Role))
	}
}

// Get returns a copy of one channel slot.
func (cm *ChannelManager) Get(index int) (domain.ChannelConfig, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ch, ok := cm.channels[index]
	if !ok {
		return domain.ChannelConfig{}, false
	}
	ch.PSK = append([]byte(nil), ch.PSK...)
	return ch, true
}

// Primary returns the primary channel slot, if the device reported one.
func (cm *ChannelManager) Primary() (domain.ChannelConfig, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, ch := range cm.channels {
		if ch.Role == "PRIMARY" {
			ch.PSK = append([]byte(nil), ch.PSK...)
			return ch, true
		}
	}
	return domain.ChannelConfig{}, false
}

// List returns copies of all known channels ordered by slot index.
func (cm *ChannelManager) List() []domain.ChannelConfig {
	cm.mu.RLock()
	out := make([]domain.ChannelConfig, 0, len(cm.channels))
	for _, ch := range cm.channels {
		ch.PSK = append([]byte(nil), ch.PSK...)
		out = append(out, ch)
	}
	cm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
