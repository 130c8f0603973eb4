// Package conn owns the single device session: detection, connect,
// reconnect with backoff, and the outbound command gate. All state
// transitions are announced on the event bus, exactly one event per
// transition, ordered with the packet events of the same session.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/domain"
	"github.com/jaschadub/Meshling/internal/metric"
	"github.com/jaschadub/Meshling/internal/packet"
	"github.com/jaschadub/Meshling/internal/protocol"
	"github.com/jaschadub/Meshling/internal/retry"
	"github.com/jaschadub/Meshling/internal/transport"
)

var (
	// ErrNoDeviceFound means a detection pass exhausted every candidate.
	ErrNoDeviceFound = errors.New("conn: no device found")
	// ErrNotConnected rejects outbound commands outside the Connected state.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrBusy rejects a connect while another connect or session is active.
	ErrBusy = errors.New("conn: connection attempt already in progress")
	// ErrInvalidTarget rejects sends with an unusable destination.
	ErrInvalidTarget = errors.New("conn: invalid target")
)

// DefaultProbeTimeout bounds a single candidate probe: transport open,
// handshake write and the first frame back.
const DefaultProbeTimeout = 5 * time.Second

// DefaultHeartbeat is the keepalive interval while connected.
const DefaultHeartbeat = 30 * time.Second

// Dialer constructs a transport for an endpoint. Tests substitute fakes.
type Dialer func(ep transport.Endpoint, log *zap.Logger) transport.Transport

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	ProbeTimeout time.Duration
	Heartbeat    time.Duration // 0 uses DefaultHeartbeat, negative disables
	Backoff      retry.Config
	Dialer       Dialer
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Backoff == (retry.Config{}) {
		c.Backoff = retry.DefaultConfig()
	}
	if c.Dialer == nil {
		c.Dialer = transport.Dial
	}
	return c
}

// Snapshot is a point-in-time copy of the manager's observable state.
type Snapshot struct {
	State     domain.ConnectionState `json:"state"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	MyNodeNum uint32                 `json:"my_node_num,omitempty"`
	Attempt   int                    `json:"attempt,omitempty"`
	LastErr   string                 `json:"last_error,omitempty"`
}

// Manager drives the device session lifecycle.
type Manager struct {
	log     *zap.Logger
	bus     *bus.Bus
	handler *packet.Handler
	metrics *metric.Set
	cfg     Config

	nextID atomic.Uint32

	mu        sync.Mutex
	state     domain.ConnectionState
	tr        transport.Transport
	endpoint  string
	myNodeNum uint32
	attempt   int
	lastErr   string
	gen       uint64             // claim token, bumped by begin and Disconnect
	cancel    context.CancelFunc // cancels the connect attempt or session
	done      chan struct{}      // closed when the session goroutine exits
}

// New constructs a Manager. metrics may be nil.
func New(cfg Config, h *packet.Handler, b *bus.Bus, log *zap.Logger, metrics *metric.Set) *Manager {
	m := &Manager{
		log:     log,
		bus:     b,
		handler: h,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		state:   domain.StateDisconnected,
	}
	m.nextID.Store(rand.Uint32())
	return m
}

// ── lifecycle ──────────────────────────────────────────────────────────────

// AutoDetectAndConnect probes candidates in order, serial endpoints first,
// and connects to the first one that completes the handshake. Extra
// candidates from config are merged with the enumerated serial ports.
// Returns ErrNoDeviceFound when the whole pass comes up empty.
func (m *Manager) AutoDetectAndConnect(ctx context.Context, extra []transport.Endpoint) error {
	ctx, gen, err := m.begin(ctx, domain.StateDetecting, "")
	if err != nil {
		return err
	}

	candidates := transport.OrderCandidates(append(transport.ListSerialEndpoints(m.log), extra...))
	if len(candidates) == 0 {
		m.release(gen, ErrNoDeviceFound.Error())
		return ErrNoDeviceFound
	}
	m.log.Info("conn: starting detection pass", zap.Int("candidates", len(candidates)))

	var lastErr error
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			m.release(gen, err.Error())
			return err
		}
		tr, err := m.probe(ctx, ep)
		if err != nil {
			m.log.Debug("conn: candidate rejected",
				zap.String("endpoint", ep.String()), zap.Error(err))
			lastErr = err
			continue
		}
		if !m.adopt(tr, ep, gen) {
			return context.Canceled
		}
		return nil
	}

	err = ErrNoDeviceFound
	if lastErr != nil {
		err = fmt.Errorf("%w: last candidate: %w", ErrNoDeviceFound, lastErr)
	}
	m.release(gen, err.Error())
	return err
}

// ConnectExplicit connects to one endpoint without detection.
func (m *Manager) ConnectExplicit(ctx context.Context, ep transport.Endpoint) error {
	ctx, gen, err := m.begin(ctx, domain.StateConnecting, ep.String())
	if err != nil {
		return err
	}
	tr, err := m.probe(ctx, ep)
	if err != nil {
		m.release(gen, err.Error())
		return err
	}
	if !m.adopt(tr, ep, gen) {
		return context.Canceled
	}
	return nil
}

// Disconnect tears down the session. Idempotent; aborts an in-flight
// connect or detection pass, cancels a running reconnect loop, and waits
// for the session goroutine to exit. Bumping the claim token keeps a probe
// that completes concurrently from adopting its transport afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	tr := m.tr
	m.tr = nil
	already := m.state == domain.StateDisconnected && cancel == nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
	if done != nil {
		<-done
	}
	if !already {
		m.settle(domain.StateDisconnected, "", "", false)
	}
}

// Status returns a copy of the observable state. Never blocks on I/O.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:     m.state,
		Endpoint:  m.endpoint,
		MyNodeNum: m.myNodeNum,
		Attempt:   m.attempt,
		LastErr:   m.lastErr,
	}
}

// ── outbound command gate ──────────────────────────────────────────────────

// SendText transmits a text message. to is a node number or
// domain.Broadcast. Rejected with ErrNotConnected outside the Connected
// state.
func (m *Manager) SendText(text string, to, channel uint32, wantAck bool) (uint32, error) {
	if to == 0 {
		return 0, fmt.Errorf("%w: destination node 0", ErrInvalidTarget)
	}
	tr, err := m.connectedTransport()
	if err != nil {
		return 0, err
	}
	id := m.nextID.Add(1)
	frame, err := protocol.EncodeText(id, to, channel, text, wantAck)
	if err != nil {
		return 0, err
	}
	if err := m.write(tr, frame); err != nil {
		return 0, fmt.Errorf("conn: send text: %w", err)
	}
	return id, nil
}

// RequestNodeInfo asks a node to broadcast its identity record.
func (m *Manager) RequestNodeInfo(node uint32) error {
	return m.request(node, protocol.PortNodeInfo)
}

// RequestTelemetry asks a node for its device metrics.
func (m *Manager) RequestTelemetry(node uint32) error {
	return m.request(node, protocol.PortTelemetry)
}

func (m *Manager) request(node uint32, port protocol.PortNum) error {
	if node == 0 || node == domain.Broadcast {
		return fmt.Errorf("%w: request needs a specific node", ErrInvalidTarget)
	}
	tr, err := m.connectedTransport()
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeRequest(m.nextID.Add(1), node, 0, port)
	if err != nil {
		return err
	}
	if err := m.write(tr, frame); err != nil {
		return fmt.Errorf("conn: request %s: %w", port.Label(), err)
	}
	return nil
}

func (m *Manager) connectedTransport() (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected || m.tr == nil {
		return nil, ErrNotConnected
	}
	return m.tr, nil
}

func (m *Manager) write(tr transport.Transport, frame []byte) error {
	if err := tr.Write(frame); err != nil {
		if m.metrics != nil {
			m.metrics.SendFailures.Inc()
		}
		return err
	}
	return nil
}

// ── session internals ──────────────────────────────────────────────────────

// begin claims the manager for a new connection attempt. Only one attempt
// or session may be active at a time. The returned context is cancelled by
// Disconnect, and the claim token gates adopt and release so a probe that
// outlives its claim cannot move the state machine.
func (m *Manager) begin(ctx context.Context, st domain.ConnectionState, endpoint string) (context.Context, uint64, error) {
	m.mu.Lock()
	if m.state != domain.StateDisconnected && m.state != domain.StateFailed {
		m.mu.Unlock()
		return nil, 0, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.state = st
	m.endpoint = endpoint
	m.lastErr = ""
	m.attempt = 0
	m.mu.Unlock()
	m.publishChange(st, endpoint, "", 0, false)
	return ctx, gen, nil
}

// release ends a failed connect attempt. A stale claim means Disconnect
// already took over the state machine, so there is nothing left to settle.
func (m *Manager) release(gen uint64, errStr string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.state = domain.StateDisconnected
	m.endpoint = ""
	m.lastErr = errStr
	m.attempt = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.publishChange(domain.StateDisconnected, "", errStr, 0, false)
}

// probe opens the endpoint and performs the handshake: write want-config,
// then require one decodable frame back within the probe timeout. Serial
// ports open happily with nothing attached, so the frame is the proof.
func (m *Manager) probe(ctx context.Context, ep transport.Endpoint) (transport.Transport, error) {
	tr := m.cfg.Dialer(ep, m.log)

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := tr.Open(openCtx); err != nil {
		return nil, err
	}

	nonce := rand.Uint32()
	frame, err := protocol.EncodeWantConfig(nonce)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if err := tr.Write(frame); err != nil {
		_ = tr.Close()
		return nil, err
	}

	select {
	case fr, ok := <-tr.Frames():
		if !ok {
			err := tr.Err()
			_ = tr.Close()
			if err == nil {
				err = transport.ErrConnectionDropped
			}
			return nil, err
		}
		m.dispatch(fr)
		return tr, nil
	case <-openCtx.Done():
		_ = tr.Close()
		return nil, fmt.Errorf("%w: no frame within %s on %s",
			transport.ErrTimeout, m.cfg.ProbeTimeout, ep)
	}
}

// adopt installs a proven transport as the live session and starts the
// session goroutine. Returns false, closing the transport, when the claim
// was lost to a Disconnect while the probe was in flight.
func (m *Manager) adopt(tr transport.Transport, ep transport.Endpoint, gen uint64) bool {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		cancel()
		_ = tr.Close()
		return false
	}
	prev := m.cancel // the connect attempt's cancel from begin
	m.tr = tr
	m.cancel = cancel
	m.done = done
	m.state = domain.StateConnected
	m.endpoint = ep.String()
	m.lastErr = ""
	m.attempt = 0
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	m.publishChange(domain.StateConnected, ep.String(), "", 0, false)
	m.log.Info("conn: connected", zap.String("endpoint", ep.String()))

	go m.runSession(ctx, tr, ep, done)
	return true
}

// runSession pumps frames until the transport dies, then drives the
// reconnect loop. Exits on context cancel (Disconnect) or terminal failure.
func (m *Manager) runSession(ctx context.Context, tr transport.Transport, ep transport.Endpoint, done chan struct{}) {
	defer close(done)

	for {
		m.ioLoop(ctx, tr)
		_ = tr.Close()
		if ctx.Err() != nil {
			return
		}

		cause := tr.Err()
		if cause == nil {
			cause = transport.ErrConnectionDropped
		}
		m.log.Warn("conn: connection lost",
			zap.String("endpoint", ep.String()), zap.Error(cause))

		var next transport.Transport
		err := retry.Do(ctx, m.cfg.Backoff, func(attempt int) error {
			m.settleAttempt(domain.StateReconnecting, ep.String(), cause.Error(), attempt)
			if m.metrics != nil {
				m.metrics.Reconnects.Inc()
			}
			t, perr := m.probe(ctx, ep)
			if perr != nil {
				m.log.Debug("conn: reconnect attempt failed",
					zap.Int("attempt", attempt), zap.Error(perr))
				return perr
			}
			next = t
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			m.tr = nil
			m.cancel = nil
			m.done = nil
			m.mu.Unlock()
			m.settleTerminal(ep.String(), err.Error())
			return
		}

		m.mu.Lock()
		m.tr = next
		m.mu.Unlock()
		m.settle(domain.StateConnected, ep.String(), "", false)
		m.log.Info("conn: reconnected", zap.String("endpoint", ep.String()))
		tr = next
	}
}

// ioLoop is the single reader of the session's frames. Returns when the
// frames channel closes or ctx is cancelled.
func (m *Manager) ioLoop(ctx context.Context, tr transport.Transport) {
	var heartbeat <-chan time.Time
	if m.cfg.Heartbeat > 0 {
		t := time.NewTicker(m.cfg.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-tr.Frames():
			if !ok {
				return
			}
			m.dispatch(fr)
		case <-heartbeat:
			frame, err := protocol.EncodeHeartbeat()
			if err == nil {
				err = tr.Write(frame)
			}
			if err != nil {
				m.log.Debug("conn: heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// dispatch decodes one transport frame and hands it to the pipeline.
func (m *Manager) dispatch(fr transport.Frame) {
	decoded, err := protocol.DecodeFromRadio(fr.Data)
	if err != nil {
		m.handler.HandleMalformed(err)
		return
	}
	if decoded.MyInfo != nil {
		m.mu.Lock()
		m.myNodeNum = decoded.MyInfo.MyNodeNum
		m.mu.Unlock()
		m.log.Info("conn: device identity received",
			zap.String("node", fmt.Sprintf("!%08x", decoded.MyInfo.MyNodeNum)))
		return
	}
	m.handler.HandleFrame(decoded, fr.RxTime)
}

// ── transitions ────────────────────────────────────────────────────────────

func (m *Manager) settle(st domain.ConnectionState, endpoint, errStr string, terminal bool) {
	m.transition(st, endpoint, errStr, 0, terminal)
}

func (m *Manager) settleAttempt(st domain.ConnectionState, endpoint, errStr string, attempt int) {
	m.transition(st, endpoint, errStr, attempt, false)
}

func (m *Manager) settleTerminal(endpoint, errStr string) {
	m.transition(domain.StateFailed, endpoint, errStr, 0, true)
}

// transition applies a state change and publishes exactly one event for it.
// The device identity survives reconnects, so myNodeNum is left alone.
func (m *Manager) transition(st domain.ConnectionState, endpoint, errStr string, attempt int, terminal bool) {
	m.mu.Lock()
	m.state = st
	m.endpoint = endpoint
	m.lastErr = errStr
	m.attempt = attempt
	m.mu.Unlock()

	m.publishChange(st, endpoint, errStr, attempt, terminal)
}

func (m *Manager) publishChange(st domain.ConnectionState, endpoint, errStr string, attempt int, terminal bool) {
	if m.metrics != nil {
		m.metrics.ConnectionState.Set(float64(st))
	}
	m.bus.Publish(bus.Event{
		Kind: bus.KindConnectionState,
		Connection: &domain.ConnectionChange{
			State:    st,
			Endpoint: endpoint,
			Err:      errStr,
			Attempt:  attempt,
			Terminal: terminal,
		},
	})
}
