// Package gateway exposes the core over HTTP: a REST surface for the
// derived stores, a WebSocket event stream, and the metrics endpoint.
//
// Routes:
//
//	GET  /api/v1/nodes          — known nodes, most recently heard first
//	GET  /api/v1/nodes/{id}     — single node ("!hex" or decimal id)
//	GET  /api/v1/channels       — channel table from the device config
//	GET  /api/v1/messages       — conversation threads (optional ?thread=)
//	POST /api/v1/messages       — send a text message
//	GET  /api/v1/packets        — packet history query with filter params
//	GET  /api/v1/status         — connection snapshot plus counters
//	POST /api/v1/connect        — explicit endpoint or background detection
//	POST /api/v1/disconnect     — tear down the session
//	GET  /api/v1/events         — WebSocket live event stream
//	GET  /metrics               — prometheus
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/bus"
	"github.com/jaschadub/Meshling/internal/conn"
	"github.com/jaschadub/Meshling/internal/domain"
	"github.com/jaschadub/Meshling/internal/metric"
	"github.com/jaschadub/Meshling/internal/packet"
	"github.com/jaschadub/Meshling/internal/state"
	"github.com/jaschadub/Meshling/internal/transport"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	mgr      *conn.Manager
	nodes    *state.NodeManager
	channels *state.ChannelManager
	messages *state.MessageQueue
	packets  *packet.Handler
	bus      *bus.Bus
	metrics  *metric.Set
	log      *zap.Logger

	// extra connect candidates from configuration, used by detection
	candidates []transport.Endpoint
}

// NewRouter wires all routes and returns an http.Handler.
func NewRouter(
	mgr *conn.Manager,
	nodes *state.NodeManager,
	channels *state.ChannelManager,
	messages *state.MessageQueue,
	packets *packet.Handler,
	b *bus.Bus,
	metrics *metric.Set,
	candidates []transport.Endpoint,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		mgr:        mgr,
		nodes:      nodes,
		channels:   channels,
		messages:   messages,
		packets:    packets,
		bus:        b,
		metrics:    metrics,
		candidates: candidates,
		log:        log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)

	mux.HandleFunc("GET /api/v1/channels", s.listChannels)

	mux.HandleFunc("GET /api/v1/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)

	mux.HandleFunc("GET /api/v1/packets", s.listPackets)

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("POST /api/v1/connect", s.connect)
	mux.HandleFunc("POST /api/v1/disconnect", s.disconnect)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return withLogging(log, mux)
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.nodes.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	node, ok := s.nodes.Get(nodeID)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// parseNodeID accepts both decimal and "!hex" node identifiers, plus the
// word "broadcast".
func parseNodeID(s string) (uint32, error) {
	if s == "broadcast" {
		return domain.Broadcast, nil
	}
	if strings.HasPrefix(s, "!") {
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "!"), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return uint32(n), nil
}

// ── Channels ──────────────────────────────────────────────────────────────

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": s.channels.List()})
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("thread"); key != "" {
		msgs := s.messages.Thread(key)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"thread":   key,
			"messages": msgs,
			"count":    len(msgs),
		})
		return
	}
	msgs := s.messages.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threads":  s.messages.Threads(),
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	Text    string `json:"text"`
	Channel uint32 `json:"channel"`
	ToNode  string `json:"to_node"` // "!hex", decimal, or "broadcast"
	WantAck bool   `json:"want_ack"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	to := domain.Broadcast
	if req.ToNode != "" {
		var err error
		to, err = parseNodeID(req.ToNode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.messages.Send(req.Text, to, req.Channel, req.WantAck); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"status": "sent"})
}

// ── Packets ───────────────────────────────────────────────────────────────

func (s *Server) listPackets(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 100, 1, 5000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	packets := make([]domain.Record, 0, limit)
	for rec := range s.packets.Query(f) {
		packets = append(packets, rec)
		if len(packets) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packets": packets,
		"count":   len(packets),
	})
}

func filterFromQuery(r *http.Request) (*domain.Filter, error) {
	q := r.URL.Query()
	f := &domain.Filter{}
	empty := true

	if v := q.Get("from"); v != "" {
		id, err := parseNodeID(v)
		if err != nil {
			return nil, err
		}
		f.From = &id
		empty = false
	}
	if v := q.Get("channel"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q", v)
		}
		ch := uint32(n)
		f.Channel = &ch
		empty = false
	}
	if v := q.Get("kind"); v != "" {
		k, err := parseKind(v)
		if err != nil {
			return nil, err
		}
		f.Kinds = []domain.PacketKind{k}
		empty = false
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid since %q", v)
		}
		f.Since = ts
		empty = false
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid until %q", v)
		}
		f.Until = ts
		empty = false
	}
	if v := q.Get("text"); v != "" {
		f.Text = v
		empty = false
	}
	if empty {
		return nil, nil
	}
	return f, nil
}

func parseKind(s string) (domain.PacketKind, error) {
	for _, k := range []domain.PacketKind{
		domain.KindOther, domain.KindText, domain.KindTelemetry,
		domain.KindPosition, domain.KindNodeInfo, domain.KindRouting,
	} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown packet kind %q", s)
}

// ── Status / lifecycle ────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.Status()
	st := s.packets.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":  snap,
		"state":       snap.State.String(),
		"time":        time.Now().UTC().Format(time.RFC3339),
		"node_count":  s.nodes.Count(),
		"subscribers": s.bus.SubscriberCount(),
		"packets":     st,
	})
}

type connectRequest struct {
	Serial string `json:"serial,omitempty"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	switch {
	case req.Serial != "" && req.Host != "":
		http.Error(w, "specify serial or host, not both", http.StatusBadRequest)
	case req.Serial != "":
		s.connectExplicit(w, r, transport.SerialEndpoint(req.Serial))
	case req.Host != "":
		s.connectExplicit(w, r, transport.TCPEndpoint(req.Host, req.Port))
	default:
		// No endpoint named: run a detection pass in the background and
		// let the caller watch the event stream for the outcome. The pass
		// outlives the request, whose context dies with the 202 response,
		// so it runs on the server's lifetime instead.
		go func() {
			if err := s.mgr.AutoDetectAndConnect(context.Background(), s.candidates); err != nil {
				s.log.Warn("gateway: detection pass failed", zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "detecting"})
	}
}

func (s *Server) connectExplicit(w http.ResponseWriter, r *http.Request, ep transport.Endpoint) {
	if err := s.mgr.ConnectExplicit(r.Context(), ep); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "connected",
		"endpoint": ep.String(),
	})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	s.mgr.Disconnect()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "disconnected"})
}

// writeCommandError maps command rejections onto HTTP status codes.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conn.ErrNotConnected), errors.Is(err, conn.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, conn.ErrInvalidTarget):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transport.ErrTimeout),
		errors.Is(err, transport.ErrRefused),
		errors.Is(err, transport.ErrPortBusy),
		errors.Is(err, transport.ErrPortNotFound):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(bus.WithQueueLen(256))
	defer sub.Cancel()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("gateway: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("gateway",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("gateway: response writer does not support hijacking")
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
