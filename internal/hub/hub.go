// Package hub accepts WebSocket sessions from display devices, keeps the
// registry of live connections and fans messages out to all of them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/deskhub/internal/metrics"
	"github.com/zsprackett/deskhub/internal/protocol"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	maxMessageSize      = 64 << 10
)

type Config struct {
	Host         string
	Port         int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MessageHandler receives the raw text of every device message.
type MessageHandler func(ctx context.Context, raw []byte) error

// Journal records device connection lifecycle events.
type Journal interface {
	InsertDeviceEvent(deviceID, eventType, remoteAddr, detail string) error
}

// ClientInfo describes one live connection.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type client struct {
	id          string
	remote      string
	connectedAt time.Time
	conn        *websocket.Conn
	writeMu     sync.Mutex
}

type Hub struct {
	cfg       Config
	logger    *slog.Logger
	journal   Journal
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	handshake []byte

	mu        sync.Mutex
	clients   map[*client]struct{}
	onMessage MessageHandler
	listener  net.Listener
	done      chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	handshake, _ := protocol.Encode(protocol.GetScheduleData{})
	h := &Hub{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handshake: handshake,
		clients:   make(map[*client]struct{}),
	}
	h.mux.Handle("/", h)
	return h
}

// SetJournal attaches a device journal. Must be called before Start.
func (h *Hub) SetJournal(j Journal) {
	h.journal = j
}

// SetMessageHandler replaces the inbound message callback.
func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// Handle mounts a side route next to the WebSocket endpoint. Unclaimed paths
// are treated as WebSocket upgrades.
func (h *Hub) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

func (h *Hub) Handler() http.Handler {
	return h.mux
}

// Start binds the configured address and serves until ctx is cancelled. It
// returns once the listener is bound.
func (h *Hub) Start(ctx context.Context, onMessage MessageHandler) error {
	h.SetMessageHandler(onMessage)

	ln, err := net.Listen("tcp", h.cfg.addr())
	if err != nil {
		return fmt.Errorf("hub: listen %s: %w", h.cfg.addr(), err)
	}
	done := make(chan struct{})
	h.mu.Lock()
	h.listener = ln
	h.done = done
	h.mu.Unlock()

	srv := &http.Server{Handler: h.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hub: serve failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		h.closeAll()
		close(done)
	}()

	h.logger.Info("hub: listening", "addr", ln.Addr().String())
	return nil
}

// Wait blocks until a started hub has shut down and every connection has been
// closed and journaled. It returns at once if Start was never called.
func (h *Hub) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Addr returns the bound listener address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("hub: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	h.serveConn(r.Context(), conn, r.RemoteAddr)
}

func (h *Hub) serveConn(ctx context.Context, conn *websocket.Conn, remote string) {
	c := &client{
		id:          uuid.NewString(),
		remote:      remote,
		connectedAt: time.Now(),
		conn:        conn,
	}
	h.add(c)
	defer h.drop(c, "disconnected")

	if err := h.write(ctx, c, h.handshake); err != nil {
		h.logger.Warn("hub: handshake failed", "device", c.id, "err", err)
		return
	}

	readTimeout := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.ping(c, stopPing)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("hub: read failed", "device", c.id, "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.logger.Debug("hub: device message", "device", c.id, "raw", string(raw))
		h.dispatch(ctx, c, raw)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, raw []byte) {
	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub: message handler panicked", "device", c.id, "panic", r)
		}
	}()
	if err := fn(ctx, raw); err != nil {
		h.logger.Error("hub: message handler failed", "device", c.id, "err", err)
	}
}

func (h *Hub) ping(c *client, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Broadcast encodes m once and sends it to every connection registered at
// call time, each in its own goroutine with its own write deadline. A
// connection whose send fails is dropped; the others are unaffected. Only
// encoding errors are returned.
func (h *Hub) Broadcast(ctx context.Context, m protocol.Outbound) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	targets := h.snapshot()
	if len(targets) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := h.write(ctx, c, data); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					h.logger.Debug("hub: broadcast cancelled", "device", c.id, "type", m.Type())
					return
				}
				metrics.IncBroadcastSend(metrics.ResultError)
				h.logger.Warn("hub: send failed, dropping device",
					"device", c.id,
					"type", m.Type(),
					"err", err,
				)
				h.drop(c, "send_failed")
				return
			}
			metrics.IncBroadcastSend(metrics.ResultSuccess)
		}(c)
	}
	wg.Wait()
	return nil
}

func (h *Hub) write(ctx context.Context, c *client, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.SetConnectedDevices(n)
	h.logger.Info("hub: device connected", "device", c.id, "remote", c.remote)
	h.record(c, "connected", "")
}

// drop removes c from the registry and closes it. Only the first call for a
// connection has any effect.
func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.conn.Close()
	metrics.SetConnectedDevices(n)
	h.logger.Info("hub: device disconnected",
		"device", c.id,
		"reason", reason,
		"connected", humanize.Time(c.connectedAt),
	)
	h.record(c, "disconnected", reason)
}

func (h *Hub) record(c *client, eventType, detail string) {
	if h.journal == nil {
		return
	}
	if err := h.journal.InsertDeviceEvent(c.id, eventType, c.remote, detail); err != nil {
		h.logger.Warn("hub: journal write failed", "device", c.id, "err", err)
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		h.drop(c, "shutdown")
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Clients lists live connections, oldest first.
func (h *Hub) Clients() []ClientInfo {
	targets := h.snapshot()
	out := make([]ClientInfo, 0, len(targets))
	for _, c := range targets {
		out = append(out, ClientInfo{ID: c.id, RemoteAddr: c.remote, ConnectedAt: c.connectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
