// Package websocket streams engine events to subscribed clients.
//
// Clients subscribe to channels:
//
//	events              every event
//	account:<address>   events of one account
//	token:<address>     events of one index token
//	position:<id>       events of one position
//	type:<event type>   events of one type, e.g. type:position.liquidated
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/events"
)

// ChannelAll receives every event.
const ChannelAll = "events"

// Snapshotter returns the current state behind a channel, sent to a client
// when it subscribes. ok is false when the channel has no snapshot.
type Snapshotter interface {
	Snapshot(channel string) (data interface{}, ok bool)
}

// Server represents a WebSocket server for engine events
type Server struct {
	config    Config
	snapshots Snapshotter
	logger    log.Logger
	upgrader  websocket.Upgrader

	// Client management
	clients   map[*Client]bool
	clientsMu sync.RWMutex
	broadcast chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	sequence    uint64
	nextID      uint64
	clientCount int32
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex

	sendMu sync.Mutex
	closed bool
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`

	targets []string
}

// SubscribeRequest represents a subscription request
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueue       int
	BroadcastQueue  int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueue:       256,
		BroadcastQueue:  1000,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a new WebSocket server. snapshots may be nil.
func NewServer(config Config, snapshots Snapshotter, logger log.Logger) *Server {
	return &Server{
		config:    config,
		snapshots: snapshots,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Event data is public; origin is enforced by the gateway.
				return true
			},
		},
		clients:       make(map[*Client]bool),
		broadcast:     make(chan Message, config.BroadcastQueue),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve runs the hub and listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.Run(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("WebSocket server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Run routes broadcasts until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Close all client connections
			s.clientsMu.Lock()
			for client := range s.clients {
				client.close()
				delete(s.clients, client)
			}
			s.clientsMu.Unlock()
			return

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

func (s *Server) remove(client *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		atomic.AddInt32(&s.clientCount, -1)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	client.close()
	s.unsubscribeAll(client)
	s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
}

// Emit implements events.Sink. Events are dropped when the hub is behind.
func (s *Server) Emit(e events.Event) {
	msg := Message{
		Type:      "event",
		Data:      e,
		Timestamp: e.Time.Unix(),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
		targets:   Channels(e),
	}
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("websocket broadcast queue full, dropping event", "type", e.Type, "posId", e.PosID)
	}
}

// Channels lists the channels an event is delivered to.
func Channels(e events.Event) []string {
	out := []string{ChannelAll, "type:" + string(e.Type)}
	if e.Account != (common.Address{}) {
		out = append(out, accountChannel(e.Account))
	}
	if e.Token != (common.Address{}) {
		out = append(out, "token:"+strings.ToLower(e.Token.Hex()))
	}
	if e.PosID != 0 {
		out = append(out, "position:"+strconv.FormatUint(e.PosID, 10))
	}
	return out
}

func accountChannel(a common.Address) string {
	return "account:" + strings.ToLower(a.Hex())
}

// normalizeChannel lowercases address channels so any checksum casing matches.
func normalizeChannel(ch string) (string, error) {
	kind, arg, found := strings.Cut(ch, ":")
	switch {
	case ch == ChannelAll:
		return ch, nil
	case !found || arg == "":
		return "", fmt.Errorf("invalid channel %q", ch)
	}
	switch kind {
	case "account", "token":
		if !common.IsHexAddress(arg) {
			return "", fmt.Errorf("invalid address in channel %q", ch)
		}
		return kind + ":" + strings.ToLower(common.HexToAddress(arg).Hex()), nil
	case "position":
		if _, err := strconv.ParseUint(arg, 10, 64); err != nil {
			return "", fmt.Errorf("invalid position id in channel %q", ch)
		}
		return ch, nil
	case "type":
		return ch, nil
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendQueue),
		channels: make(map[string]bool),
	}

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	s.logger.Debug("Client connected", "id", client.id, "total", atomic.AddInt32(&s.clientCount, 1))

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.remove(c)
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}

	subscribed := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel, err := normalizeChannel(ch)
		if err != nil {
			c.sendError(err.Error())
			continue
		}

		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()

		c.server.subscribe(channel, c)
		subscribed = append(subscribed, channel)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": subscribed},
		Timestamp: time.Now().Unix(),
	})

	if c.server.snapshots == nil {
		return
	}
	for _, channel := range subscribed {
		if data, ok := c.server.snapshots.Snapshot(channel); ok {
			c.sendMessage(Message{
				Type:      "snapshot",
				Channel:   channel,
				Data:      data,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		channel, err := normalizeChannel(ch)
		if err != nil {
			continue
		}

		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
		removed = append(removed, channel)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": removed},
		Timestamp: time.Now().Unix(),
	})
}

// enqueue queues data without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		atomic.AddUint64(&c.server.dropped, 1)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends a message once to every client subscribed to any
// of its target channels. Clients that cannot keep up are disconnected.
func (s *Server) broadcastMessage(msg Message) {
	type delivery struct {
		client  *Client
		channel string
	}
	var targets []delivery
	seen := make(map[*Client]bool)

	s.subMu.RLock()
	for _, channel := range msg.targets {
		for client := range s.subscriptions[channel] {
			if !seen[client] {
				seen[client] = true
				targets = append(targets, delivery{client, channel})
			}
		}
	}
	s.subMu.RUnlock()

	for _, d := range targets {
		m := msg
		m.Channel = d.channel
		data, err := json.Marshal(m)
		if err != nil {
			s.logger.Error("Failed to marshal broadcast message", "error", err)
			return
		}
		if !d.client.enqueue(data) {
			s.logger.Warn("Client too slow, disconnecting", "id", d.client.id)
			s.remove(d.client)
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
