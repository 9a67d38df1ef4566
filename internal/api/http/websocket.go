package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/events"
	"github.com/saltfish/freqsearch/go-evolver/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10 // must stay below pongWait
	maxMessageSize = 1024
	sendBufferSize = 256
	replyBuffer    = 8
	outboundBuffer = 256
)

// Frame types that are not routing keys.
const (
	FrameStatus = "status"
	FrameError  = "error"
)

// Stream request actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionStatus      = "status"
)

// WSMessage is one frame on the event stream. Type is a routing key, FrameStatus or
// FrameError.
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// StreamRequest is a command sent by a stream client.
type StreamRequest struct {
	Action      string   `json:"action"`
	RoutingKeys []string `json:"routing_keys,omitempty"`
}

// StreamError is the payload of a FrameError reply.
type StreamError struct {
	Action   string   `json:"action,omitempty"`
	Message  string   `json:"message"`
	Rejected []string `json:"rejected,omitempty"`
}

// StatusSource provides the run snapshot sent to stream clients.
type StatusSource interface {
	Status() orchestrator.Status
}

func encodeFrame(kind string, data interface{}) ([]byte, error) {
	return json.Marshal(WSMessage{Type: kind, Data: data, Timestamp: time.Now().UTC()})
}

type outbound struct {
	key     string
	payload []byte
}

// Hub streams evolver events to WebSocket clients. It is an events.Sink, so it sits
// next to the broker in the fanout publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	outbound chan outbound
	join     chan *Client
	leave    chan *Client
	done     chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		outbound: make(chan outbound, outboundBuffer),
		join:     make(chan *Client),
		leave:    make(chan *Client),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run owns the client set until Shutdown.
func (h *Hub) Run() {
	h.logger.Info("Event stream started")
	defer h.logger.Info("Event stream stopped")

	for {
		select {
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			c.logger.Info("Stream client connected", zap.Int("clients", n))

		case c := <-h.leave:
			h.remove(c, "disconnected")

		case m := <-h.outbound:
			h.deliver(m)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) deliver(m outbound) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(m.key) {
			continue
		}
		select {
		case c.send <- m.payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c, "send buffer full")
	}
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	c.logger.Info("Stream client removed", zap.String("reason", reason), zap.Int("clients", len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.clients = make(map[*Client]struct{})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues event for every client subscribed to routingKey. A full queue drops
// the event; the stream is best effort and must not stall the run.
func (h *Hub) Publish(ctx context.Context, routingKey string, event interface{}) error {
	payload, err := encodeFrame(routingKey, event)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}

	select {
	case h.outbound <- outbound{key: routingKey, payload: payload}:
	default:
		h.logger.Warn("Event stream queue full, dropping event", zap.String("routing_key", routingKey))
	}
	return nil
}

// Shutdown stops Run and disconnects every client. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Close implements events.Sink.
func (h *Hub) Close() error {
	h.Shutdown()
	return nil
}

func (h *Hub) admit(c *Client) bool {
	select {
	case h.join <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) release(c *Client) {
	select {
	case h.leave <- c:
	case <-h.done:
	}
}

// Client is one WebSocket connection. Hub frames go through send, which the hub
// closes; replies to the client's own requests go through replies.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	replies chan []byte
	status  StatusSource

	mu   sync.RWMutex
	keys map[string]struct{}

	logger *zap.Logger
}

func newClient(h *Hub, conn *websocket.Conn, status StatusSource, logger *zap.Logger) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		replies: make(chan []byte, replyBuffer),
		status:  status,
		keys:    make(map[string]struct{}),
		logger:  logger,
	}
}

// wants reports whether key passes the client's filter. An empty filter passes
// everything.
func (c *Client) wants(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.keys) == 0 {
		return true
	}
	_, ok := c.keys[key]
	return ok
}

// subscribe adds keys to the filter. Nothing is applied when any key is not one the
// evolver publishes; the unknown keys are returned.
func (c *Client) subscribe(keys []string) []string {
	var rejected []string
	for _, k := range keys {
		if !events.IsPublishedRoutingKey(k) {
			rejected = append(rejected, k)
		}
	}
	if len(rejected) > 0 {
		return rejected
	}

	c.mu.Lock()
	for _, k := range keys {
		c.keys[k] = struct{}{}
	}
	c.mu.Unlock()
	c.logger.Debug("Stream client subscribed", zap.Strings("routing_keys", keys))
	return nil
}

func (c *Client) unsubscribe(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.keys, k)
	}
	c.mu.Unlock()
	c.logger.Debug("Stream client unsubscribed", zap.Strings("routing_keys", keys))
}

func (c *Client) reply(payload []byte) {
	select {
	case c.replies <- payload:
	default:
		c.logger.Debug("Dropping reply to busy stream client")
	}
}

func (c *Client) replyFrame(kind string, data interface{}) {
	payload, err := encodeFrame(kind, data)
	if err != nil {
		c.logger.Error("Failed to encode stream reply", zap.String("type", kind), zap.Error(err))
		return
	}
	c.reply(payload)
}

func (c *Client) replyStatus() {
	if c.status == nil {
		c.replyFrame(FrameError, StreamError{Action: ActionStatus, Message: "no run attached"})
		return
	}
	c.replyFrame(FrameStatus, c.status.Status())
}

// handle answers one text message. A bare "ping" gets "pong" for clients that cannot
// send control frames.
func (c *Client) handle(raw []byte) {
	if string(raw) == "ping" {
		c.reply([]byte("pong"))
		return
	}

	var req StreamRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.replyFrame(FrameError, StreamError{Message: "request is not valid JSON"})
		return
	}

	switch req.Action {
	case ActionSubscribe:
		if rejected := c.subscribe(req.RoutingKeys); len(rejected) > 0 {
			c.replyFrame(FrameError, StreamError{
				Action:   req.Action,
				Message:  "unknown routing keys",
				Rejected: rejected,
			})
		}
	case ActionUnsubscribe:
		c.unsubscribe(req.RoutingKeys)
	case ActionStatus:
		c.replyStatus()
	default:
		c.replyFrame(FrameError, StreamError{Action: req.Action, Message: "unknown action"})
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.release(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Stream read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(raw)
	}
}

func (c *Client) write(kind int, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, payload)
}

// writeLoop is the only writer on the connection.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var err error
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			err = c.write(websocket.TextMessage, payload)
		case payload := <-c.replies:
			err = c.write(websocket.TextMessage, payload)
		case <-ticker.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams events to it. The client first receives a
// status frame when status is non-nil.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, status StatusSource, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, status, logger.With(zap.String("remote_addr", r.RemoteAddr)))
	if status != nil {
		// Written before the loops start, so it is always the first frame.
		payload, err := encodeFrame(FrameStatus, status.Status())
		if err == nil {
			err = c.write(websocket.TextMessage, payload)
		}
		if err != nil {
			c.logger.Warn("Failed to send status snapshot", zap.Error(err))
			conn.Close()
			return
		}
	}
	if !h.admit(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
