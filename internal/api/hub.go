// Package api implements the REST + WebSocket surface of spec.md §6,
// wired to every component in this repository. Grounded on the teacher's
// internal/api/server.go (REST routing, CORS, graceful shutdown) and
// internal/api/websocket.go (the Hub/Client push pattern, adapted here
// verbatim in shape since it already generalizes cleanly to new channels).
package api

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gorilla/websocket"
)

// ChannelType names a WebSocket push channel. Unlike the teacher's
// trade/position/PnL channels (out of this system's scope), ours push
// order, outcome, and drift/regime events per SPEC_FULL.md §3.
type ChannelType string

const (
	ChannelOrders  ChannelType = "orders"
	ChannelOutcome ChannelType = "outcomes"
	ChannelRegime  ChannelType = "regime"
	ChannelHealth  ChannelType = "health"
)

// PushMessage is the envelope every server-pushed WebSocket frame uses.
type PushMessage struct {
	Channel   ChannelType     `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// clientMessage is the envelope accepted from a connected client (only
// subscribe/unsubscribe are recognised; there are no client->server
// commands in this system, unlike the teacher's backtest-control channel).
type clientMessage struct {
	Type    string      `json:"type"`
	Channel ChannelType `json:"channel"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[ChannelType]bool
	mu   sync.RWMutex
}

// Hub fans out push messages to subscribed clients.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan struct {
		channel ChannelType
		payload []byte
	}
	channels map[ChannelType]map[*Client]bool
	mu       sync.RWMutex
}

// NewHub builds an unstarted Hub; call Run in its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast: make(chan struct {
			channel ChannelType
			payload []byte
		}, 256),
		channels: make(map[ChannelType]map[*Client]bool),
	}
}

// Run is the hub's single-goroutine event loop. Blocks until done closes.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for ch := range c.subs {
					if set, ok := h.channels[ch]; ok {
						delete(set, c)
					}
				}
			}
			h.mu.Unlock()
		case m := <-h.broadcast:
			h.mu.RLock()
			msg := PushMessage{Channel: m.channel, Data: m.payload, Timestamp: time.Now().UnixMilli()}
			frame, err := json.Marshal(msg)
			if err != nil {
				h.mu.RUnlock()
				continue
			}
			for c := range h.channels[m.channel] {
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("client send buffer full, dropping frame", zap.String("client", c.id))
				}
			}
			h.mu.RUnlock()
		case <-done:
			return
		}
	}
}

// Publish pushes data to every client subscribed to channel. Non-blocking:
// a full broadcast queue drops the message rather than stalling callers
// (order/outcome writers must never wait on a slow WebSocket consumer).
func (h *Hub) Publish(channel ChannelType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal push payload", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- struct {
		channel ChannelType
		payload []byte
	}{channel, payload}:
	default:
		h.logger.Warn("broadcast queue full, dropping push", zap.String("channel", string(channel)))
	}
}

func (h *Hub) subscribe(c *Client, channel ChannelType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true
	c.mu.Lock()
	c.subs[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Client, channel ChannelType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.channels[channel]; ok {
		delete(set, c)
	}
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
}

// ClientCount reports the number of live subscribers, surfaced on /health.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	wsReadLimit     = 512 * 1024
	wsReadDeadline  = 60 * time.Second
	wsWriteDeadline = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

func newClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{id: id, hub: hub, conn: conn, send: make(chan []byte, 64), subs: make(map[ChannelType]bool)}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.hub.subscribe(c, msg.Channel)
		case "unsubscribe":
			c.hub.unsubscribe(c, msg.Channel)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
