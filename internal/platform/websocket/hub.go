// Package websocket pushes topic messages to browser clients. A topic keeps
// its last message so a client that subscribes late still sees the current
// state.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Message is what clients receive.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connection.
type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

// NewClient creates an unregistered client with a bounded send buffer.
func NewClient() *Client {
	return &Client{
		ID:     uuid.New().String(),
		Send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
	}
}

// Hub tracks clients by topic.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[*Client]struct{}
	all      map[*Client]struct{}
	retained map[string][]byte
	now      func() time.Time
	logger   zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics:   make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
		retained: make(map[string][]byte),
		now:      time.Now,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client with no subscriptions.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes the client from every topic and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.leave(c, topic)
	}
	delete(h.all, c)
	close(c.Send)
}

// Subscribe adds topics to a registered client and replays each topic's
// retained message.
func (h *Hub) Subscribe(c *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Client]struct{})
		}
		h.topics[topic][c] = struct{}{}
		c.topics[topic] = struct{}{}
		if data, ok := h.retained[topic]; ok {
			h.deliver(c, data)
		}
	}
}

// Unsubscribe removes topics from a client.
func (h *Hub) Unsubscribe(c *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.leave(c, topic)
	}
}

func (h *Hub) leave(c *Client, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// ProcessMessage applies an inbound subscription change.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics...)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics...)
	}
}

// Publish sends data to every subscriber of topic and retains it. A nil data
// value clears the retained message.
func (h *Hub) Publish(topic, typ string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("marshal message")
			return
		}
		raw = b
	}
	msg, err := json.Marshal(Message{Type: typ, Topic: topic, Timestamp: h.now().UTC(), Data: raw})
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("marshal message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if data == nil {
		delete(h.retained, topic)
	} else {
		h.retained[topic] = msg
	}
	for c := range h.topics[topic] {
		h.deliver(c, msg)
	}
}

// deliver never blocks; a client whose buffer is full misses the message.
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		h.logger.Debug().Str("client", c.ID).Msg("client buffer full, message dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ---------------------------------------------------------------------------
// HTTP upgrade

// Handler upgrades the request and subscribes the connection to the topics
// named by repeated "topic" query parameters. An empty origins list accepts
// any origin.
func Handler(h *Hub, origins []string) echo.HandlerFunc {
	upgrader := gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// The upgrader has already written the error response.
			return nil
		}
		client := NewClient()
		h.Register(client)
		h.Subscribe(client, c.QueryParams()["topic"]...)

		go h.writePump(client, ws)
		go h.readPump(client, ws)
		return nil
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (h *Hub) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.Unregister(c)
		_ = ws.Close()
	}()
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.ProcessMessage(c, msg)
	}
}

func (h *Hub) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
