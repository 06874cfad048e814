// Package events delivers document events to websocket subscribers grouped in rooms.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
	"github.com/trezcool/growthhub/core/document"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	clientBuffer   = 64

	actionJoin      = "join"
	actionJoinRoom  = "join_room"
	actionLeave     = "leave"
	actionLeaveRoom = "leave_room"

	eventJoined = "room:joined"
	eventLeft   = "room:left"
	eventError  = "error"
)

var (
	// errors
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event hub closed")
)

type (
	// Subscriber is the authenticated user behind a websocket connection.
	Subscriber struct {
		ID          string
		Supervisory bool
	}

	// Message is the JSON frame written to subscribers.
	Message struct {
		Room    string          `json:"room"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload,omitempty"`
		SentAt  time.Time       `json:"sent_at"`
	}

	// request is the JSON frame read from subscribers.
	request struct {
		Action string `json:"action"`
		Room   string `json:"room"`
	}

	client struct {
		hub  *Hub
		conn *websocket.Conn
		sub  Subscriber
		send chan []byte

		mu     sync.Mutex
		closed bool
	}

	// Hub fans published events out to the members of each room.
	// Publish never blocks: events are dropped with ErrQueueFull when the queue is full.
	Hub struct {
		logger   core.Logger
		upgrader websocket.Upgrader
		queue    chan Message

		mu      sync.RWMutex
		rooms   map[string]map[*client]struct{}
		clients map[*client]map[string]struct{} // client -> joined rooms
		closed  bool
	}
)

var _ core.EventPublisher = (*Hub)(nil) // interface compliance check

func NewHub(logger core.Logger, conf *core.Config) *Hub {
	size := conf.Events.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		queue:   make(chan Message, size),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]map[string]struct{}),
	}
}

// Publish queues event for every member of room. The payload is serialized immediately.
func (h *Hub) Publish(room, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshalling event payload")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	select {
	case h.queue <- Message{Room: room, Event: event, Payload: data, SentAt: time.Now().UTC()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case msg := <-h.queue:
			h.broadcast(msg)
		case <-ctx.Done():
			h.close()
			return
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshalling event", errors.Wrap(err, "events.Hub.broadcast"))
		return
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[msg.Room]))
	for c := range h.rooms[msg.Room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.trySend(data) {
			h.logger.Warn("dropping slow subscriber", map[string]interface{}{"subscriber": c.sub.ID, "room": msg.Room})
			h.unregister(c)
		}
	}
}

func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// RoomCount returns the number of subscribers in room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Serve upgrades the request to a websocket for sub. It returns once the connection is closed.
// Subscribers join their own room, and supervisors the supervisory rooms, on connect.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscriber) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection")
	}
	c := &client{hub: h, conn: conn, sub: sub, send: make(chan []byte, clientBuffer)}

	if !h.register(c) {
		_ = conn.Close()
		return ErrClosed
	}
	h.join(c, document.RecipientRoom(sub.ID))
	if sub.Supervisory {
		h.join(c, document.RoomAssignments)
		h.join(c, document.RoomAcknowledgements)
	}

	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = make(map[string]struct{})
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	for room := range h.clients[c] {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) join(c *client, room string) bool {
	if !document.CanJoinRoom(room, c.sub.ID, c.sub.Supervisory) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	joined[room] = struct{}{}
	return true
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c *client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.clients[c]; ok {
		delete(joined, room)
	}
}

// trySend reports false when the client's buffer is full.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) reply(room, event string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	data, err := json.Marshal(Message{Room: room, Event: event, Payload: raw, SentAt: time.Now().UTC()})
	if err == nil {
		c.trySend(data)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles join/leave requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply("", eventError, map[string]string{"error": "invalid message"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket closed", err, map[string]interface{}{"subscriber": c.sub.ID})
			}
			return
		}

		switch req.Action {
		case actionJoin, actionJoinRoom:
			if c.hub.join(c, req.Room) {
				c.reply(req.Room, eventJoined, nil)
			} else {
				c.reply(req.Room, eventError, map[string]string{"error": "permission denied"})
			}
		case actionLeave, actionLeaveRoom:
			c.hub.leave(c, req.Room)
			c.reply(req.Room, eventLeft, nil)
		default:
			c.reply(req.Room, eventError, map[string]string{"error": "unknown action"})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
