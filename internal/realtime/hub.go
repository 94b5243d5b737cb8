package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"tutorgo/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IncomingMessage is a client control frame: subscribe/unsubscribe to a
// conversation or user topic.
type IncomingMessage struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// OutgoingMessage is a server push: a row insert or a fired reminder.
type OutgoingMessage struct {
	Event    string           `json:"event"`
	Message  *models.Message  `json:"message,omitempty"`
	Reminder *models.Reminder `json:"reminder,omitempty"`
}

// Client is one websocket subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

// Hub fans row-insert notifications out to subscribed clients, keyed by
// conversation or user topic.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *broadcastMessage
	register   chan *Client
	unregister chan *Client
	topics     map[string]map[*Client]bool
	mu         sync.RWMutex
}

type broadcastMessage struct {
	topic string
	msg   *OutgoingMessage
}

// NewHub constructs an idle hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan *broadcastMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
	}
}

// Run processes register/unregister/broadcast events until the process
// exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.evict(client)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) deliver(message *broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.topics[message.topic]
	if !ok {
		return
	}
	data, err := json.Marshal(message.msg)
	if err != nil {
		return
	}
	for client := range clients {
		select {
		case client.send <- data:
		default:
			// The subscriber cannot keep up; drop it entirely so later
			// broadcasts never hit its closed channel.
			h.evict(client)
		}
	}
}

// evict closes the client and removes it from every topic set. Callers must
// hold h.mu.
func (h *Hub) evict(client *Client) {
	close(client.send)
	delete(h.clients, client)
	for topic := range client.topics {
		if clients, ok := h.topics[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// BroadcastMessage pushes a freshly inserted message row to subscribers of
// its conversation.
func (h *Hub) BroadcastMessage(msg *models.Message) {
	h.publish("conversation:"+msg.ConversationID, &OutgoingMessage{Event: "insert", Message: msg})
}

// BroadcastReminder pushes a fired reminder to the owning user's
// subscribers.
func (h *Hub) BroadcastReminder(rem *models.Reminder) {
	h.publish("user:"+rem.UserID, &OutgoingMessage{Event: "reminder", Reminder: rem})
}

func (h *Hub) publish(topic string, msg *OutgoingMessage) {
	select {
	case h.broadcast <- &broadcastMessage{topic: topic, msg: msg}:
	default:
		log.WithField("topic", topic).Warn("realtime broadcast queue full, dropping event")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read failed")
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.WithError(err).Debug("unreadable websocket frame")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	topic := topicFor(msg)
	if topic == "" {
		return
	}
	switch msg.Event {
	case "subscribe":
		c.hub.mu.Lock()
		if c.hub.topics[topic] == nil {
			c.hub.topics[topic] = make(map[*Client]bool)
		}
		c.hub.topics[topic][c] = true
		c.topics[topic] = true
		c.hub.mu.Unlock()
	case "unsubscribe":
		c.hub.mu.Lock()
		if clients, ok := c.hub.topics[topic]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(c.hub.topics, topic)
			}
		}
		delete(c.topics, topic)
		c.hub.mu.Unlock()
	}
}

func topicFor(msg IncomingMessage) string {
	switch {
	case msg.ConversationID != "":
		return "conversation:" + msg.ConversationID
	case msg.UserID != "":
		return "user:" + msg.UserID
	}
	return ""
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)

			// Flush queued events onto the same connection.
			n := len(c.send)
			for i := 0; i < n; i++ {
				msg := <-c.send
				c.conn.WriteMessage(websocket.TextMessage, msg)
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), topics: make(map[string]bool)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
