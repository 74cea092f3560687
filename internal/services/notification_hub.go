package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Notification is pushed to an owner's live WebSocket subscribers.
type Notification struct {
	Type      string                 `json:"type"`
	OwnerID   string                 `json:"owner_id"`
	RuleID    string                 `json:"rule_id,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type hubClient struct {
	id      string
	ownerID string
	conn    *websocket.Conn
	send    chan Notification
	hub     *NotificationHub
}

// NotificationHub fans notifications out to WebSocket clients, scoped by owner.
type NotificationHub struct {
	clients    map[string]*hubClient
	broadcast  chan Notification
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewNotificationHub(logger *logrus.Logger) *NotificationHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan Notification, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // 由上游鉴权中间件保护
		},
	}
}

// Run 处理注册、注销与广播，直到 ctx 结束
func (h *NotificationHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.id] = c
			h.mutex.Unlock()
			h.logger.Debugf("notification client %s connected (owner %s)", c.id, c.ownerID)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				h.logger.Debugf("notification client %s disconnected", c.id)
			}
			h.mutex.Unlock()

		case n := <-h.broadcast:
			h.mutex.Lock()
			for id, c := range h.clients {
				if c.ownerID != n.OwnerID {
					continue
				}
				select {
				case c.send <- n:
				default:
					// 慢客户端直接断开
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish queues n for delivery. It blocks until the hub accepts it or ctx ends.
func (h *NotificationHub) Publish(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	select {
	case <-h.done:
		return errors.New("notification hub stopped")
	default:
	}
	select {
	case h.broadcast <- n:
		return nil
	case <-h.done:
		return errors.New("notification hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected subscribers for ownerID ("" counts all).
func (h *NotificationHub) ClientCount(ownerID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if ownerID == "" {
		return len(h.clients)
	}
	n := 0
	for _, c := range h.clients {
		if c.ownerID == ownerID {
			n++
		}
	}
	return n
}

// ServeWS upgrades the request and subscribes the connection to ownerID's notifications.
func (h *NotificationHub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &hubClient{
		id:      uuid.NewString(),
		ownerID: ownerID,
		conn:    conn,
		send:    make(chan Notification, 32),
		hub:     h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return errors.New("notification hub stopped")
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// readPump only drains control frames; subscribers never send data.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("notification socket error: %v", err)
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case n, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				c.hub.logger.Errorf("marshal notification: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
