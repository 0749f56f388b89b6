package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerUnreachable reports that a connection's outbound queue is
// full and the peer is considered dead. The failure is isolated to
// that connection.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Handler receives inbound traffic from a client connection. Messages
// arrive in the order the peer sent them (per-connection FIFO).
type Handler interface {
	OnMessage(c *Client, msg *Message)
	OnClose(c *Client)
}

type Config struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageSize    int64
	SendQueueSize     int
	PresenceQueueSize int
}

// Client is one websocket connection. Outbound traffic is split into
// a content queue and a presence queue: presence is dropped first
// under backpressure, content is never silently dropped.
type Client struct {
	ID      string
	conn    *websocket.Conn
	handler Handler
	cfg     Config

	send     chan []byte
	presence chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn, handler Handler, cfg Config) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		handler:  handler,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendQueueSize),
		presence: make(chan []byte, cfg.PresenceQueueSize),
		done:     make(chan struct{}),
	}
}

// Send queues a message for delivery. Presence messages are dropped
// when their queue is full; a full content queue means the peer has
// stopped draining and is reported unreachable.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if msg.Type.IsPresence() {
		select {
		case c.presence <- data:
		default:
			// Oldest first: a stale cursor is worthless once a newer
			// one exists.
			select {
			case <-c.presence:
			default:
			}
			select {
			case c.presence <- data:
			default:
				log.Printf("client %s presence queue full, dropping %s", c.ID, msg.Type)
			}
		}
		return nil
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrPeerUnreachable
	}
}

// Close shuts the connection down once, with a policy close frame.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) ReadPump() {
	defer func() {
		c.handler.OnClose(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error on %s: %v", c.ID, err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("client %s sent undecodable frame: %v", c.ID, err)
			continue
		}

		c.handler.OnMessage(c, &msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		// Content first so presence chatter cannot starve edits.
		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				return
			}
			continue
		default:
		}

		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				return
			}
		case data := <-c.presence:
			if !c.write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return false
	}
	return true
}
