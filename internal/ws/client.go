package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/protocol"
	"github.com/manpreetbhatti/clipsync/internal/ratelimit"
	"github.com/manpreetbhatti/clipsync/internal/room"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = protocol.MaxPayloadSize + 4096
	messagesPerSecond = 50
	messageBurst      = 100
	maxNamespace      = 128
	maxViolations     = 1000
)

var (
	ErrMissingNamespace = errors.New("missing or oversized namespace")
	ErrTooManyJoins     = errors.New("too many joins")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	key         RoomKey
	rateLimiter *ratelimit.Limiter
	peerID      string
	logger      *zap.Logger
}

// ParseRoomKey reads the ns and room query parameters.
func ParseRoomKey(r *http.Request) (RoomKey, error) {
	q := r.URL.Query()
	ns := q.Get("ns")
	if ns == "" || len(ns) > maxNamespace {
		return RoomKey{}, ErrMissingNamespace
	}
	id, err := room.ParseID(q.Get("room"))
	if err != nil {
		return RoomKey{}, err
	}
	return RoomKey{Namespace: ns, Room: id.String()}, nil
}

// ServeWs upgrades the request and registers the connection with hub. Joins
// are refused with 429 when joins is non-nil and the remote address is over
// its limit.
func ServeWs(hub *Hub, joins *ratelimit.ClientLimiters, w http.ResponseWriter, r *http.Request) {
	key, err := ParseRoomKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if joins != nil && !joins.Allow(remoteHost(r)) {
		http.Error(w, ErrTooManyJoins.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		key:         key,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		peerID:      uuid.NewString(),
	}
	client.logger = hub.logger.With(zap.String("peer", client.peerID), zap.String("room", key.Room))

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// enqueue encodes frame onto the send buffer. It reports false when the
// buffer is full. Only the hub calls it, while the client is registered.
func (c *Client) enqueue(frame protocol.Frame) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) submit(msg *Message) bool {
	select {
	case c.hub.broadcast <- msg:
		return true
	case <-c.hub.done:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		if !c.rateLimiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("violations", violations))
			}
			if violations > maxViolations {
				c.logger.Warn("disconnecting peer for excessive rate limit violations")
				return
			}
			continue
		}

		frame, err := protocol.Decode(data)
		if err == nil {
			err = protocol.Validate(frame)
		}
		if err != nil {
			c.logger.Debug("invalid frame", zap.Error(err))
			if !c.submit(&Message{Key: c.key, Frame: protocol.Error(fmt.Errorf("rejected: %w", err)), Sender: c}) {
				return
			}
			continue
		}

		if !c.submit(&Message{
			Key:    c.key,
			Frame:  protocol.Action(frame.Action, frame.Payload, ""),
			Sender: c,
		}) {
			return
		}
	}
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
