// Package relay is a peer transport backed by the clipsync relay server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/protocol"
	"github.com/manpreetbhatti/clipsync/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	outboxSize = 64
)

var ErrNoWelcome = errors.New("relay: no welcome frame")

type Transport struct {
	endpoint string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

type Option func(*Transport)

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New returns a transport for the relay at server, either a ws(s) URL of
// the /ws endpoint or the server's http(s) base URL.
func New(server string, opts ...Option) (*Transport, error) {
	endpoint, err := endpointURL(server)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		endpoint: endpoint,
		dialer:   websocket.DefaultDialer,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func endpointURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("relay address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay address: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay address: missing host")
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	u.RawQuery = ""
	return u.String(), nil
}

// Join dials the relay and waits for its welcome frame.
func (t *Transport) Join(ctx context.Context, namespace, roomID string) (transport.Room, error) {
	q := url.Values{}
	q.Set("ns", namespace)
	q.Set("room", roomID)

	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: relay answered %s", transport.ErrJoin, resp.Status)
		}
		return nil, fmt.Errorf("%w: %w", transport.ErrJoin, err)
	}

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", transport.ErrJoin, err)
	}

	r := &room{
		conn:   conn,
		self:   transport.PeerID(welcome.Peer),
		events: transport.NewEvents(),
		peers:  make(map[transport.PeerID]bool),
		logger: t.logger.With(zap.String("room", roomID)),
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	for _, p := range welcome.Peers {
		r.peerJoined(transport.PeerID(p))
	}
	r.wg.Add(1)
	go r.readLoop()
	go r.writeLoop()
	return r, nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (protocol.Frame, error) {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return protocol.Frame{}, err
	}
	if f.Type == protocol.FrameError {
		return protocol.Frame{}, errors.New(f.Error)
	}
	if f.Type != protocol.FrameWelcome {
		return protocol.Frame{}, ErrNoWelcome
	}
	return f, nil
}

type room struct {
	conn   *websocket.Conn
	self   transport.PeerID
	events *transport.Events
	logger *zap.Logger

	writeMu sync.Mutex
	outbox  chan []byte

	mu    sync.Mutex
	peers map[transport.PeerID]bool

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// ID is the peer ID the relay assigned to this connection.
func (r *room) ID() transport.PeerID { return r.self }

func (r *room) OnPeerJoin(fn func(transport.PeerID))  { r.events.SetPeerJoin(fn) }
func (r *room) OnPeerLeave(fn func(transport.PeerID)) { r.events.SetPeerLeave(fn) }

func (r *room) MakeAction(name string) transport.Action {
	return &action{room: r, name: name}
}

func (r *room) Leave() error {
	r.once.Do(func() {
		close(r.done)
		r.events.Close()
		r.writeMu.Lock()
		r.conn.SetWriteDeadline(time.Now().Add(writeWait))
		r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		r.conn.Close()
		r.wg.Wait()
	})
	return nil
}

// writeLoop writes queued frames until the room is left.
func (r *room) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		select {
		case <-r.done:
			return
		case data := <-r.outbox:
			r.writeMu.Lock()
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := r.conn.WriteMessage(websocket.TextMessage, data)
			r.writeMu.Unlock()
			if err != nil {
				r.logger.Debug("action not delivered", zap.Error(err))
			}
		}
	}
}

func (r *room) peerJoined(id transport.PeerID) {
	r.mu.Lock()
	known := r.peers[id]
	r.peers[id] = true
	r.mu.Unlock()
	if !known {
		r.events.PeerJoined(id)
	}
}

func (r *room) peerLeft(id transport.PeerID) {
	r.mu.Lock()
	known := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if known {
		r.events.PeerLeft(id)
	}
}

// dropAll reports every known peer as gone; used when the connection to
// the relay is lost.
func (r *room) dropAll() {
	r.mu.Lock()
	ids := make([]transport.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.peers = make(map[transport.PeerID]bool)
	r.mu.Unlock()
	for _, id := range ids {
		r.events.PeerLeft(id)
	}
}

func (r *room) readLoop() {
	defer r.dropAll()

	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPingHandler(func(data string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		return r.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.Decode(data)
		if err != nil {
			r.logger.Debug("bad frame from relay", zap.Error(err))
			continue
		}
		switch f.Type {
		case protocol.FramePeerJoin:
			r.peerJoined(transport.PeerID(f.Peer))
		case protocol.FramePeerLeave:
			r.peerLeft(transport.PeerID(f.Peer))
		case protocol.FrameAction:
			r.events.Message(f.Action, []byte(f.Payload), transport.PeerID(f.Peer))
		case protocol.FrameError:
			r.logger.Debug("relay rejected frame", zap.String("error", f.Error))
		}
	}
}

type action struct {
	room *room
	name string
}

// Send queues the action frame for the relay, which fans it out. The
// payload must be valid JSON.
func (a *action) Send(payload []byte) error {
	select {
	case <-a.room.done:
		return transport.ErrClosed
	default:
	}

	data, err := protocol.Encode(protocol.Frame{Type: protocol.FrameAction, Action: a.name, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case a.room.outbox <- data:
		return nil
	default:
		return transport.ErrDropped
	}
}

func (a *action) OnReceive(fn func([]byte, transport.PeerID)) {
	a.room.events.SetAction(a.name, fn)
}
