// Package ws relays named actions between the peers of a room over
// websockets.
package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/db"
	"github.com/manpreetbhatti/clipsync/internal/events"
	"github.com/manpreetbhatti/clipsync/internal/protocol"
)

// RoomKey identifies a room within a namespace.
type RoomKey struct {
	Namespace string
	Room      string
}

// RoomInfo is a snapshot of one active room.
type RoomInfo struct {
	Namespace string `json:"namespace"`
	Room      string `json:"room"`
	Peers     int    `json:"peers"`
}

// The set of active clients per room
type Hub struct {
	rooms map[RoomKey]map[*Client]bool

	// Inbound action frames from clients
	broadcast chan *Message

	register   chan *Client
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	registry db.Registry
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time

	mu sync.RWMutex
}

type Message struct {
	Key    RoomKey
	Frame  protocol.Frame
	Sender *Client
}

type Option func(*Hub)

// WithRegistry records joins and leaves in reg.
func WithRegistry(reg db.Registry) Option {
	return func(h *Hub) { h.registry = reg }
}

func WithEvents(p events.Publisher) Option {
	return func(h *Hub) { h.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:      make(map[RoomKey]map[*Client]bool),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		events:     events.Nop{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves register, unregister and broadcast requests until ctx is done,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.relay(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[client.key]
	if !ok {
		clients = make(map[*Client]bool)
		h.rooms[client.key] = clients
	}
	existing := make([]string, 0, len(clients))
	for other := range clients {
		existing = append(existing, other.peerID)
	}
	clients[client] = true
	clientCount := len(clients)
	h.mu.Unlock()

	sort.Strings(existing)
	client.enqueue(protocol.Welcome(client.key.Namespace, client.key.Room, client.peerID, existing))
	h.fanOut(client.key, protocol.PeerJoin(client.peerID), client)

	h.logger.Info("peer joined",
		zap.String("namespace", client.key.Namespace),
		zap.String("room", client.key.Room),
		zap.String("peer", client.peerID),
		zap.Int("peers", clientCount))

	now := h.now()
	if !ok {
		h.events.Publish(events.Event{Kind: events.RoomOpened, Namespace: client.key.Namespace, Room: client.key.Room, At: now})
	}
	h.events.Publish(events.Event{Kind: events.PeerJoined, Namespace: client.key.Namespace, Room: client.key.Room, Peer: client.peerID, Peers: clientCount, At: now})
	h.record(func(ctx context.Context) error {
		return h.registry.RecordJoin(ctx, client.key.Namespace, client.key.Room, clientCount, now)
	})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[client.key]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	close(client.send)
	remaining := len(clients)
	if remaining == 0 {
		delete(h.rooms, client.key)
	}
	h.mu.Unlock()

	h.fanOut(client.key, protocol.PeerLeave(client.peerID), nil)

	h.logger.Info("peer left",
		zap.String("namespace", client.key.Namespace),
		zap.String("room", client.key.Room),
		zap.String("peer", client.peerID),
		zap.Int("peers", remaining))

	now := h.now()
	h.events.Publish(events.Event{Kind: events.PeerLeft, Namespace: client.key.Namespace, Room: client.key.Room, Peer: client.peerID, Peers: remaining, At: now})
	if remaining == 0 {
		h.events.Publish(events.Event{Kind: events.RoomClosed, Namespace: client.key.Namespace, Room: client.key.Room, At: now})
	}
	h.record(func(ctx context.Context) error {
		return h.registry.RecordLeave(ctx, client.key.Namespace, client.key.Room, now)
	})
}

// relay forwards an action to every other peer of the sender's room. Error
// frames go back to the sender only.
func (h *Hub) relay(message *Message) {
	frame := message.Frame
	if frame.Type == protocol.FrameError {
		h.mu.RLock()
		registered := message.Sender != nil && h.rooms[message.Key][message.Sender]
		if registered {
			message.Sender.enqueue(frame)
		}
		h.mu.RUnlock()
		return
	}
	if message.Sender != nil {
		frame.Peer = message.Sender.peerID
	}
	h.fanOut(message.Key, frame, message.Sender)
}

// fanOut queues frame for every client of key except skip. Clients whose
// send buffer is full are dropped.
func (h *Hub) fanOut(key RoomKey, frame protocol.Frame, skip *Client) {
	h.mu.RLock()
	var slow []*Client
	for client := range h.rooms[key] {
		if client == skip {
			continue
		}
		if !client.enqueue(frame) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow peer", zap.String("peer", client.peerID))
		h.removeClient(client)
	}
}

func (h *Hub) record(fn func(ctx context.Context) error) {
	if h.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.logger.Warn("registry update failed", zap.Error(err))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, clients := range h.rooms {
		for client := range clients {
			close(client.send)
		}
		delete(h.rooms, key)
	}
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}

// GetActiveRooms lists rooms with at least one peer, sorted by key.
func (h *Hub) GetActiveRooms() []RoomInfo {
	h.mu.RLock()
	rooms := make([]RoomInfo, 0, len(h.rooms))
	for key, clients := range h.rooms {
		rooms = append(rooms, RoomInfo{Namespace: key.Namespace, Room: key.Room, Peers: len(clients)})
	}
	h.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Namespace != rooms[j].Namespace {
			return rooms[i].Namespace < rooms[j].Namespace
		}
		return rooms[i].Room < rooms[j].Room
	})
	return rooms
}

func (h *Hub) RoomPeers(namespace, room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[RoomKey{Namespace: namespace, Room: room}])
}
