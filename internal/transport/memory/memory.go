// Package memory is an in-process peer transport. Every Join on the same
// Network with the same namespace and room sees the others.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/clipsync/internal/transport"
)

type Network struct {
	mu    sync.Mutex
	rooms map[string]map[*member]struct{}
}

func NewNetwork() *Network {
	return &Network{rooms: make(map[string]map[*member]struct{})}
}

func roomKey(namespace, roomID string) string { return namespace + "/" + roomID }

// Join never fails unless ctx is already done.
func (n *Network) Join(ctx context.Context, namespace, roomID string) (transport.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &member{
		net:    n,
		key:    roomKey(namespace, roomID),
		id:     transport.PeerID(uuid.NewString()),
		events: transport.NewEvents(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.rooms[m.key]
	if peers == nil {
		peers = make(map[*member]struct{})
		n.rooms[m.key] = peers
	}
	for other := range peers {
		other.events.PeerJoined(m.id)
		m.events.PeerJoined(other.id)
	}
	peers[m] = struct{}{}
	return m, nil
}

// Peers returns how many members are in a room, for tests.
func (n *Network) Peers(namespace, roomID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.rooms[roomKey(namespace, roomID)])
}

func (n *Network) leave(m *member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.rooms[m.key]
	if _, ok := peers[m]; !ok {
		return
	}
	delete(peers, m)
	if len(peers) == 0 {
		delete(n.rooms, m.key)
	}
	for other := range peers {
		other.events.PeerLeft(m.id)
	}
}

func (n *Network) broadcast(from *member, action string, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.rooms[from.key] {
		if other == from {
			continue
		}
		other.events.Message(action, append([]byte(nil), payload...), from.id)
	}
}

type member struct {
	net    *Network
	key    string
	id     transport.PeerID
	events *transport.Events
	once   sync.Once
}

// ID is this member's own handle as other members see it.
func (m *member) ID() transport.PeerID { return m.id }

func (m *member) OnPeerJoin(fn func(transport.PeerID))  { m.events.SetPeerJoin(fn) }
func (m *member) OnPeerLeave(fn func(transport.PeerID)) { m.events.SetPeerLeave(fn) }

func (m *member) MakeAction(name string) transport.Action {
	return &action{member: m, name: name}
}

func (m *member) Leave() error {
	m.once.Do(func() {
		m.net.leave(m)
		m.events.Close()
	})
	return nil
}

type action struct {
	member *member
	name   string
}

func (a *action) Send(payload []byte) error {
	if a.member.events.Closed() {
		return transport.ErrClosed
	}
	a.member.net.broadcast(a.member, a.name, payload)
	return nil
}

func (a *action) OnReceive(fn func([]byte, transport.PeerID)) {
	a.member.events.SetAction(a.name, fn)
}
