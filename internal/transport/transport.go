// Package transport defines the peer-transport capability the clipboard
// sync is built on: joining a room, presence events, and named best-effort
// message channels ("actions").
//
// Implementations must invoke every callback of one Room from a single
// goroutine, in arrival order, and must stop invoking callbacks once Leave
// has been called. A peer's own action messages are never delivered back
// to it.
package transport

import (
	"context"
	"errors"
)

// PeerID is an opaque handle for a remote participant, assigned by the
// transport.
type PeerID string

var (
	// ErrClosed is returned by operations on a room that has been left.
	ErrClosed = errors.New("transport: room closed")

	// ErrJoin is wrapped by transports when a room cannot be joined.
	ErrJoin = errors.New("transport: join failed")

	// ErrDropped is returned by Send when the outgoing queue is full.
	ErrDropped = errors.New("transport: outbox full, message dropped")
)

type Transport interface {
	// Join enters roomID inside namespace. The namespace keeps unrelated
	// applications sharing the same signaling infrastructure apart.
	Join(ctx context.Context, namespace, roomID string) (Room, error)
}

type Room interface {
	// OnPeerJoin replaces the join handler. Peers already present when the
	// room was joined are reported through it as well.
	OnPeerJoin(fn func(PeerID))
	// OnPeerLeave replaces the leave handler.
	OnPeerLeave(fn func(PeerID))
	// MakeAction returns the named message channel of this room.
	MakeAction(name string) Action
	// Leave tears the room down. It is safe to call more than once.
	Leave() error
}

type Action interface {
	// Send hands payload to the transport for delivery to every connected
	// peer. It does not wait for the network: payloads are queued and
	// written by the transport, and ErrDropped is returned when the queue
	// is full.
	Send(payload []byte) error
	// OnReceive replaces the receive handler.
	OnReceive(fn func(payload []byte, from PeerID))
}
