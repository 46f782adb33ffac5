// Package clipboard keeps a piece of text in sync between the peers of one
// room. Every edit is broadcast as a full snapshot and every received
// snapshot replaces the local text: the last message delivered wins.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/room"
	"github.com/manpreetbhatti/clipsync/internal/transport"
)

const (
	// Namespace keeps our rooms apart from other apps on the same transport.
	Namespace = "suitegen-clipboard-v1"

	// TextChannel is the action name used for text snapshots.
	TextChannel = "textUpdates"
)

var (
	ErrJoinFailed    = errors.New("clipboard: join failed")
	ErrSessionClosed = errors.New("clipboard: session closed")
	ErrChannelOpen   = errors.New("clipboard: channel already open")
)

// Session is one membership in a room. It owns the set of connected peers,
// which it rebuilds from the transport's join and leave events.
type Session struct {
	room   transport.Room
	id     room.ID
	logger *zap.Logger

	mu       sync.RWMutex
	peers    map[transport.PeerID]struct{}
	observer func([]transport.PeerID)
	channel  *Channel
	left     bool
}

type SessionOption func(*Session)

// WithPeerObserver is called with a fresh snapshot after every peer set change.
func WithPeerObserver(fn func([]transport.PeerID)) SessionOption {
	return func(s *Session) { s.observer = fn }
}

func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Join enters id on t. Only one session per Board is expected to be active.
func Join(ctx context.Context, t transport.Transport, namespace string, id room.ID, opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:     id,
		logger: zap.NewNop(),
		peers:  make(map[transport.PeerID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("room", string(id)))

	r, err := t.Join(ctx, namespace, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	s.room = r

	r.OnPeerJoin(s.peerJoined)
	r.OnPeerLeave(s.peerLeft)

	s.logger.Info("joined room", zap.String("namespace", namespace))
	return s, nil
}

func (s *Session) RoomID() room.ID { return s.id }

// Peers returns the connected peers, sorted.
func (s *Session) Peers() []transport.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Session) snapshotLocked() []transport.PeerID {
	peers := make([]transport.PeerID, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *Session) peerJoined(id transport.PeerID) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.peers[id] = struct{}{}
	snapshot, observer := s.snapshotLocked(), s.observer
	s.mu.Unlock()

	s.logger.Debug("peer joined", zap.String("peer", string(id)), zap.Int("peers", len(snapshot)))
	if observer != nil {
		observer(snapshot)
	}
}

func (s *Session) peerLeft(id transport.PeerID) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	delete(s.peers, id)
	snapshot, observer := s.snapshotLocked(), s.observer
	s.mu.Unlock()

	s.logger.Debug("peer left", zap.String("peer", string(id)), zap.Int("peers", len(snapshot)))
	if observer != nil {
		observer(snapshot)
	}
}

// OpenChannel opens the named text channel. A session has at most one.
func (s *Session) OpenChannel(name string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil, ErrSessionClosed
	}
	if s.channel != nil {
		return nil, ErrChannelOpen
	}
	s.channel = &Channel{
		session: s,
		name:    name,
		action:  s.room.MakeAction(name),
		logger:  s.logger.With(zap.String("channel", name)),
	}
	return s.channel, nil
}

// Leave is the only teardown path. It is idempotent and safe on a nil
// session; afterwards no peer or channel event is delivered.
func (s *Session) Leave() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.peers = make(map[transport.PeerID]struct{})
	r := s.room
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	if err := r.Leave(); err != nil {
		return fmt.Errorf("leave room %s: %w", s.id, err)
	}
	s.logger.Info("left room")
	return nil
}

func (s *Session) closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.left
}
