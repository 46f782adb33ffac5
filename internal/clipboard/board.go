package clipboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/room"
	"github.com/manpreetbhatti/clipsync/internal/transport"
)

type State int

const (
	StateUninitialized State = iota
	StateResolved
	StateConnected
	// StateDisconnected means the last join attempt failed.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolved:
		return "resolved"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type BoardConfig struct {
	Transport transport.Transport
	Resolver  *room.Resolver
	Logger    *zap.Logger
	// Namespace defaults to Namespace.
	Namespace string
	// Debounce coalesces rapid edits into one send. Zero sends every edit.
	Debounce time.Duration
	// OnChange is called after a remote snapshot replaced the text.
	OnChange func(text string, from transport.PeerID)
	// OnPeers is called after the peer set changed.
	OnPeers func(peers []transport.PeerID)
}

// Board is the shared text of one tool instance together with its room
// membership. It owns the local replica; remote snapshots overwrite it
// unconditionally.
type Board struct {
	cfg    BoardConfig
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	id      room.ID
	address string
	session *Session
	channel *Channel
	text    string
	pending *time.Timer
	// edits counts local edits and remote snapshots; a debounced send only
	// goes out if nothing happened since it was scheduled.
	edits uint64
}

func NewBoard(cfg BoardConfig) *Board {
	if cfg.Namespace == "" {
		cfg.Namespace = Namespace
	}
	if cfg.Resolver == nil {
		cfg.Resolver = room.NewResolver(room.WithLogger(cfg.Logger))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{cfg: cfg, logger: logger}
}

// Open resolves the room from address, joins it and opens the text channel.
// On a join failure the board is left DISCONNECTED and Open may be retried.
func (b *Board) Open(ctx context.Context, address string) error {
	b.mu.Lock()
	if b.state == StateConnected {
		b.mu.Unlock()
		return fmt.Errorf("board already connected to room %s", b.id)
	}
	res := b.cfg.Resolver.Resolve(address)
	b.id, b.address, b.state = res.ID, res.Address, StateResolved
	b.mu.Unlock()

	session, err := Join(ctx, b.cfg.Transport, b.cfg.Namespace, res.ID,
		WithSessionLogger(b.logger),
		WithPeerObserver(b.peersChanged),
	)
	if err != nil {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		b.logger.Warn("could not join room", zap.String("room", string(res.ID)), zap.Error(err))
		return err
	}

	channel, err := session.OpenChannel(TextChannel)
	if err != nil {
		_ = session.Leave()
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.session, b.channel, b.state = session, channel, StateConnected
	b.mu.Unlock()

	channel.OnReceive(b.received)
	return nil
}

// Edit replaces the local text and broadcasts it.
func (b *Board) Edit(text string) {
	b.mu.Lock()
	b.text = text
	b.edits++
	channel := b.channel
	if channel == nil {
		b.mu.Unlock()
		return
	}
	if b.cfg.Debounce > 0 {
		b.stopPendingLocked()
		seq := b.edits
		b.pending = time.AfterFunc(b.cfg.Debounce, func() { b.flush(seq) })
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := channel.Send(text); err != nil {
		b.logger.Debug("edit not sent", zap.Error(err))
	}
}

func (b *Board) flush(seq uint64) {
	b.mu.Lock()
	if seq != b.edits {
		b.mu.Unlock()
		return
	}
	channel, text := b.channel, b.text
	b.pending = nil
	b.mu.Unlock()
	if channel == nil {
		return
	}
	if err := channel.Send(text); err != nil {
		b.logger.Debug("edit not sent", zap.Error(err))
	}
}

func (b *Board) received(text string, from transport.PeerID) {
	b.mu.Lock()
	if b.channel == nil {
		b.mu.Unlock()
		return
	}
	// A remote snapshot supersedes an unsent local edit.
	b.text = text
	b.edits++
	b.stopPendingLocked()
	b.mu.Unlock()

	if b.cfg.OnChange != nil {
		b.cfg.OnChange(text, from)
	}
}

func (b *Board) stopPendingLocked() {
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
}

func (b *Board) peersChanged(peers []transport.PeerID) {
	if b.cfg.OnPeers != nil {
		b.cfg.OnPeers(peers)
	}
}

func (b *Board) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Board) RoomID() room.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *Board) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address
}

func (b *Board) Peers() []transport.PeerID {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Peers()
}

// Status is the connection line shown to the user.
func (b *Board) Status() string {
	if b.State() == StateDisconnected {
		return "disconnected"
	}
	return PeerStatus(len(b.Peers()))
}

// PeerStatus renders a peer count the way Status does.
func PeerStatus(n int) string {
	switch n {
	case 0:
		return "waiting for peers"
	case 1:
		return "1 peer"
	default:
		return fmt.Sprintf("%d peers", n)
	}
}

// Regenerate leaves the current room and returns the address of a new one.
// The new room starts with empty text. The board is UNINITIALIZED
// afterwards; call Open with the returned address to join it.
func (b *Board) Regenerate() (string, error) {
	current := b.Address()
	if err := b.Close(); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.text = ""
	b.mu.Unlock()
	return b.cfg.Resolver.Regenerate(current).Address, nil
}

// Close leaves the room. The local text is kept.
func (b *Board) Close() error {
	b.mu.Lock()
	session := b.session
	b.edits++
	b.stopPendingLocked()
	b.session, b.channel, b.state = nil, nil, StateUninitialized
	b.mu.Unlock()

	return session.Leave()
}
