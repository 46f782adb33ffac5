// Package redisbus is a peer transport over Redis pub/sub. Every room is one
// channel; peers find each other by announcing themselves on it, so no relay
// server is needed.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/transport"
)

const (
	kindHello  = "hello"
	kindHere   = "here"
	kindBye    = "bye"
	kindAction = "action"

	defaultHeartbeat = 5 * time.Second
	// A peer not heard from for this many heartbeats is considered gone.
	missedBeats = 3

	outboxSize     = 64
	publishTimeout = 5 * time.Second
)

type envelope struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Transport struct {
	client    redis.UniversalClient
	prefix    string
	heartbeat time.Duration
	logger    *zap.Logger
}

type Option func(*Transport)

// WithPrefix sets the channel name prefix. Defaults to "clipsync".
func WithPrefix(p string) Option {
	return func(t *Transport) { t.prefix = p }
}

func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:    client,
		prefix:    "clipsync",
		heartbeat: defaultHeartbeat,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) channel(namespace, roomID string) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, namespace, roomID)
}

// Join subscribes to the room channel and announces this peer.
func (t *Transport) Join(ctx context.Context, namespace, roomID string) (transport.Room, error) {
	channel := t.channel(namespace, roomID)
	sub := t.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", transport.ErrJoin, channel, err)
	}

	r := &room{
		client:    t.client,
		sub:       sub,
		channel:   channel,
		self:      uuid.NewString(),
		heartbeat: t.heartbeat,
		events:    transport.NewEvents(),
		seen:      make(map[string]time.Time),
		logger:    t.logger.With(zap.String("channel", channel)),
		outbox:    make(chan envelope, outboxSize),
		done:      make(chan struct{}),
	}

	if err := r.publish(ctx, envelope{Kind: kindHello}); err != nil {
		sub.Close()
		r.events.Close()
		return nil, fmt.Errorf("%w: announce: %w", transport.ErrJoin, err)
	}

	r.wg.Add(3)
	go r.readLoop()
	go r.heartbeatLoop()
	go r.writeLoop()
	return r, nil
}

type room struct {
	client    redis.UniversalClient
	sub       *redis.PubSub
	channel   string
	self      string
	heartbeat time.Duration
	events    *transport.Events
	logger    *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	outbox chan envelope

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (r *room) ID() transport.PeerID { return transport.PeerID(r.self) }

func (r *room) OnPeerJoin(fn func(transport.PeerID))  { r.events.SetPeerJoin(fn) }
func (r *room) OnPeerLeave(fn func(transport.PeerID)) { r.events.SetPeerLeave(fn) }

func (r *room) MakeAction(name string) transport.Action {
	return &action{room: r, name: name}
}

func (r *room) Leave() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.events.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if perr := r.publish(ctx, envelope{Kind: kindBye}); perr != nil {
			r.logger.Debug("bye not delivered", zap.Error(perr))
		}
		err = r.sub.Close()
		r.wg.Wait()
	})
	return err
}

func (r *room) publish(ctx context.Context, env envelope) error {
	env.From = r.self
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// writeLoop publishes queued actions until the room is left. Whatever is
// still queued at that point is dropped.
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
		case env := <-r.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := r.publish(ctx, env); err != nil {
				r.logger.Debug("action not delivered", zap.String("action", env.Action), zap.Error(err))
			}
			cancel()
		}
	}
}

func (r *room) readLoop() {
	defer r.wg.Done()
	for msg := range r.sub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Debug("bad envelope", zap.Error(err))
			continue
		}
		if env.From == "" || env.From == r.self {
			continue
		}
		if env.To != "" && env.To != r.self {
			continue
		}
		r.handle(env)
	}
}

func (r *room) handle(env envelope) {
	switch env.Kind {
	case kindHello:
		r.touch(env.From)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.publish(ctx, envelope{Kind: kindHere, To: env.From}); err != nil {
			r.logger.Debug("reply to hello failed", zap.Error(err))
		}
	case kindHere:
		r.touch(env.From)
	case kindBye:
		r.forget(env.From)
	case kindAction:
		r.touch(env.From)
		r.events.Message(env.Action, []byte(env.Payload), transport.PeerID(env.From))
	}
}

// touch records a sign of life from peer, reporting it on first sight.
func (r *room) touch(peer string) {
	r.mu.Lock()
	_, known := r.seen[peer]
	r.seen[peer] = time.Now()
	r.mu.Unlock()
	if !known {
		r.events.PeerJoined(transport.PeerID(peer))
	}
}

func (r *room) forget(peer string) {
	r.mu.Lock()
	_, known := r.seen[peer]
	delete(r.seen, peer)
	r.mu.Unlock()
	if known {
		r.events.PeerLeft(transport.PeerID(peer))
	}
}

func (r *room) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeat)
			if err := r.publish(ctx, envelope{Kind: kindHere}); err != nil {
				r.logger.Debug("heartbeat failed", zap.Error(err))
			}
			cancel()
			r.expire(time.Now().Add(-missedBeats * r.heartbeat))
		}
	}
}

func (r *room) expire(cutoff time.Time) {
	r.mu.Lock()
	var gone []string
	for peer, last := range r.seen {
		if last.Before(cutoff) {
			gone = append(gone, peer)
			delete(r.seen, peer)
		}
	}
	r.mu.Unlock()
	for _, peer := range gone {
		r.events.PeerLeft(transport.PeerID(peer))
	}
}

type action struct {
	room *room
	name string
}

// Send queues the payload for publishing on the room channel. The payload
// must be valid JSON.
func (a *action) Send(payload []byte) error {
	select {
	case <-a.room.done:
		return transport.ErrClosed
	default:
	}
	select {
	case a.room.outbox <- envelope{Kind: kindAction, Action: a.name, Payload: payload}:
		return nil
	default:
		return transport.ErrDropped
	}
}

func (a *action) OnReceive(fn func([]byte, transport.PeerID)) {
	a.room.events.SetAction(a.name, fn)
}
