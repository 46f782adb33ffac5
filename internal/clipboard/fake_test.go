package clipboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/manpreetbhatti/clipsync/internal/transport"
)

// fakeTransport hands out fakeRooms whose handlers the tests drive directly.
type fakeTransport struct {
	mu      sync.Mutex
	joinErr error
	rooms   []*fakeRoom
}

func (f *fakeTransport) Join(ctx context.Context, namespace, roomID string) (transport.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	r := &fakeRoom{namespace: namespace, roomID: roomID, actions: make(map[string]*fakeAction)}
	f.rooms = append(f.rooms, r)
	return r, nil
}

func (f *fakeTransport) last() *fakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[len(f.rooms)-1]
}

type fakeRoom struct {
	namespace string
	roomID    string

	mu      sync.Mutex
	onJoin  func(transport.PeerID)
	onLeave func(transport.PeerID)
	actions map[string]*fakeAction
	leaves  int
}

func (r *fakeRoom) OnPeerJoin(fn func(transport.PeerID)) {
	r.mu.Lock()
	r.onJoin = fn
	r.mu.Unlock()
}

func (r *fakeRoom) OnPeerLeave(fn func(transport.PeerID)) {
	r.mu.Lock()
	r.onLeave = fn
	r.mu.Unlock()
}

func (r *fakeRoom) MakeAction(name string) transport.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[name]
	if !ok {
		a = &fakeAction{}
		r.actions[name] = a
	}
	return a
}

func (r *fakeRoom) Leave() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves++
	r.onJoin, r.onLeave = nil, nil
	for _, a := range r.actions {
		a.mu.Lock()
		a.onReceive = nil
		a.mu.Unlock()
	}
	return nil
}

func (r *fakeRoom) join(id transport.PeerID) {
	r.mu.Lock()
	fn := r.onJoin
	r.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (r *fakeRoom) leave(id transport.PeerID) {
	r.mu.Lock()
	fn := r.onLeave
	r.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (r *fakeRoom) action(name string) *fakeAction {
	return r.MakeAction(name).(*fakeAction)
}

type fakeAction struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	onReceive func([]byte, transport.PeerID)
}

func (a *fakeAction) Send(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, payload)
	return a.sendErr
}

func (a *fakeAction) OnReceive(fn func([]byte, transport.PeerID)) {
	a.mu.Lock()
	a.onReceive = fn
	a.mu.Unlock()
}

func (a *fakeAction) deliver(payload []byte, from transport.PeerID) {
	a.mu.Lock()
	fn := a.onReceive
	a.mu.Unlock()
	if fn != nil {
		fn(payload, from)
	}
}

func (a *fakeAction) deliverText(text string, from transport.PeerID) {
	payload, _ := json.Marshal(text)
	a.deliver(payload, from)
}

func (a *fakeAction) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, p := range a.sent {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

var errUnreachable = errors.New("signaling unreachable")
