package transport

import "sync"

type eventKind int

const (
	kindJoin eventKind = iota
	kindLeave
	kindAction
)

type event struct {
	kind    eventKind
	peer    PeerID
	action  string
	payload []byte
}

// Events serializes the callbacks of one room onto a single goroutine.
//
// Presence events are held until both the join and the leave handler are
// registered, so a join is never observed after its own leave. Action
// messages are held per action name until a receive handler exists.
type Events struct {
	mu       sync.Mutex
	onJoin   func(PeerID)
	onLeave  func(PeerID)
	onAction map[string]func([]byte, PeerID)

	queue    []event
	presence []event
	held     map[string][]event
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewEvents() *Events {
	e := &Events{
		onAction: make(map[string]func([]byte, PeerID)),
		held:     make(map[string][]event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Events) PeerJoined(id PeerID) { e.push(event{kind: kindJoin, peer: id}) }

func (e *Events) PeerLeft(id PeerID) { e.push(event{kind: kindLeave, peer: id}) }

func (e *Events) Message(action string, payload []byte, from PeerID) {
	e.push(event{kind: kindAction, action: action, payload: payload, peer: from})
}

func (e *Events) SetPeerJoin(fn func(PeerID)) {
	e.mu.Lock()
	e.onJoin = fn
	e.releasePresenceLocked()
	e.mu.Unlock()
	e.signal()
}

func (e *Events) SetPeerLeave(fn func(PeerID)) {
	e.mu.Lock()
	e.onLeave = fn
	e.releasePresenceLocked()
	e.mu.Unlock()
	e.signal()
}

func (e *Events) SetAction(name string, fn func([]byte, PeerID)) {
	e.mu.Lock()
	e.onAction[name] = fn
	if held := e.held[name]; len(held) > 0 && fn != nil {
		e.queue = append(e.queue, held...)
		delete(e.held, name)
	}
	e.mu.Unlock()
	e.signal()
}

// Close stops delivery. Callbacks already running finish; nothing else is
// invoked afterwards. Close does not wait for the loop, so it may be called
// from inside a callback.
func (e *Events) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	e.presence = nil
	e.held = nil
	e.mu.Unlock()
	close(e.done)
}

// Wait blocks until the delivery goroutine has exited. Must not be called
// from a callback.
func (e *Events) Wait() { e.wg.Wait() }

func (e *Events) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Events) push(ev event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.signal()
}

func (e *Events) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Events) releasePresenceLocked() {
	if e.onJoin != nil && e.onLeave != nil && len(e.presence) > 0 {
		e.queue = append(e.presence, e.queue...)
		e.presence = nil
	}
}

func (e *Events) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			ev, ok := e.next()
			if !ok {
				break
			}
			e.dispatch(ev)
		}
	}
}

// next pops the next deliverable event, parking the ones without a handler.
func (e *Events) next() (event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) > 0 && !e.closed {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		switch ev.kind {
		case kindJoin, kindLeave:
			if e.onJoin == nil || e.onLeave == nil {
				e.presence = append(e.presence, ev)
				continue
			}
		case kindAction:
			if e.onAction[ev.action] == nil {
				e.held[ev.action] = append(e.held[ev.action], ev)
				continue
			}
		}
		return ev, true
	}
	return event{}, false
}

func (e *Events) dispatch(ev event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var call func()
	switch ev.kind {
	case kindJoin:
		if fn := e.onJoin; fn != nil {
			call = func() { fn(ev.peer) }
		}
	case kindLeave:
		if fn := e.onLeave; fn != nil {
			call = func() { fn(ev.peer) }
		}
	case kindAction:
		if fn := e.onAction[ev.action]; fn != nil {
			call = func() { fn(ev.payload, ev.peer) }
		}
	}
	e.mu.Unlock()
	if call != nil {
		call()
	}
}
