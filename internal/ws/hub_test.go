package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/db"
	"github.com/manpreetbhatti/clipsync/internal/events"
	"github.com/manpreetbhatti/clipsync/internal/protocol"
	"github.com/manpreetbhatti/clipsync/internal/ratelimit"
)

// newMockClient builds a client without a connection; frames queued for it
// are read straight from its send buffer.
func newMockClient(h *Hub, ns, room, peer string, buffer int) *Client {
	return &Client{
		hub:    h,
		send:   make(chan []byte, buffer),
		key:    RoomKey{Namespace: ns, Room: room},
		peerID: peer,
		logger: zap.NewNop(),
	}
}

func nextFrame(t *testing.T, c *Client) protocol.Frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send buffer closed")
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return protocol.Frame{}
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Kind
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.rooms)
	assert.Equal(t, 0, hub.GetRoomCount())
	assert.Equal(t, 0, hub.GetClientCount())
	assert.Empty(t, hub.GetActiveRooms())
}

func TestHubWelcomeAndPresence(t *testing.T) {
	pub := &recordingPublisher{}
	hub := NewHub(WithEvents(pub))

	a := newMockClient(hub, "ns", "room1", "a", 8)
	b := newMockClient(hub, "ns", "room1", "b", 8)

	hub.addClient(a)
	welcome := nextFrame(t, a)
	assert.Equal(t, protocol.FrameWelcome, welcome.Type)
	assert.Equal(t, "a", welcome.Peer)
	assert.Empty(t, welcome.Peers)

	hub.addClient(b)
	welcome = nextFrame(t, b)
	assert.Equal(t, []string{"a"}, welcome.Peers)

	joined := nextFrame(t, a)
	assert.Equal(t, protocol.FramePeerJoin, joined.Type)
	assert.Equal(t, "b", joined.Peer)

	hub.removeClient(b)
	left := nextFrame(t, a)
	assert.Equal(t, protocol.FramePeerLeave, left.Type)
	assert.Equal(t, "b", left.Peer)

	_, open := <-b.send
	assert.False(t, open, "removed client's buffer is closed")

	hub.removeClient(b)
	hub.removeClient(a)
	assert.Equal(t, 0, hub.GetRoomCount())

	assert.Equal(t, []events.Kind{
		events.RoomOpened, events.PeerJoined, events.PeerJoined,
		events.PeerLeft, events.PeerLeft, events.RoomClosed,
	}, pub.kinds())
}

func TestRelayExcludesSender(t *testing.T) {
	hub := NewHub()
	a := newMockClient(hub, "ns", "room1", "a", 8)
	b := newMockClient(hub, "ns", "room1", "b", 8)
	other := newMockClient(hub, "ns", "room2", "c", 8)
	elsewhere := newMockClient(hub, "other-ns", "room1", "d", 8)
	for _, c := range []*Client{a, b, other, elsewhere} {
		hub.addClient(c)
	}
	for _, c := range []*Client{a, b, other, elsewhere} {
		for len(c.send) > 0 {
			<-c.send
		}
	}

	hub.relay(&Message{
		Key:    a.key,
		Frame:  protocol.Action("textUpdates", []byte(`"hi"`), ""),
		Sender: a,
	})

	f := nextFrame(t, b)
	assert.Equal(t, protocol.FrameAction, f.Type)
	assert.Equal(t, "textUpdates", f.Action)
	assert.Equal(t, "a", f.Peer)
	assert.JSONEq(t, `"hi"`, string(f.Payload))

	assertNoFrame(t, a)
	assertNoFrame(t, other)
	assertNoFrame(t, elsewhere)
}

func TestErrorFrameGoesToSenderOnly(t *testing.T) {
	hub := NewHub()
	a := newMockClient(hub, "ns", "room1", "a", 8)
	b := newMockClient(hub, "ns", "room1", "b", 8)
	hub.addClient(a)
	hub.addClient(b)
	for _, c := range []*Client{a, b} {
		for len(c.send) > 0 {
			<-c.send
		}
	}

	hub.relay(&Message{Key: a.key, Frame: protocol.Error(protocol.ErrBadAction), Sender: a})

	f := nextFrame(t, a)
	assert.Equal(t, protocol.FrameError, f.Type)
	assertNoFrame(t, b)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub()
	fast := newMockClient(hub, "ns", "room1", "fast", 8)
	slow := newMockClient(hub, "ns", "room1", "slow", 1)
	hub.addClient(slow)
	hub.addClient(fast)

	hub.relay(&Message{Key: fast.key, Frame: protocol.Action("x", nil, ""), Sender: fast})

	assert.Equal(t, 1, hub.RoomPeers("ns", "room1"))
	nextFrame(t, fast)
	left := nextFrame(t, fast)
	assert.Equal(t, protocol.FramePeerLeave, left.Type)
	assert.Equal(t, "slow", left.Peer)
}

func TestActiveRooms(t *testing.T) {
	hub := NewHub()
	hub.addClient(newMockClient(hub, "ns", "b-room", "1", 8))
	hub.addClient(newMockClient(hub, "ns", "a-room", "2", 8))
	hub.addClient(newMockClient(hub, "ns", "a-room", "3", 8))

	assert.Equal(t, []RoomInfo{
		{Namespace: "ns", Room: "a-room", Peers: 2},
		{Namespace: "ns", Room: "b-room", Peers: 1},
	}, hub.GetActiveRooms())
	assert.Equal(t, 3, hub.GetClientCount())
}

func TestHubRecordsRegistry(t *testing.T) {
	reg, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer reg.Close()

	hub := NewHub(WithRegistry(reg))
	a := newMockClient(hub, "ns", "room1", "a", 8)
	b := newMockClient(hub, "ns", "room1", "b", 8)
	hub.addClient(a)
	hub.addClient(b)
	hub.removeClient(a)

	r, err := reg.GetRoom(context.Background(), "ns", "room1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(2), r.TotalJoins)
	assert.Equal(t, 2, r.PeakPeers)
}

func startRelay(t *testing.T, joins *ratelimit.ClientLimiters) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, joins, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func TestServeWsRelaysBetweenConnections(t *testing.T) {
	hub, url := startRelay(t, nil)

	a := dial(t, url+"?ns=ns&room=room1")
	welcomeA := readFrame(t, a)
	require.Equal(t, protocol.FrameWelcome, welcomeA.Type)

	b := dial(t, url+"?ns=ns&room=room1")
	welcomeB := readFrame(t, b)
	assert.Equal(t, []string{welcomeA.Peer}, welcomeB.Peers)

	joined := readFrame(t, a)
	assert.Equal(t, protocol.FramePeerJoin, joined.Type)
	assert.Equal(t, welcomeB.Peer, joined.Peer)

	out, err := protocol.Encode(protocol.Frame{Type: protocol.FrameAction, Action: "textUpdates", Payload: []byte(`"hello"`)})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, out))

	got := readFrame(t, b)
	assert.Equal(t, "textUpdates", got.Action)
	assert.Equal(t, welcomeA.Peer, got.Peer)
	assert.JSONEq(t, `"hello"`, string(got.Payload))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome"}`)))
	rejected := readFrame(t, a)
	assert.Equal(t, protocol.FrameError, rejected.Type)

	a.Close()
	left := readFrame(t, b)
	assert.Equal(t, protocol.FramePeerLeave, left.Type)
	assert.Equal(t, welcomeA.Peer, left.Peer)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServeWsRejectsBadRoom(t *testing.T) {
	_, url := startRelay(t, nil)

	for _, query := range []string{"?ns=ns", "?ns=ns&room=bad%20id", "?room=room1"} {
		_, resp, err := websocket.DefaultDialer.Dial(url+query, nil)
		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestServeWsLimitsJoins(t *testing.T) {
	joins := ratelimit.NewClientLimiters(0.001, 1)
	defer joins.Stop()
	_, url := startRelay(t, joins)

	dial(t, url+"?ns=ns&room=room1")
	_, resp, err := websocket.DefaultDialer.Dial(url+"?ns=ns&room=room1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
