package redisbus

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/clipsync/internal/clipboard"
	"github.com/manpreetbhatti/clipsync/internal/transport"
)

func setupRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })
	return client
}

type recorder struct {
	mu     sync.Mutex
	joined []transport.PeerID
	left   []transport.PeerID
	msgs   []string
}

func (rec *recorder) attach(r transport.Room, name string) transport.Action {
	r.OnPeerJoin(func(id transport.PeerID) {
		rec.mu.Lock()
		rec.joined = append(rec.joined, id)
		rec.mu.Unlock()
	})
	r.OnPeerLeave(func(id transport.PeerID) {
		rec.mu.Lock()
		rec.left = append(rec.left, id)
		rec.mu.Unlock()
	})
	a := r.MakeAction(name)
	a.OnReceive(func(payload []byte, _ transport.PeerID) {
		rec.mu.Lock()
		rec.msgs = append(rec.msgs, string(payload))
		rec.mu.Unlock()
	})
	return a
}

func (rec *recorder) snapshot() (joined, left []transport.PeerID, msgs []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]transport.PeerID(nil), rec.joined...),
		append([]transport.PeerID(nil), rec.left...),
		append([]string(nil), rec.msgs...)
}

func TestPeersDiscoverEachOther(t *testing.T) {
	client := setupRedis(t)
	tr := New(client)
	ctx := context.Background()

	ra, err := tr.Join(ctx, "ns", "room1")
	require.NoError(t, err)
	defer ra.Leave()
	recA := &recorder{}
	actA := recA.attach(ra, "textUpdates")

	rb, err := tr.Join(ctx, "ns", "room1")
	require.NoError(t, err)
	recB := &recorder{}
	recB.attach(rb, "textUpdates")

	require.Eventually(t, func() bool {
		ja, _, _ := recA.snapshot()
		jb, _, _ := recB.snapshot()
		return len(ja) == 1 && len(jb) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ja, _, _ := recA.snapshot()
	assert.Equal(t, rb.(*room).ID(), ja[0])

	require.NoError(t, actA.Send([]byte(`"from a"`)))
	require.Eventually(t, func() bool {
		_, _, msgs := recB.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, _, msgsA := recA.snapshot()
	assert.Empty(t, msgsA)

	require.NoError(t, rb.Leave())
	require.Eventually(t, func() bool {
		_, left, _ := recA.snapshot()
		return len(left) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoomsAreIsolated(t *testing.T) {
	client := setupRedis(t)
	tr := New(client)
	ctx := context.Background()

	ra, err := tr.Join(ctx, "ns", "room1")
	require.NoError(t, err)
	defer ra.Leave()
	recA := &recorder{}
	recA.attach(ra, "textUpdates")

	rb, err := tr.Join(ctx, "other-ns", "room1")
	require.NoError(t, err)
	defer rb.Leave()
	rc, err := tr.Join(ctx, "ns", "room2")
	require.NoError(t, err)
	defer rc.Leave()

	require.NoError(t, rb.MakeAction("textUpdates").Send([]byte(`"x"`)))
	require.NoError(t, rc.MakeAction("textUpdates").Send([]byte(`"y"`)))

	time.Sleep(100 * time.Millisecond)
	joined, _, msgs := recA.snapshot()
	assert.Empty(t, joined)
	assert.Empty(t, msgs)
}

func TestSilentPeerExpires(t *testing.T) {
	client := setupRedis(t)
	tr := New(client, WithHeartbeat(20*time.Millisecond))
	ctx := context.Background()

	ra, err := tr.Join(ctx, "ns", "room1")
	require.NoError(t, err)
	defer ra.Leave()
	recA := &recorder{}
	recA.attach(ra, "textUpdates")

	r := ra.(*room)
	r.touch("ghost")
	require.Eventually(t, func() bool {
		_, left, _ := recA.snapshot()
		return len(left) == 1 && left[0] == "ghost"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinFailsWhenRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2, MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = New(client).Join(ctx, "ns", "room1")
	assert.ErrorIs(t, err, transport.ErrJoin)
}

func TestSendAfterLeave(t *testing.T) {
	client := setupRedis(t)
	r, err := New(client).Join(context.Background(), "ns", "room1")
	require.NoError(t, err)
	a := r.MakeAction("textUpdates")
	require.NoError(t, r.Leave())
	require.NoError(t, r.Leave())
	assert.ErrorIs(t, a.Send([]byte(`"late"`)), transport.ErrClosed)
}

func TestBoardsSyncOverRedis(t *testing.T) {
	client := setupRedis(t)
	tr := New(client, WithPrefix("test"))
	ctx := context.Background()

	a := clipboard.NewBoard(clipboard.BoardConfig{Transport: tr})
	b := clipboard.NewBoard(clipboard.BoardConfig{Transport: tr})
	require.NoError(t, a.Open(ctx, "https://suite.example/"))
	defer a.Close()
	require.NoError(t, b.Open(ctx, a.Address()))
	defer b.Close()

	require.Eventually(t, func() bool { return a.Status() == "1 peer" && b.Status() == "1 peer" },
		2*time.Second, 10*time.Millisecond)

	b.Edit("via redis")
	require.Eventually(t, func() bool { return a.Text() == "via redis" }, 2*time.Second, 10*time.Millisecond)
}

// unresponsiveRedis accepts connections and reads from them without ever
// answering, like a server that has stalled.
func unresponsiveRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(io.Discard, conn)
				conn.Close()
			}()
		}
	}()
	client := redis.NewClient(&redis.Options{
		Addr:         ln.Addr().String(),
		Protocol:     2,
		MaxRetries:   -1,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() {
		client.Close()
		ln.Close()
	})
	return client
}

func TestSendDoesNotWaitForRedis(t *testing.T) {
	client := setupRedis(t)
	joined, err := New(client).Join(context.Background(), "ns", "room1")
	require.NoError(t, err)
	r := joined.(*room)
	r.client = unresponsiveRedis(t)
	a := r.MakeAction("textUpdates")

	start := time.Now()
	var dropped int
	for i := 0; i < outboxSize+10; i++ {
		err := a.Send([]byte(`"stalled"`))
		if err != nil {
			require.ErrorIs(t, err, transport.ErrDropped)
			dropped++
		}
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.NotZero(t, dropped)

	require.NoError(t, r.Leave())
}
