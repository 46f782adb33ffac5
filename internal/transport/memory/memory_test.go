package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/manpreetbhatti/clipsync/internal/transport"
)

type peerLog struct {
	mu     sync.Mutex
	joined []transport.PeerID
	left   []transport.PeerID
	msgs   []string
}

func watch(r transport.Room, action string) *peerLog {
	l := &peerLog{}
	r.OnPeerJoin(func(id transport.PeerID) {
		l.mu.Lock()
		l.joined = append(l.joined, id)
		l.mu.Unlock()
	})
	r.OnPeerLeave(func(id transport.PeerID) {
		l.mu.Lock()
		l.left = append(l.left, id)
		l.mu.Unlock()
	})
	r.MakeAction(action).OnReceive(func(p []byte, from transport.PeerID) {
		l.mu.Lock()
		l.msgs = append(l.msgs, string(from)+"="+string(p))
		l.mu.Unlock()
	})
	return l
}

func (l *peerLog) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.joined), len(l.left), len(l.msgs)
}

func TestPresenceAndMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	n := NewNetwork()

	a, err := n.Join(ctx, "ns", "r1")
	require.NoError(t, err)
	b, err := n.Join(ctx, "ns", "r1")
	require.NoError(t, err)
	other, err := n.Join(ctx, "ns", "r2")
	require.NoError(t, err)

	la := watch(a, "text")
	lb := watch(b, "text")
	lo := watch(other, "text")

	require.Eventually(t, func() bool {
		ja, _, _ := la.counts()
		jb, _, _ := lb.counts()
		return ja == 1 && jb == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.MakeAction("text").Send([]byte("hello")))
	require.Eventually(t, func() bool {
		_, _, m := lb.counts()
		return m == 1
	}, time.Second, 5*time.Millisecond)

	lb.mu.Lock()
	assert.Equal(t, string(a.(*member).ID())+"=hello", lb.msgs[0])
	lb.mu.Unlock()

	_, _, selfMsgs := la.counts()
	assert.Zero(t, selfMsgs, "sender must not receive its own message")
	jo, _, mo := lo.counts()
	assert.Zero(t, jo)
	assert.Zero(t, mo)

	require.NoError(t, a.Leave())
	require.Eventually(t, func() bool {
		_, left, _ := lb.counts()
		return left == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, n.Peers("ns", "r1"))

	assert.ErrorIs(t, a.MakeAction("text").Send([]byte("late")), transport.ErrClosed)
	require.NoError(t, a.Leave())

	require.NoError(t, b.Leave())
	require.NoError(t, other.Leave())
	assert.Zero(t, n.Peers("ns", "r1"))

	a.(*member).events.Wait()
	b.(*member).events.Wait()
	other.(*member).events.Wait()
}

func TestJoinHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewNetwork().Join(ctx, "ns", "r")
	assert.ErrorIs(t, err, context.Canceled)
}
