package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func testOptions() Options {
	return Options{QueueSize: 8, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDispatcherSendsEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Kind != PeerJoined || evt.Room != "room1" || evt.Peers != 2 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewDispatcher(producer, "rooms", nil, testOptions())
	d.Publish(Event{Kind: PeerJoined, Namespace: "ns", Room: "room1", Peer: "p1", Peers: 2, At: time.Now()})
	d.Close()

	require.NoError(t, producer.Close())
}

func TestDispatcherRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "rooms", nil, testOptions())
	d.Publish(Event{Kind: RoomOpened, Namespace: "ns", Room: "room1"})
	d.Close()

	require.NoError(t, producer.Close())
}

func TestDispatcherGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(errors.New("broker down"))
	}
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "rooms", nil, testOptions())
	d.Publish(Event{Kind: RoomClosed, Room: "dropped"})
	d.Publish(Event{Kind: RoomOpened, Room: "next"})
	d.Close()

	require.NoError(t, producer.Close())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	d := NewDispatcher(nil, "", nil, testOptions())
	d.Close()
	d.Close()

	assert.NotPanics(t, func() { d.Publish(Event{Kind: PeerLeft}) })
}

func TestPublishDropsWhenFull(t *testing.T) {
	d := &Dispatcher{queue: make(chan Event, 1), logger: zap.NewNop()}
	d.Publish(Event{Room: "a"})
	d.Publish(Event{Room: "b"})

	require.Len(t, d.queue, 1)
	assert.Equal(t, "a", (<-d.queue).Room)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NotPanics(t, func() { p.Publish(Event{}) })
}
