// Package events publishes room lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type Kind string

const (
	RoomOpened Kind = "room_opened"
	PeerJoined Kind = "peer_joined"
	PeerLeft   Kind = "peer_left"
	RoomClosed Kind = "room_closed"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	Namespace string    `json:"namespace"`
	Room      string    `json:"room"`
	Peer      string    `json:"peer,omitempty"`
	Peers     int       `json:"peers"`
	At        time.Time `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Dispatcher queues events in a bounded buffer and sends them from a pool of
// workers with capped exponential retry. Events are dropped when the queue
// is full or retries run out.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	opt      Options

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

func NewDispatcher(producer sarama.SyncProducer, topic string, logger *zap.Logger, opt Options) *Dispatcher {
	def := DefaultOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxRetry < 0 {
		opt.MaxRetry = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		opt:      opt,
		queue:    make(chan Event, opt.QueueSize),
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewProducer connects a SyncProducer to brokers.
func NewProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	// required by SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

func (d *Dispatcher) Publish(evt Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn("event queue full, dropping event",
			zap.String("kind", string(evt.Kind)),
			zap.String("room", evt.Room))
	}
}

// Enqueue waits for queue space until ctx is done.
func (d *Dispatcher) Enqueue(ctx context.Context, evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and waits for the workers. The producer is left
// open.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.opt.MaxRetry {
			d.logger.Warn("kafka send failed, dropping event",
				zap.String("kind", string(evt.Kind)),
				zap.String("room", evt.Room),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if d.opt.MaxBackoff > 0 && backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt Event) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Namespace + "/" + evt.Room),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
