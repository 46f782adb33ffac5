package clipboard

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/transport"
)

// Channel carries full-text snapshots between the peers of a session.
// Delivery is best effort: no acknowledgement, no retry, no ordering
// between senders.
type Channel struct {
	session *Session
	name    string
	action  transport.Action
	logger  *zap.Logger
}

func (c *Channel) Name() string { return c.name }

// Send broadcasts the complete text. With nobody connected it does nothing.
// Transport failures are logged and dropped.
func (c *Channel) Send(text string) error {
	if c.session.closed() {
		return ErrSessionClosed
	}
	if c.session.PeerCount() == 0 {
		return nil
	}
	payload, err := json.Marshal(text)
	if err != nil {
		return err
	}
	if err := c.action.Send(payload); err != nil {
		c.logger.Debug("text update dropped", zap.Int("bytes", len(payload)), zap.Error(err))
	}
	return nil
}

// OnReceive registers fn for inbound snapshots. Payloads that are not
// strings are ignored.
func (c *Channel) OnReceive(fn func(text string, from transport.PeerID)) {
	c.action.OnReceive(func(payload []byte, from transport.PeerID) {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			c.logger.Debug("ignoring non-text payload", zap.String("peer", string(from)), zap.Error(err))
			return
		}
		fn(text, from)
	})
}
