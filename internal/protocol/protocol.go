// Package protocol defines the JSON frames exchanged between the relay
// server and its clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies a frame.
type FrameType string

const (
	// Server to client: sent once after the upgrade, lists the peers
	// already in the room and the recipient's own peer ID.
	FrameWelcome FrameType = "welcome"

	// Server to client: presence changes.
	FramePeerJoin  FrameType = "peer-join"
	FramePeerLeave FrameType = "peer-leave"

	// Both directions. Clients send Action+Payload; the server forwards it
	// to every other peer of the room with Peer set to the sender.
	FrameAction FrameType = "action"

	// Server to client: a frame was rejected.
	FrameError FrameType = "error"
)

const (
	MaxActionName  = 64
	MaxPayloadSize = 512 * 1024
)

var (
	ErrEmptyFrame      = errors.New("empty frame")
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	ErrBadAction       = errors.New("invalid action name")
	ErrPayloadTooLarge = errors.New("payload too large")
)

type Frame struct {
	Type      FrameType       `json:"type"`
	Namespace string          `json:"ns,omitempty"`
	Room      string          `json:"room,omitempty"`
	Peer      string          `json:"peer,omitempty"`
	Peers     []string        `json:"peers,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if len(data) == 0 {
		return f, ErrEmptyFrame
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Validate checks a frame received from a client. Only action frames are
// accepted from clients.
func Validate(f Frame) error {
	if f.Type != FrameAction {
		return fmt.Errorf("%w: %q", ErrUnexpectedFrame, f.Type)
	}
	if f.Action == "" || len(f.Action) > MaxActionName {
		return ErrBadAction
	}
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return nil
}

func Welcome(namespace, room, self string, peers []string) Frame {
	return Frame{Type: FrameWelcome, Namespace: namespace, Room: room, Peer: self, Peers: peers}
}

func PeerJoin(peer string) Frame  { return Frame{Type: FramePeerJoin, Peer: peer} }
func PeerLeave(peer string) Frame { return Frame{Type: FramePeerLeave, Peer: peer} }

func Action(name string, payload []byte, from string) Frame {
	return Frame{Type: FrameAction, Action: name, Payload: payload, Peer: from}
}

func Error(err error) Frame { return Frame{Type: FrameError, Error: err.Error()} }
