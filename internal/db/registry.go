// Package db keeps a registry of relay rooms. Only metadata is stored; the
// shared text never reaches the server's storage.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type Room struct {
	Namespace  string    `json:"namespace"`
	ID         string    `json:"id"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	TotalJoins int64     `json:"total_joins"`
	PeakPeers  int       `json:"peak_peers"`
}

type Stats struct {
	RoomCount  int   `json:"room_count"`
	TotalJoins int64 `json:"total_joins"`
}

// Registry records room activity seen by the relay.
type Registry interface {
	// RecordJoin creates the room row if needed, counts the join and raises
	// the peak when peers exceeds it.
	RecordJoin(ctx context.Context, namespace, id string, peers int, at time.Time) error
	// RecordLeave moves last-seen forward.
	RecordLeave(ctx context.Context, namespace, id string, at time.Time) error
	// GetRoom returns nil, nil when the room is unknown.
	GetRoom(ctx context.Context, namespace, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)
	DeleteRoom(ctx context.Context, namespace, id string) error
	// PruneIdle deletes rooms last seen before cutoff.
	PruneIdle(ctx context.Context, cutoff time.Time) (int64, error)
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}

// Open returns the registry for driver: "sqlite" takes a file path,
// "postgres" a connection URL.
func Open(ctx context.Context, driver, dsn string) (Registry, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
