package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	_, err = pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS rooms (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		total_joins BIGINT NOT NULL DEFAULT 0,
		peak_peers INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (namespace, id)
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_last_seen ON rooms(last_seen);
	`)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) RecordJoin(ctx context.Context, namespace, id string, peers int, at time.Time) error {
	ms := toMillis(at)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rooms (namespace, id, first_seen, last_seen, total_joins, peak_peers)
		VALUES ($1, $2, $3, $3, 1, $4)
		ON CONFLICT (namespace, id) DO UPDATE SET
			last_seen = GREATEST(rooms.last_seen, EXCLUDED.last_seen),
			total_joins = rooms.total_joins + 1,
			peak_peers = GREATEST(rooms.peak_peers, EXCLUDED.peak_peers)
	`, namespace, id, ms, peers)
	return err
}

func (p *Postgres) RecordLeave(ctx context.Context, namespace, id string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		"UPDATE rooms SET last_seen = GREATEST(last_seen, $1) WHERE namespace = $2 AND id = $3",
		toMillis(at), namespace, id,
	)
	return err
}

func (p *Postgres) GetRoom(ctx context.Context, namespace, id string) (*Room, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT namespace, id, first_seen, last_seen, total_joins, peak_peers
		FROM rooms WHERE namespace = $1 AND id = $2
	`, namespace, id)

	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT namespace, id, first_seen, last_seen, total_joins, peak_peers
		FROM rooms ORDER BY last_seen DESC, namespace, id LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (p *Postgres) DeleteRoom(ctx context.Context, namespace, id string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM rooms WHERE namespace = $1 AND id = $2", namespace, id)
	return err
}

func (p *Postgres) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, "DELETE FROM rooms WHERE last_seen < $1", toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(total_joins), 0)::BIGINT FROM rooms",
	).Scan(&stats.RoomCount, &stats.TotalJoins)
	return stats, err
}
