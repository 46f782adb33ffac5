package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		namespace TEXT NOT NULL,
		id TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		total_joins INTEGER NOT NULL DEFAULT 0,
		peak_peers INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (namespace, id)
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_seen ON rooms(last_seen);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *SQLite) Close() error {
	return d.db.Close()
}

func (d *SQLite) RecordJoin(ctx context.Context, namespace, id string, peers int, at time.Time) error {
	ms := toMillis(at)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (namespace, id, first_seen, last_seen, total_joins, peak_peers)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			last_seen = MAX(rooms.last_seen, excluded.last_seen),
			total_joins = rooms.total_joins + 1,
			peak_peers = MAX(rooms.peak_peers, excluded.peak_peers)
	`, namespace, id, ms, ms, peers)
	return err
}

func (d *SQLite) RecordLeave(ctx context.Context, namespace, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET last_seen = MAX(last_seen, ?) WHERE namespace = ? AND id = ?",
		toMillis(at), namespace, id,
	)
	return err
}

func (d *SQLite) GetRoom(ctx context.Context, namespace, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT namespace, id, first_seen, last_seen, total_joins, peak_peers
		FROM rooms WHERE namespace = ? AND id = ?
	`, namespace, id)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *SQLite) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT namespace, id, first_seen, last_seen, total_joins, peak_peers
		FROM rooms ORDER BY last_seen DESC, namespace, id LIMIT ? OFFSET ?
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

func (d *SQLite) DeleteRoom(ctx context.Context, namespace, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE namespace = ? AND id = ?", namespace, id)
	return err
}

func (d *SQLite) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE last_seen < ?", toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *SQLite) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(total_joins), 0) FROM rooms",
	).Scan(&stats.RoomCount, &stats.TotalJoins)
	return stats, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*Room, error) {
	var (
		room            Room
		first, lastSeen int64
	)
	if err := s.Scan(&room.Namespace, &room.ID, &first, &lastSeen, &room.TotalJoins, &room.PeakPeers); err != nil {
		return nil, err
	}
	room.FirstSeen = fromMillis(first)
	room.LastSeen = fromMillis(lastSeen)
	return &room, nil
}
