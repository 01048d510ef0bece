// Package sqlstore persists home records in SQLite as an alternative to
// the bbolt backend.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/HyperSystemsDev/hyperhomes/pkg/homedb"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS players (
	id               TEXT PRIMARY KEY,
	username         TEXT NOT NULL DEFAULT '',
	last_teleport_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS homes (
	owner      TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
	name_key   TEXT NOT NULL,
	name       TEXT NOT NULL,
	world      TEXT NOT NULL,
	x          REAL NOT NULL,
	y          REAL NOT NULL,
	z          REAL NOT NULL,
	yaw        REAL NOT NULL,
	pitch      REAL NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (owner, name_key)
);
CREATE TABLE IF NOT EXISTS shares (
	owner   TEXT NOT NULL,
	grantee TEXT NOT NULL,
	PRIMARY KEY (owner, grantee)
);
CREATE INDEX IF NOT EXISTS shares_grantee ON shares(grantee);
`

// Store is a SQLite-backed homedb.Persistence.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	path    string
	timeout time.Duration
}

var _ homedb.Persistence = (*Store)(nil)

// Open opens a SQLite database, sets WAL mode and busy timeout, and
// creates the schema.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", timeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: creating schema: %w", err)
	}
	return &Store{db: db, path: path, timeout: timeout}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the filesystem path of the SQLite database.
func (s *Store) Path() string { return s.path }

// Checkpoint forces a WAL checkpoint to flush all writes to the main database file.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save replaces one player's row and home rows in a single transaction.
func (s *Store) Save(set homedb.PlayerHomeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.withTx(ctx, func(tx *sql.Tx) error { return saveTx(ctx, tx, set) }); err != nil {
		return fmt.Errorf("sqlstore: save %s: %w: %v", set.Player, homedb.ErrIO, err)
	}
	return nil
}

func saveTx(ctx context.Context, tx *sql.Tx, set homedb.PlayerHomeSet) error {
	rec := homedb.ToRecord(set)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO players (id, username, last_teleport_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, last_teleport_at = excluded.last_teleport_at`,
		rec.PlayerID, rec.Username, rec.LastTeleportAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM homes WHERE owner = ?`, rec.PlayerID); err != nil {
		return err
	}
	for key, h := range rec.Homes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO homes (owner, name_key, name, world, x, y, z, yaw, pitch, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.PlayerID, key, h.Name, h.World, h.X, h.Y, h.Z, h.Yaw, h.Pitch, h.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Delete removes a player, their homes and every share they are party to.
func (s *Store) Delete(player homedb.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()

	id := player.String()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM homes WHERE owner = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM players WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE owner = ? OR grantee = ?`, id, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w: %v", player, homedb.ErrIO, err)
	}
	return nil
}

// LoadAll reads every player with their homes.
func (s *Store) LoadAll() ([]homedb.PlayerHomeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()

	recs := make(map[string]*homedb.Record)
	var order []string

	rows, err := s.db.QueryContext(ctx, `SELECT id, username, last_teleport_at FROM players ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load players: %w", err)
	}
	for rows.Next() {
		rec := &homedb.Record{Homes: make(map[string]homedb.HomeRecord)}
		if err := rows.Scan(&rec.PlayerID, &rec.Username, &rec.LastTeleportAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: scan player: %w", err)
		}
		recs[rec.PlayerID] = rec
		order = append(order, rec.PlayerID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: load players: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT owner, name_key, name, world, x, y, z, yaw, pitch, created_at FROM homes`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load homes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner, key string
		var h homedb.HomeRecord
		if err := rows.Scan(&owner, &key, &h.Name, &h.World, &h.X, &h.Y, &h.Z, &h.Yaw, &h.Pitch, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan home: %w", err)
		}
		rec, ok := recs[owner]
		if !ok {
			log.Printf("sqlstore: home %q has no player row %s, skipping", h.Name, owner)
			continue
		}
		rec.Homes[key] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: load homes: %w", err)
	}

	sets := make([]homedb.PlayerHomeSet, 0, len(order))
	for _, id := range order {
		set, err := homedb.FromRecord(*recs[id])
		if err != nil {
			return nil, fmt.Errorf("sqlstore: player %s: %w", id, err)
		}
		sets = append(sets, set)
	}
	log.Printf("sqlstore: loaded %d player records from %s", len(sets), s.path)
	return sets, nil
}

// LoadShares reads every share grant.
func (s *Store) LoadShares() ([]homedb.ShareGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT owner, grantee FROM shares ORDER BY owner, grantee`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load shares: %w", err)
	}
	defer rows.Close()
	var grants []homedb.ShareGrant
	for rows.Next() {
		var o, g string
		if err := rows.Scan(&o, &g); err != nil {
			return nil, fmt.Errorf("sqlstore: scan share: %w", err)
		}
		owner, err1 := homedb.ParsePlayerID(o)
		grantee, err2 := homedb.ParsePlayerID(g)
		if err1 != nil || err2 != nil {
			log.Printf("sqlstore: skipping malformed share %s -> %s", o, g)
			continue
		}
		grants = append(grants, homedb.ShareGrant{Owner: owner, Grantee: grantee})
	}
	return grants, rows.Err()
}

// SaveShares replaces the owner's grantee list.
func (s *Store) SaveShares(owner homedb.PlayerID, grantees []homedb.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()

	id := owner.String()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE owner = ?`, id); err != nil {
			return err
		}
		for _, g := range grantees {
			if _, err := tx.ExecContext(ctx, `INSERT INTO shares (owner, grantee) VALUES (?, ?)`, id, g.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: save shares %s: %w: %v", owner, homedb.ErrIO, err)
	}
	return nil
}

// Import bulk-loads records in one transaction.
func (s *Store) Import(sets []homedb.PlayerHomeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout+time.Duration(len(sets))*time.Millisecond)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, set := range sets {
			if err := saveTx(ctx, tx, set); err != nil {
				return fmt.Errorf("%s: %w", set.Player, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: import: %w", err)
	}
	log.Printf("sqlstore: imported %d player records", len(sets))
	return nil
}

// Stats returns row counts for the health endpoint.
func (s *Store) Stats() (players, homes, shares int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.ctx()
	defer cancel()
	err = s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM players), (SELECT COUNT(*) FROM homes), (SELECT COUNT(*) FROM shares)`).
		Scan(&players, &homes, &shares)
	return
}
