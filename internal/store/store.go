// Package store implements the persistence layer: SQLite-backed replay
// archival, per-game statistics and the server ban list.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection with thread-safe access.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS replays (
			game_db_id INTEGER PRIMARY KEY,
			game_name TEXT NOT NULL,
			scenario TEXT NOT NULL DEFAULT '',
			content BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS game_stats (
			game_db_id INTEGER PRIMARY KEY,
			game_name TEXT NOT NULL,
			host TEXT NOT NULL,
			players INTEGER NOT NULL,
			observers INTEGER NOT NULL,
			turns INTEGER NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('name','ip')),
			reason TEXT NOT NULL DEFAULT '',
			banned_by TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bans_target ON bans(target)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReplay archives a serialized replay under its persistence id.
// Intended to be called from a goroutine at game end; failures are
// logged, not propagated, because the game outcome does not depend on
// the archive.
func (s *Store) SaveReplay(gameDBID int64, gameName, scenario string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO replays (game_db_id, game_name, scenario, content) VALUES (?, ?, ?, ?)`,
		gameDBID, gameName, scenario, content,
	)
	if err != nil {
		log.Error().Err(err).Int64("game_db_id", gameDBID).Msg("failed to save replay")
		return
	}
	log.Debug().Int64("game_db_id", gameDBID).Int("bytes", len(content)).Msg("replay archived")
}

// PruneReplays deletes archived replays older than cutoff and returns
// how many rows were removed.
func (s *Store) PruneReplays(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM replays WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune replays: %w", err)
	}
	return res.RowsAffected()
}

// PruneExpiredBans deletes ban rows whose expiry has passed.
func (s *Store) PruneExpiredBans() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= CURRENT_TIMESTAMP`)
	return err
}

// GameStats is a finished game's record.
type GameStats struct {
	GameDBID  int64
	GameName  string
	Host      string
	Players   int
	Observers int
	Turns     int
	StartedAt time.Time
}

// RecordGameStats writes a finished game's statistics row.
func (s *Store) RecordGameStats(gs GameStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO game_stats (game_db_id, game_name, host, players, observers, turns, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		gs.GameDBID, gs.GameName, gs.Host, gs.Players, gs.Observers, gs.Turns, gs.StartedAt,
	)
	if err != nil {
		log.Error().Err(err).Int64("game_db_id", gs.GameDBID).Msg("failed to record game stats")
	}
}

// Ban is one persisted ban entry. A zero ExpiresAt means permanent.
type Ban struct {
	ID        int64
	Target    string
	Kind      string // "name" or "ip"
	Reason    string
	BannedBy  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AddBan persists a ban and returns its id.
func (s *Store) AddBan(b Ban) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires interface{}
	if !b.ExpiresAt.IsZero() {
		expires = b.ExpiresAt
	}
	res, err := s.db.Exec(
		`INSERT INTO bans (target, kind, reason, banned_by, expires_at) VALUES (?, ?, ?, ?, ?)`,
		b.Target, b.Kind, b.Reason, b.BannedBy, expires,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add ban: %w", err)
	}
	return res.LastInsertId()
}

// RemoveBan deletes every ban row matching target.
func (s *Store) RemoveBan(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM bans WHERE target = ?`, target)
	return err
}

// ActiveBans returns all bans that have not expired.
func (s *Store) ActiveBans() ([]Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, target, kind, reason, banned_by, expires_at, created_at
		 FROM bans WHERE expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		var expires, created sql.NullTime
		if err := rows.Scan(&b.ID, &b.Target, &b.Kind, &b.Reason, &b.BannedBy, &expires, &created); err != nil {
			return nil, err
		}
		if expires.Valid {
			b.ExpiresAt = expires.Time
		}
		if created.Valid {
			b.CreatedAt = created.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
