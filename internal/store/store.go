// Package store persists drained measurement batches to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/measurement"
)

const defaultDirPerm = 0o755

var ErrInvalidPath = errors.New("store: database path is empty")

// Row is one stored measurement.
type Row struct {
	DeviceID  string
	Channel   measurement.Channel
	Kind      measurement.Kind
	Value     json.RawMessage
	Timestamp time.Time
}

type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *logrus.Logger
}

// Open creates the database file and its schema when missing. ":memory:" is
// accepted.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	if logger == nil {
		logger = logrus.New()
	}
	logger.WithField("path", path).Debug("Opening measurement store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// a single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS measurements (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            device_id TEXT NOT NULL,
            channel TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            kind TEXT NOT NULL,
            value TEXT NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_measurements_channel_ts
            ON measurements (channel, timestamp);
    `)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Store writes one drained batch in a single transaction and returns the
// number of rows written.
func (s *Store) Store(ctx context.Context, deviceID string, batch *measurement.Drained) (int, error) {
	if batch == nil || batch.Len() == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO measurements (device_id, channel, timestamp, kind, value)
        VALUES (?, ?, ?, ?, ?)
    `)
	if err != nil {
		return 0, fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for pair := batch.Oldest(); pair != nil; pair = pair.Next() {
		for _, m := range pair.Value {
			if m.Value == nil {
				continue
			}
			encoded, err := json.Marshal(m.Value)
			if err != nil {
				s.logger.WithError(err).WithField("channel", pair.Key).Warn("Skipping unencodable measurement")
				continue
			}
			if _, err := stmt.ExecContext(ctx, deviceID, string(pair.Key), m.TimestampMillis, string(m.Value.Kind()), string(encoded)); err != nil {
				return 0, fmt.Errorf("store: insert: %w", err)
			}
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"rows":      written,
	}).Debug("Stored measurement batch")
	return written, nil
}

// Recent returns up to limit rows of channel, newest first.
func (s *Store) Recent(ctx context.Context, channel measurement.Channel, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT device_id, channel, timestamp, kind, value
        FROM measurements
        WHERE channel = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?
    `, string(channel), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r       Row
			ch      string
			kind    string
			ts      int64
			encoded string
		)
		if err := rows.Scan(&r.DeviceID, &ch, &ts, &kind, &encoded); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		r.Channel = measurement.Channel(ch)
		r.Kind = measurement.Kind(kind)
		r.Value = json.RawMessage(encoded)
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
