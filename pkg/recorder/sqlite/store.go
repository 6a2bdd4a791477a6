package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/commatea/SBus-Link/pkg/recorder"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements recorder.Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite store.
func NewStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		connection TEXT NOT NULL,
		point TEXT NOT NULL,
		kind TEXT NOT NULL,
		address INTEGER NOT NULL,
		value_list TEXT NOT NULL,
		taken_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_point_taken ON readings(connection, point, taken_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save persists a reading.
func (s *SQLiteStore) Save(r *recorder.Reading) error {
	values, err := json.Marshal(r.Values)
	if err != nil {
		return err
	}
	query := `INSERT INTO readings (id, connection, point, kind, address, value_list, taken_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(query, r.ID, r.Connection, r.Point, r.Kind, r.Address, string(values), r.Timestamp)
	return err
}

// Recent retrieves the most recent readings for a point, newest first.
func (s *SQLiteStore) Recent(connection, point string, limit int) ([]*recorder.Reading, error) {
	query := `SELECT id, connection, point, kind, address, value_list, taken_at FROM readings WHERE connection = ? AND point = ? ORDER BY taken_at DESC LIMIT ?`
	rows, err := s.db.Query(query, connection, point, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*recorder.Reading
	for rows.Next() {
		var r recorder.Reading
		var values string
		if err := rows.Scan(&r.ID, &r.Connection, &r.Point, &r.Kind, &r.Address, &values, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, err
		}
		readings = append(readings, &r)
	}
	return readings, rows.Err()
}

// Prune removes readings older than cutoff.
func (s *SQLiteStore) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM readings WHERE taken_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
