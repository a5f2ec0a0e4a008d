// Package history persists measurement results in a local SQLite database
// and renders throughput charts from them.
package history

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/netpulsehq/netpulse/speedtest"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	download_speed_mbps REAL NOT NULL,
	upload_speed_mbps REAL NOT NULL,
	ping_ms REAL NOT NULL,
	jitter_ms REAL NOT NULL,
	server_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_timestamp ON results(timestamp);
`

type Store struct {
	db *sql.DB
}

// Open opens the history database at path, creating the file and schema
// when they do not exist yet.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open history database")
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not initialise history schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends one result to the history.
func (s *Store) Save(res speedtest.Result) error {
	const query = `
		INSERT INTO results (id, timestamp, download_speed_mbps, upload_speed_mbps, ping_ms, jitter_ms, server_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		uuid.NewString(), res.Timestamp, res.DownloadMbps, res.UploadMbps, res.PingMs, res.JitterMs, res.ServerID)
	return errors.Wrap(err, "could not save result")
}

// Recent returns up to limit results, newest first.
func (s *Store) Recent(limit int) ([]speedtest.Result, error) {
	const query = `
		SELECT timestamp, download_speed_mbps, upload_speed_mbps, ping_ms, jitter_ms, server_id
		FROM results
		ORDER BY timestamp DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not query history")
	}
	defer rows.Close()

	results := []speedtest.Result{}
	for rows.Next() {
		var res speedtest.Result
		if err := rows.Scan(&res.Timestamp, &res.DownloadMbps, &res.UploadMbps, &res.PingMs, &res.JitterMs, &res.ServerID); err != nil {
			return nil, errors.Wrap(err, "could not scan history row")
		}
		results = append(results, res)
	}

	return results, errors.Wrap(rows.Err(), "could not read history rows")
}
