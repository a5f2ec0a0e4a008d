// Package export ships measurement results to an external analytics
// database.
package export

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/netpulsehq/netpulse/speedtest"
)

const DefaultTable = "internet_speed"

// Table names are interpolated into DDL, so only plain identifiers are
// accepted.
var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects to the analytics database named by dsn, verifies the
// connection and makes sure the export table exists. An empty table name
// falls back to DefaultTable.
func NewPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, errors.Errorf("invalid export table name %q", table)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse export DSN")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to export database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not reach export database")
	}

	p := &Postgres{pool: pool, table: table}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			download_speed_mbps REAL NOT NULL,
			upload_speed_mbps REAL NOT NULL,
			ping_ms REAL NOT NULL,
			jitter_ms REAL NOT NULL,
			server_id TEXT NOT NULL
		)`, p.table)

	_, err := p.pool.Exec(ctx, ddl)
	return errors.Wrap(err, "could not create export table")
}

// Export inserts one result. Each row gets a fresh UUID; replayed rows are
// dropped by the database rather than duplicated.
func (p *Postgres) Export(ctx context.Context, res speedtest.Result) error {
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, timestamp, download_speed_mbps, upload_speed_mbps, ping_ms, jitter_ms, server_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`, p.table)

	_, err := p.pool.Exec(ctx, insert,
		uuid.New(), res.Timestamp, res.DownloadMbps, res.UploadMbps, res.PingMs, res.JitterMs, res.ServerID)
	return errors.Wrap(err, "could not export result")
}

func (p *Postgres) Close() {
	p.pool.Close()
}
