package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS drives (
	id          UUID PRIMARY KEY,
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ,
	distance_m  DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS drives_open_idx ON drives (start_time DESC) WHERE end_time IS NULL;

CREATE TABLE IF NOT EXISTS drive_points (
	drive_id            UUID NOT NULL REFERENCES drives (id) ON DELETE CASCADE,
	seq                 INTEGER NOT NULL,
	ts                  TIMESTAMPTZ NOT NULL,
	latitude            DOUBLE PRECISION NOT NULL,
	longitude           DOUBLE PRECISION NOT NULL,
	speed               DOUBLE PRECISION NOT NULL,
	altitude            DOUBLE PRECISION NOT NULL,
	horizontal_accuracy DOUBLE PRECISION NOT NULL,
	course              DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (drive_id, seq)
);
`

// Connect opens a connection pool and checks that the server answers.
func Connect(url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the drive tables if they do not exist yet.
func Migrate(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
