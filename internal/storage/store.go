package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"drive-service/internal/logger"
	"drive-service/internal/types"
)

// Querier is the subset of pgx used by the store. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store keeps drives and their points in PostgreSQL. Every write is
// idempotent so the caller may retry after a partial failure.
type Store struct {
	db     Querier
	logger *logger.Logger
}

func NewStore(db Querier, l *logger.Logger) *Store {
	return &Store{db: db, logger: l}
}

func (s *Store) CreateDrive(ctx context.Context, drive *types.Drive) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drives (id, start_time, end_time, distance_m)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		drive.ID, drive.StartTime, drive.EndTime, drive.Distance)
	if err != nil {
		return fmt.Errorf("failed to insert drive %s: %w", drive.ID, err)
	}
	return nil
}

// Checkpoint stores drive.Points[from:] and the running distance in one
// transaction. Points already stored are skipped by their sequence number.
func (s *Store) Checkpoint(ctx context.Context, drive *types.Drive, from int) (err error) {
	if from < 0 || from > len(drive.Points) {
		return fmt.Errorf("checkpoint offset %d out of range for %d points", from, len(drive.Points))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warnf("Failed to roll back checkpoint of drive %s: %v", drive.ID, rbErr)
			}
		}
	}()

	for _, p := range drive.Points[from:] {
		if _, err = tx.Exec(ctx, `
			INSERT INTO drive_points (drive_id, seq, ts, latitude, longitude, speed, altitude, horizontal_accuracy, course)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (drive_id, seq) DO NOTHING`,
			drive.ID, p.Seq, p.Timestamp, p.Latitude, p.Longitude, p.Speed, p.Altitude, p.HorizontalAccuracy, p.Course); err != nil {
			return fmt.Errorf("failed to insert point %d of drive %s: %w", p.Seq, drive.ID, err)
		}
	}

	if _, err = tx.Exec(ctx, `UPDATE drives SET distance_m = $2 WHERE id = $1`, drive.ID, drive.Distance); err != nil {
		return fmt.Errorf("failed to update distance of drive %s: %w", drive.ID, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit checkpoint of drive %s: %w", drive.ID, err)
	}
	return nil
}

// Finalize writes the end time and final distance. Points must have been
// checkpointed before.
func (s *Store) Finalize(ctx context.Context, drive *types.Drive) error {
	if drive.EndTime == nil {
		return fmt.Errorf("drive %s has no end time", drive.ID)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE drives SET end_time = $2, distance_m = $3
		WHERE id = $1`,
		drive.ID, *drive.EndTime, drive.Distance)
	if err != nil {
		return fmt.Errorf("failed to finalize drive %s: %w", drive.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("drive %s not found", drive.ID)
	}
	return nil
}

// LatestOpenDrive loads the most recent drive without an end time together
// with its points in acceptance order, or returns nil when every drive is
// finished.
func (s *Store) LatestOpenDrive(ctx context.Context) (*types.Drive, error) {
	drive := &types.Drive{}
	err := s.db.QueryRow(ctx, `
		SELECT id, start_time, distance_m
		FROM drives
		WHERE end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1`).Scan(&drive.ID, &drive.StartTime, &drive.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open drive: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT seq, ts, latitude, longitude, speed, altitude, horizontal_accuracy, course
		FROM drive_points
		WHERE drive_id = $1
		ORDER BY seq`, drive.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query points of drive %s: %w", drive.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p types.LocationPoint
		if err := rows.Scan(&p.Seq, &p.Timestamp, &p.Latitude, &p.Longitude, &p.Speed, &p.Altitude, &p.HorizontalAccuracy, &p.Course); err != nil {
			return nil, fmt.Errorf("failed to scan point of drive %s: %w", drive.ID, err)
		}
		drive.Points = append(drive.Points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read points of drive %s: %w", drive.ID, err)
	}

	s.logger.Debugf("Loaded open drive %s with %d points", drive.ID, len(drive.Points))
	return drive, nil
}
