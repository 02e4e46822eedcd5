package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"drive-service/internal/logger"
	"drive-service/internal/types"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStore(mock, logger.NewLogger(nil, logger.LogLevelNone)), mock
}

func testDrive(points int) *types.Drive {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	d := &types.Drive{ID: "11111111-2222-3333-4444-555555555555", StartTime: start}
	for i := 0; i < points; i++ {
		d.Append(types.LocationPoint{
			Timestamp:          start.Add(time.Duration(i) * time.Second),
			Latitude:           52.5 + float64(i)*0.0001,
			Longitude:          13.4,
			Speed:              10,
			HorizontalAccuracy: 5,
			Course:             types.CourseInvalid,
		}, 11)
	}
	return d
}

func TestCreateDrive(t *testing.T) {
	store, mock := newMockStore(t)
	drive := testDrive(0)

	mock.ExpectExec(`INSERT INTO drives`).
		WithArgs(drive.ID, drive.StartTime, pgxmock.AnyArg(), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.CreateDrive(context.Background(), drive); err != nil {
		t.Fatalf("create drive: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckpointStoresTail(t *testing.T) {
	store, mock := newMockStore(t)
	drive := testDrive(5)

	mock.ExpectBegin()
	for _, p := range drive.Points[3:] {
		mock.ExpectExec(`INSERT INTO drive_points`).
			WithArgs(drive.ID, p.Seq, p.Timestamp, p.Latitude, p.Longitude, p.Speed, p.Altitude, p.HorizontalAccuracy, p.Course).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectExec(`UPDATE drives SET distance_m`).
		WithArgs(drive.ID, drive.Distance).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := store.Checkpoint(context.Background(), drive, 3); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckpointRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	drive := testDrive(2)
	dbErr := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO drive_points`).WillReturnError(dbErr)
	mock.ExpectRollback()

	err := store.Checkpoint(context.Background(), drive, 0)
	if !errors.Is(err, dbErr) {
		t.Fatalf("Expected wrapped db error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckpointRejectsBadOffset(t *testing.T) {
	store, _ := newMockStore(t)
	if err := store.Checkpoint(context.Background(), testDrive(2), 3); err == nil {
		t.Error("Expected error for offset past the end")
	}
}

func TestFinalize(t *testing.T) {
	store, mock := newMockStore(t)
	drive := testDrive(3)
	drive.Finish(drive.StartTime.Add(time.Hour))

	mock.ExpectExec(`UPDATE drives SET end_time`).
		WithArgs(drive.ID, *drive.EndTime, drive.Distance).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Finalize(context.Background(), drive); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	mock.ExpectExec(`UPDATE drives SET end_time`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	if err := store.Finalize(context.Background(), drive); err == nil {
		t.Error("Expected error for unknown drive")
	}

	if err := store.Finalize(context.Background(), testDrive(0)); err == nil {
		t.Error("Expected error for open drive")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLatestOpenDrive(t *testing.T) {
	store, mock := newMockStore(t)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, start_time, distance_m\s+FROM drives`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "start_time", "distance_m"}).
			AddRow("d1", start, 42.0))
	mock.ExpectQuery(`SELECT seq, ts, latitude`).
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"seq", "ts", "latitude", "longitude", "speed", "altitude", "horizontal_accuracy", "course"}).
			AddRow(0, start, 52.5, 13.4, 10.0, 30.0, 5.0, 90.0).
			AddRow(1, start.Add(time.Second), 52.5001, 13.4, 10.0, 30.0, 5.0, types.CourseInvalid))

	drive, err := store.LatestOpenDrive(context.Background())
	if err != nil {
		t.Fatalf("latest open drive: %v", err)
	}
	if drive == nil || drive.ID != "d1" || drive.Distance != 42 || len(drive.Points) != 2 {
		t.Fatalf("Unexpected drive %+v", drive)
	}
	if !drive.Open() {
		t.Error("Expected loaded drive to be open")
	}
	if drive.Points[1].Seq != 1 || drive.Points[1].Course != types.CourseInvalid {
		t.Errorf("Unexpected point %+v", drive.Points[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLatestOpenDriveNone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, start_time, distance_m`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "start_time", "distance_m"}))

	drive, err := store.LatestOpenDrive(context.Background())
	if err != nil || drive != nil {
		t.Fatalf("Expected no drive, got %+v, %v", drive, err)
	}
}

func TestMigrate(t *testing.T) {
	_, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS drives`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := Migrate(context.Background(), mock); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
