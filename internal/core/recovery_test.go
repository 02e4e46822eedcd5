package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"drive-service/internal/config"
	"drive-service/internal/event"
	"drive-service/internal/types"
)

// testContext returns a context canceled when the test finishes,
// matching testing.T.Context (Go 1.24+).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// ===== Cold start =====

func TestDefaultColdStartPolicy(t *testing.T) {
	automotive := event.MotionHint{Automotive: true, Samples: 3}
	fast := &event.Fix{Speed: ColdStartSpeed + 1, HorizontalAccuracy: 10}
	slow := &event.Fix{Speed: 1, HorizontalAccuracy: 10}
	unknown := &event.Fix{Speed: -1, HorizontalAccuracy: 10}

	tests := []struct {
		name string
		hint event.MotionHint
		last *event.Fix
		want types.DriveState
	}{
		{"no evidence", event.MotionHint{Samples: 2}, fast, types.StateIdle},
		{"evidence and speed", automotive, fast, types.StateDriving},
		{"evidence and low speed", automotive, slow, types.StateDriving},
		{"evidence without speed", automotive, unknown, types.StateMaybeDriving},
		{"evidence without fix", automotive, nil, types.StateMaybeDriving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultColdStartPolicy(tt.hint, tt.last); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestColdStartEntersDriving(t *testing.T) {
	env := newTestEnv(t)
	last := &event.Fix{Timestamp: env.clock.Now(), Latitude: 52.5, Longitude: 13.4, Speed: 12, HorizontalAccuracy: 8}

	if err := env.d.RecoverFromColdStart(event.MotionHint{Automotive: true, Samples: 4}, last, false); err != nil {
		t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateDriving)

	started, _ := env.notifier.counts()
	if started != 1 {
		t.Errorf("Expected drive started notification, got %d", started)
	}
	if loc := env.d.CurrentLocation(); loc == nil || loc.Speed != 12 {
		t.Errorf("Expected last fix to seed the location, got %+v", loc)
	}
}

func TestColdStartWithoutEvidenceStaysIdle(t *testing.T) {
	env := newTestEnv(t)

	if err := env.d.RecoverFromColdStart(event.MotionHint{}, nil, false); err != nil {
		t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateIdle)
}

func TestColdStartSkippedWhilePaused(t *testing.T) {
	env := newTestEnv(t)

	if err := env.d.RecoverFromColdStart(event.MotionHint{Automotive: true}, &event.Fix{Speed: 20, HorizontalAccuracy: 5}, true); err != nil {
		t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateIdle)
}

func TestColdStartCustomPolicy(t *testing.T) {
	env := newTestEnv(t, func(o *DetectorOptions) {
		o.Policy = func(event.MotionHint, *event.Fix) types.DriveState { return types.StateMaybeDriving }
	})

	if err := env.d.RecoverFromColdStart(event.MotionHint{}, nil, false); err != nil {
		t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateMaybeDriving)
}

func TestColdStartPolicyCannotSkipToEnded(t *testing.T) {
	env := newTestEnv(t, func(o *DetectorOptions) {
		o.Policy = func(event.MotionHint, *event.Fix) types.DriveState { return types.StateEnded }
	})

	if err := env.d.RecoverFromColdStart(event.MotionHint{Automotive: true}, nil, false); err != nil {
		t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateIdle)
	if n := env.logs.count("unsupported state"); n != 1 {
		t.Errorf("Expected one error log, got %d", n)
	}
}

// ===== Stale drive sweep =====

func openDrive(start time.Time, points int) *types.Drive {
	d := &types.Drive{ID: "0b7e4c55-3f0e-4a59-9c1e-6a7f0f4f1d2a", StartTime: start}
	for i := 0; i < points; i++ {
		d.Append(types.LocationPoint{
			Timestamp:          start.Add(time.Duration(i+1) * time.Minute),
			Latitude:           52.5,
			Longitude:          13.4,
			Speed:              10,
			HorizontalAccuracy: 10,
			Course:             types.CourseInvalid,
		}, 100)
	}
	return d
}

func TestStaleSweepFinalizesOldDrive(t *testing.T) {
	env := newTestEnv(t)
	stale := openDrive(env.clock.Now().Add(-9*time.Hour), 3)
	env.gateway.open = stale

	if err := env.d.SweepStaleDrive(testContext(t)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	env.expectState(types.StateIdle)
	if n := env.logs.count("-> driving"); n != 0 {
		t.Error("Expected no driving re-entry")
	}

	_, _, finalized := env.gateway.snapshot()
	if len(finalized) != 1 {
		t.Fatalf("Expected stale drive to be finalized, got %d", len(finalized))
	}
	want := stale.Points[2].Timestamp
	if end := finalized[0].EndTime; end == nil || !end.Equal(want) {
		t.Errorf("Expected end at last point %v, got %v", want, end)
	}
	if started, ended := env.notifier.counts(); started != 0 || ended != 0 {
		t.Errorf("Expected no notifications, got %d/%d", started, ended)
	}
}

func TestStaleSweepResumesRecentDrive(t *testing.T) {
	env := newTestEnv(t)
	start := env.clock.Now().Add(-7 * time.Hour)
	env.gateway.open = openDrive(start, 3)

	if err := env.d.SweepStaleDrive(testContext(t)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	env.expectState(types.StateDriving)

	drive := env.d.ActiveDrive()
	if drive == nil || drive.ID != env.gateway.open.ID || len(drive.Points) != 3 {
		t.Fatalf("Expected the open drive to be resumed, got %+v", drive)
	}
	if started, _ := env.notifier.counts(); started != 0 {
		t.Error("Expected no second started notification for a resumed drive")
	}
	due, ok := env.d.timers.Deadlines()[event.TimerSafetyEnd]
	if !ok {
		t.Fatal("Expected a fresh safety timer")
	}
	if left := time.Until(due); left > time.Hour || left < time.Hour-time.Minute {
		t.Errorf("Expected about one hour left in the safety window, got %s", left)
	}

	for i := 0; i < CheckpointBatch; i++ {
		env.drive(time.Second, 20)
	}
	env.d.Close()

	created, checkpoints, _ := env.gateway.snapshot()
	if len(created) != 0 {
		t.Errorf("Expected no new drive record, got %v", created)
	}
	if len(checkpoints) != 1 || checkpoints[0].from != 3 || checkpoints[0].to != 3+CheckpointBatch {
		t.Errorf("Expected one checkpoint of the new points, got %v", checkpoints)
	}
}

func TestStaleSweepAtSafetyMaximumResumes(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.open = openDrive(env.clock.Now().Add(-8*time.Hour), 0)

	if err := env.d.SweepStaleDrive(testContext(t)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	env.expectState(types.StateDriving)
}

func TestStaleSweepUsesConfiguredMaximum(t *testing.T) {
	env := newTestEnv(t)
	env.settings.set(config.FieldSafetyMaxHours, "2")
	env.gateway.open = openDrive(env.clock.Now().Add(-3*time.Hour), 0)

	if err := env.d.SweepStaleDrive(testContext(t)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	env.expectState(types.StateIdle)

	_, _, finalized := env.gateway.snapshot()
	if len(finalized) != 1 || !finalized[0].EndTime.Equal(env.clock.Now()) {
		t.Errorf("Expected a pointless drive to end now, got %+v", finalized)
	}
}

func TestStaleSweepNothingOpen(t *testing.T) {
	env := newTestEnv(t)

	if err := env.d.SweepStaleDrive(testContext(t)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	env.expectState(types.StateIdle)
}

func TestStaleSweepQueryError(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.openErr = errors.New("connection refused")

	if err := env.d.SweepStaleDrive(testContext(t)); err == nil {
		t.Error("Expected sweep error")
	}
	env.expectState(types.StateIdle)
}

// ===== Pause reconciliation =====

func coldStartDriving(env *testEnv) {
	env.t.Helper()
	last := &event.Fix{Timestamp: env.clock.Now(), Latitude: 52.5, Longitude: 13.4, Speed: 12, HorizontalAccuracy: 8}
	if err := env.d.RecoverFromColdStart(event.MotionHint{Automotive: true}, last, false); err != nil {
		env.t.Fatalf("Cold start failed: %v", err)
	}
	env.expectState(types.StateDriving)
}

func TestReconcileEndsStopThatOutlastedTimeout(t *testing.T) {
	env := newTestEnv(t)
	coldStartDriving(env)

	env.clock.Advance(time.Minute)
	stoppedAt := env.clock.Now()
	if err := env.d.Handle(env.fix(0), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	env.clock.Advance(10 * time.Minute)
	if err := env.d.Handle(env.fix(0), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	env.expectState(types.StateDriving)

	if err := env.d.ReconcileAfterPause(false); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateEnded)

	stats := env.notifier.lastEnded()
	want := stoppedAt.Add(5 * time.Minute)
	if stats.EndTime == nil || !stats.EndTime.Equal(want) {
		t.Errorf("Expected end at %v, got %v", want, stats.EndTime)
	}
}

func TestReconcileStopsShortStop(t *testing.T) {
	env := newTestEnv(t)
	coldStartDriving(env)

	env.clock.Advance(time.Minute)
	if err := env.d.Handle(env.fix(0), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	env.clock.Advance(2 * time.Minute)

	if err := env.d.ReconcileAfterPause(false); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateStopped)

	due, ok := env.d.timers.Deadlines()[event.TimerStoppedTimeout]
	if !ok {
		t.Fatal("Expected stop timeout timer")
	}
	if left := time.Until(due); left > 3*time.Minute || left < 3*time.Minute-10*time.Second {
		t.Errorf("Expected about 3m of stop timeout left, got %s", left)
	}
}

func TestReconcileKeepsDrivingAtSpeed(t *testing.T) {
	env := newTestEnv(t)
	coldStartDriving(env)

	env.clock.Advance(time.Minute)
	if err := env.d.Handle(env.fix(30), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := env.d.ReconcileAfterPause(false); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateDriving)
}

func TestReconcileRearmsTimerDroppedWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	env.handle(event.MotionAutomotive{Confidence: event.ConfidenceHigh})

	h, _ := env.d.timers.Pending(event.TimerMaybeDrivingVerification)
	if err := env.d.Handle(event.TimerExpired{Timer: event.TimerMaybeDrivingVerification, Handle: uint64(h)}, true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	env.expectState(types.StateMaybeDriving)
	if _, ok := env.d.timers.Pending(event.TimerMaybeDrivingVerification); ok {
		t.Fatal("Expected paused expiry to be consumed")
	}

	env.clock.Advance(30 * time.Second)
	if err := env.d.ReconcileAfterPause(false); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateMaybeDriving)

	due, ok := env.d.timers.Deadlines()[event.TimerMaybeDrivingVerification]
	if !ok {
		t.Fatal("Expected verification timer to be re-armed")
	}
	if left := time.Until(due); left > 90*time.Second || left < 80*time.Second {
		t.Errorf("Expected about 90s left, got %s", left)
	}
}

func TestReconcileWhileStillPaused(t *testing.T) {
	env := newTestEnv(t)
	coldStartDriving(env)
	if err := env.d.Handle(env.fix(0), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if err := env.d.ReconcileAfterPause(true); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateDriving)
}

// ===== Manual recovery =====

func TestForceRecoverStuckDrive(t *testing.T) {
	env := newTestEnv(t)

	if err := env.d.ForceRecoverStuckDrive(); !errors.Is(err, ErrNoActiveDrive) {
		t.Errorf("Expected ErrNoActiveDrive in idle, got %v", err)
	}

	coldStartDriving(env)
	if err := env.d.ForceRecoverStuckDrive(); err != nil {
		t.Fatalf("Force recovery failed: %v", err)
	}
	env.expectState(types.StateEnded)

	if err := env.d.ForceRecoverStuckDrive(); !errors.Is(err, ErrNoActiveDrive) {
		t.Errorf("Expected ErrNoActiveDrive in ended, got %v", err)
	}
}

func TestForceRecoverFromStopped(t *testing.T) {
	env := newTestEnv(t)
	coldStartDriving(env)
	env.clock.Advance(time.Minute)
	if err := env.d.Handle(env.fix(0), true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := env.d.ReconcileAfterPause(false); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	env.expectState(types.StateStopped)

	if err := env.d.ForceRecoverStuckDrive(); err != nil {
		t.Fatalf("Force recovery failed: %v", err)
	}
	env.expectState(types.StateEnded)
}
