package core

import (
	"context"
	"fmt"
	"time"

	"drive-service/internal/event"
	"drive-service/internal/fsm"
	"drive-service/internal/types"
)

// ColdStartSpeed is the last-known speed, in m/s, above which cold start
// resumes driving without doubt.
const ColdStartSpeed = 5.0

// ColdStartPolicy picks the state to enter after a process start from recent
// motion evidence and the last known fix (nil if none). Only idle,
// maybe-driving and driving are honored.
type ColdStartPolicy func(hint event.MotionHint, last *event.Fix) types.DriveState

// DefaultColdStartPolicy enters driving whenever there is automotive evidence
// and a known speed. A low speed is taken to be a red-light stop mid-trip.
// Without any speed data it only goes as far as maybe-driving.
func DefaultColdStartPolicy(hint event.MotionHint, last *event.Fix) types.DriveState {
	switch {
	case !hint.Automotive:
		return types.StateIdle
	case last == nil || !last.HasSpeed():
		return types.StateMaybeDriving
	default:
		return types.StateDriving
	}
}

// RecoverFromColdStart runs once per process start.
func (d *Detector) RecoverFromColdStart(hint event.MotionHint, last *event.Fix, paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runnable(); err != nil {
		return err
	}
	if paused {
		d.logger.Infof("Cold start: tracking paused, staying %s", d.state)
		return nil
	}
	if d.state != types.StateIdle {
		d.logger.Infof("Cold start: already %s, nothing to recover", d.state)
		return nil
	}

	if last != nil {
		d.cacheLocation(*last, d.detection())
	}

	target := d.policy(hint, last)
	d.logger.Infof("Cold start: automotive=%v samples=%d last-fix=%v -> %s", hint.Automotive, hint.Samples, last != nil, target)

	switch target {
	case types.StateDriving:
		if last != nil && last.HasSpeed() && last.Speed <= ColdStartSpeed {
			d.logger.Infof("Cold start: last speed %.1fm/s, assuming a stop mid-trip", last.Speed)
		}
		return d.send(fsm.EvColdStartDriving, nil)
	case types.StateMaybeDriving:
		return d.send(fsm.EvColdStartMaybeDriving, nil)
	case types.StateIdle:
		return nil
	}
	d.logger.Errorf("Cold start policy returned unsupported state %s", target)
	return nil
}

// ReconcileAfterPause runs when the pause flag changes from set to unset.
// A drive that came to rest while paused is moved to stopped, and ended right
// away when the stop already outlasted the stop timeout. Timers whose expiry
// was dropped while paused are re-armed with their remaining time.
func (d *Detector) ReconcileAfterPause(paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runnable(); err != nil {
		return err
	}
	if paused {
		return nil
	}

	cfg := d.detection()
	if d.state.Active() && d.location != nil && d.location.DecisionEligible() && d.location.Speed < cfg.StopSpeed {
		if d.state == types.StateDriving {
			at := d.lowSpeedSince
			if at.IsZero() {
				at = d.location.Timestamp
			}
			d.logger.Infof("Reconcile: low speed since %s, forcing stopped", at.Format(time.RFC3339))
			if err := d.send(fsm.EvReconcileStop, stopRequest{at: at}); err != nil {
				return err
			}
		}
		if d.state == types.StateStopped {
			if stopped := d.now().Sub(d.stoppedAt); stopped >= cfg.StopTimeout {
				d.logger.Infof("Reconcile: stopped for %s, ending drive", stopped.Round(time.Second))
				return d.send(fsm.EvReconcileEnd, endRequest{at: d.stoppedAt.Add(cfg.StopTimeout)})
			}
		}
	}

	d.rearmTimers()
	return nil
}

// rearmTimers restores any timer the current state owns but no longer has pending.
func (d *Detector) rearmTimers() {
	missing := func(kind event.TimerKind) bool {
		_, ok := d.timers.Pending(kind)
		return !ok
	}

	switch d.state {
	case types.StateMaybeDriving:
		if missing(event.TimerMaybeDrivingVerification) {
			d.timers.Schedule(event.TimerMaybeDrivingVerification, fsm.MaybeDrivingVerification-d.now().Sub(d.maybeSince))
		}
	case types.StateDriving:
		if missing(event.TimerSafetyEnd) {
			d.armSafety()
		}
	case types.StateStopped:
		if missing(event.TimerStoppedTimeout) {
			cfg := d.detection()
			d.timers.Schedule(event.TimerStoppedTimeout, cfg.StopTimeout-d.now().Sub(d.stoppedAt))
		}
		if missing(event.TimerSafetyEnd) {
			d.armSafety()
		}
	case types.StateEnded:
		if missing(event.TimerEndedGrace) {
			d.timers.Schedule(event.TimerEndedGrace, fsm.EndedGrace)
		}
	}
}

// SweepStaleDrive runs once at start, before live events. The most recent
// open drive is finalized directly when it is older than the safety maximum,
// otherwise it is resumed as the active drive.
func (d *Detector) SweepStaleDrive(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runnable(); err != nil {
		return err
	}
	if d.gateway == nil {
		return nil
	}
	if d.state != types.StateIdle {
		d.logger.Warnf("Stale drive sweep skipped in state %s", d.state)
		return nil
	}

	drive, err := d.gateway.LatestOpenDrive(ctx)
	if err != nil {
		return fmt.Errorf("failed to query open drive: %w", err)
	}
	if drive == nil {
		d.logger.Debugf("No open drive to recover")
		return nil
	}

	cfg := d.detection()
	now := d.now()
	if age := now.Sub(drive.StartTime); age > cfg.SafetyMax {
		end := now
		if last := drive.LastPoint(); last != nil && last.Timestamp.After(drive.StartTime) {
			end = last.Timestamp
		}
		drive.Finish(end)
		if err := d.gateway.Finalize(ctx, drive); err != nil {
			return fmt.Errorf("failed to finalize stale drive %s: %w", drive.ID, err)
		}
		d.logger.Infof("Finalized stale drive %s started %s ago", drive.ID, age.Round(time.Minute))
		return nil
	}

	d.logger.Infof("Resuming open drive %s with %d points", drive.ID, len(drive.Points))
	d.drive = drive
	d.lastAccepted = drive.LastPoint()
	d.sinceCheckpoint = 0
	d.persist.adopt(drive.ID, len(drive.Points))
	return d.send(fsm.EvResumeDrive, nil)
}

// ForceRecoverStuckDrive ends the active drive unconditionally.
func (d *Detector) ForceRecoverStuckDrive() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runnable(); err != nil {
		return err
	}
	if !d.state.Active() {
		return fmt.Errorf("%w: state is %s", ErrNoActiveDrive, d.state)
	}
	d.logger.Warnf("Operator forced end of drive in state %s", d.state)
	return d.send(fsm.EvForceEnd, nil)
}
