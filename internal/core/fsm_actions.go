package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/librescoot/librefsm"

	"drive-service/internal/event"
	"drive-service/internal/fsm"
	"drive-service/internal/types"
)

// Entry and exit actions run on the librefsm event loop while the goroutine
// that called send holds d.mu and waits in SendSync. They must not call back
// into the machine or take d.mu.

// stopRequest carries the stop time chosen by pause reconciliation.
type stopRequest struct {
	at time.Time
}

// endRequest carries an explicit end time for the drive.
type endRequest struct {
	at time.Time
}

func (d *Detector) setState(c *librefsm.Context) {
	prev := d.state
	d.state = stateIDToDriveState(c.ToState)
	if prev != d.state {
		d.logger.Infof("State transition: %s -> %s", prev, d.state)
	}
}

func (d *Detector) EnterIdle(c *librefsm.Context) error {
	d.setState(c)
	if d.drive != nil {
		d.logger.Debugf("Released drive %s", d.drive.ID)
	}
	d.drive = nil
	d.lastAccepted = nil
	d.sinceCheckpoint = 0
	d.confirmSince = time.Time{}
	d.stopSince = time.Time{}
	d.stoppedAt = time.Time{}
	d.publish()
	return nil
}

func (d *Detector) EnterMaybeDriving(c *librefsm.Context) error {
	d.setState(c)
	d.maybeSince = d.now()
	d.timers.Schedule(event.TimerMaybeDrivingVerification, fsm.MaybeDrivingVerification)
	d.publish()
	return nil
}

func (d *Detector) ExitMaybeDriving(c *librefsm.Context) error {
	d.timers.CancelKind(event.TimerMaybeDrivingVerification)
	return nil
}

func (d *Detector) EnterDriving(c *librefsm.Context) error {
	d.setState(c)
	d.confirmSince = time.Time{}
	d.stopSince = time.Time{}
	d.stoppedAt = time.Time{}

	if d.drive == nil {
		d.startDrive()
	}
	d.armSafety()
	d.publish()
	return nil
}

func (d *Detector) ExitDriving(c *librefsm.Context) error {
	d.timers.CancelKind(event.TimerSafetyEnd)
	return nil
}

func (d *Detector) EnterStopped(c *librefsm.Context) error {
	d.setState(c)
	d.stopSince = time.Time{}

	d.stoppedAt = d.now()
	if req, ok := payloadOf[stopRequest](c); ok && !req.at.IsZero() {
		d.stoppedAt = req.at
	}
	if d.drive != nil && d.stoppedAt.Before(d.drive.StartTime) {
		d.stoppedAt = d.drive.StartTime
	}

	cfg := d.detection()
	d.timers.Schedule(event.TimerStoppedTimeout, cfg.StopTimeout-d.now().Sub(d.stoppedAt))
	d.armSafety()
	d.publish()
	return nil
}

func (d *Detector) ExitStopped(c *librefsm.Context) error {
	d.timers.CancelKind(event.TimerStoppedTimeout)
	d.timers.CancelKind(event.TimerSafetyEnd)
	return nil
}

func (d *Detector) EnterEnded(c *librefsm.Context) error {
	d.setState(c)

	end := d.now()
	if req, ok := payloadOf[endRequest](c); ok && !req.at.IsZero() {
		end = req.at
	}
	if d.drive != nil {
		d.finishDrive(end)
	} else {
		d.logger.Errorf("Entered ended without an active drive")
	}

	d.timers.CancelAll()
	d.timers.Schedule(event.TimerEndedGrace, fsm.EndedGrace)
	d.publish()
	return nil
}

func (d *Detector) ExitEnded(c *librefsm.Context) error {
	d.timers.CancelKind(event.TimerEndedGrace)
	return nil
}

func (d *Detector) startDrive() {
	drive := &types.Drive{
		ID:        uuid.NewString(),
		StartTime: d.now(),
	}
	d.drive = drive
	d.lastAccepted = nil
	d.sinceCheckpoint = 0
	d.persist.create(drive.Clone())

	d.logger.Infof("Drive %s started", drive.ID)
	if err := d.notifier.DriveStarted(drive.Stats(drive.StartTime)); err != nil {
		d.logger.Warnf("Failed to send drive started notification: %v", err)
	}
}

func (d *Detector) finishDrive(end time.Time) {
	if !d.drive.Finish(end) {
		d.logger.Warnf("Drive %s already finished", d.drive.ID)
		return
	}
	d.persist.finalize(d.drive.Clone())

	stats := d.drive.Stats(end)
	d.logger.Infof("Drive %s ended: %.0fm in %s, %d points", stats.ID, stats.Distance, stats.Duration.Round(time.Second), stats.PointCount)
	if err := d.notifier.DriveEnded(stats); err != nil {
		d.logger.Warnf("Failed to send drive ended notification: %v", err)
	}
}

// armSafety (re)starts the safety timer. The safety window is wall-clock time
// since the drive started and covers both driving and stopped.
func (d *Detector) armSafety() {
	if d.drive == nil {
		return
	}
	cfg := d.detection()
	d.timers.Schedule(event.TimerSafetyEnd, cfg.SafetyMax-d.now().Sub(d.drive.StartTime))
}

// Guards

func payloadOf[T any](c *librefsm.Context) (T, bool) {
	var zero T
	if c == nil || c.Event == nil {
		return zero, false
	}
	v, ok := c.Event.Payload.(T)
	return v, ok
}

func (d *Detector) IsConfidentMotion(c *librefsm.Context) bool {
	m, ok := payloadOf[event.MotionAutomotive](c)
	return ok && m.Confidence >= event.ConfidenceMedium
}

func (d *Detector) IsMaybeDrivingSpeed(c *librefsm.Context) bool {
	dec, ok := payloadOf[locationDecision](c)
	return ok && dec.fix.Speed >= dec.cfg.MaybeDrivingSpeed
}

func (d *Detector) IsConfirmSustained(c *librefsm.Context) bool {
	dec, ok := payloadOf[locationDecision](c)
	return ok && dec.confirmSustained
}

func (d *Detector) IsStopSustained(c *librefsm.Context) bool {
	dec, ok := payloadOf[locationDecision](c)
	return ok && dec.stopSustained
}

func (d *Detector) IsResumeSpeed(c *librefsm.Context) bool {
	dec, ok := payloadOf[locationDecision](c)
	return ok && dec.fix.Speed >= dec.cfg.ResumeSpeed
}
