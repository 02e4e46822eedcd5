package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/librescoot/librefsm"

	"drive-service/internal/config"
	"drive-service/internal/event"
	"drive-service/internal/filter"
	"drive-service/internal/fsm"
	"drive-service/internal/logger"
	"drive-service/internal/timer"
	"drive-service/internal/types"
)

// CheckpointBatch is the number of accepted points between durability checkpoints.
const CheckpointBatch = 20

var (
	ErrNoActiveDrive = errors.New("no active drive")
	ErrClosed        = errors.New("detector closed")
	ErrNotStarted    = errors.New("detector not started")
)

type DetectorOptions struct {
	Settings  config.Source
	Gateway   DriveGateway
	Notifier  Notifier
	Publisher StatePublisher
	Pause     PauseState
	Policy    ColdStartPolicy
	Clock     func() time.Time
	Logger    *logger.Logger
}

// Detector is the drive detection state machine. Handle, timer expiry and the
// recovery procedures are serialized by mu; inside it the detector is the only
// sender into the librefsm machine, so guards and entry/exit actions observe a
// single linear event stream.
type Detector struct {
	mu      sync.Mutex
	machine *librefsm.Machine
	timers  *timer.Scheduler
	persist *checkpointer

	settings  config.Source
	gateway   DriveGateway
	notifier  Notifier
	publisher StatePublisher
	pause     PauseState
	policy    ColdStartPolicy
	now       func() time.Time
	logger    *logger.Logger

	// Owned by the serialized context.
	state           types.DriveState
	drive           *types.Drive
	lastAccepted    *types.LocationPoint
	sinceCheckpoint int
	location        *event.Fix
	confirmSince    time.Time
	stopSince       time.Time
	lowSpeedSince   time.Time
	maybeSince      time.Time
	stoppedAt       time.Time
	closed          bool

	viewMu sync.RWMutex
	view   types.Status
}

func NewDetector(opts DetectorOptions) *Detector {
	d := &Detector{
		settings:  opts.Settings,
		gateway:   opts.Gateway,
		notifier:  opts.Notifier,
		publisher: opts.Publisher,
		pause:     opts.Pause,
		policy:    opts.Policy,
		now:       opts.Clock,
		logger:    opts.Logger,
		state:     types.StateIdle,
	}
	if d.logger == nil {
		d.logger = logger.NewLogger(nil, logger.LogLevelNone)
	}
	if d.notifier == nil {
		d.notifier = nopNotifier{}
	}
	if d.publisher == nil {
		d.publisher = nopPublisher{}
	}
	if d.pause == nil {
		d.pause = neverPaused{}
	}
	if d.policy == nil {
		d.policy = DefaultColdStartPolicy
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.timers = timer.New(d.onTimer)
	d.persist = newCheckpointer(d.gateway, d.logger.WithTag("persist"))
	d.view = types.Status{State: types.StateIdle}
	return d
}

// Ensure Detector implements fsm.Actions
var _ fsm.Actions = (*Detector)(nil)

// stateIDToDriveState converts librefsm StateID to types.DriveState
func stateIDToDriveState(id librefsm.StateID) types.DriveState {
	return types.DriveState(string(id))
}

// driveStateToStateID converts types.DriveState to librefsm StateID
func driveStateToStateID(s types.DriveState) librefsm.StateID {
	return librefsm.StateID(string(s))
}

// Start builds the librefsm machine and enters idle. The machine and the
// persistence worker outlive cancellation of ctx; Close stops them.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.machine != nil {
		return errors.New("detector already started")
	}

	fsmLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if d.logger.Level() >= logger.LogLevelDebug {
		fsmLogger = slog.Default()
	}

	machine, err := fsm.NewDefinition(d).Build(librefsm.WithLogger(fsmLogger))
	if err != nil {
		return fmt.Errorf("failed to build FSM: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	d.persist.start(runCtx)
	if err := machine.Start(runCtx); err != nil {
		d.persist.stop()
		return fmt.Errorf("failed to start FSM: %w", err)
	}
	d.machine = machine
	d.logger.Infof("Drive detector started in state %s", d.state)
	return nil
}

// Close cancels every pending timer, including the ended grace timer, stops
// the machine and drains outstanding persistence work.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.timers.Close()
	if d.machine != nil {
		d.machine.Stop()
		d.persist.stop()
	}
	d.logger.Infof("Drive detector closed in state %s", d.state)
}

// Handle is the only entry point that changes detection state. While paused
// it only refreshes the cached location.
func (d *Detector) Handle(ev event.Event, paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.runnable(); err != nil {
		return err
	}

	switch e := ev.(type) {
	case event.TimerExpired:
		return d.deliverTimer(e, paused)
	case event.LocationUpdate:
		cfg := d.detection()
		d.cacheLocation(e.Fix, cfg)
		if paused {
			return nil
		}
		return d.handleFix(e.Fix, cfg)
	}

	if paused {
		d.logger.Debugf("Paused, ignoring %s", ev.Kind())
		return nil
	}

	switch e := ev.(type) {
	case event.MotionAutomotive:
		return d.send(fsm.EvMotionAutomotive, e)
	case event.MotionNotAutomotive:
		return d.send(fsm.EvMotionOther, e)
	case event.VisitArrival:
		return d.send(fsm.EvVisitArrival, e)
	case event.VisitDeparture:
		return d.send(fsm.EvVisitDeparture, e)
	case event.SignificantLocationChange:
		d.logger.Debugf("Significant location change in %s", d.state)
		return nil
	}
	return fmt.Errorf("unsupported event %T", ev)
}

func (d *Detector) runnable() error {
	if d.closed {
		return ErrClosed
	}
	if d.machine == nil {
		return ErrNotStarted
	}
	return nil
}

// onTimer receives expiries from the scheduler goroutines.
func (d *Detector) onTimer(ev event.TimerExpired) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runnable() != nil {
		return
	}
	if err := d.deliverTimer(ev, d.pause.Paused()); err != nil {
		d.logger.Errorf("Failed to handle %s expiry: %v", ev.Timer, err)
	}
}

var timerEvents = map[event.TimerKind]librefsm.EventID{
	event.TimerMaybeDrivingVerification: fsm.EvMaybeDrivingTimeout,
	event.TimerStoppedTimeout:           fsm.EvStoppedTimeout,
	event.TimerSafetyEnd:                fsm.EvSafetyTimeout,
	event.TimerEndedGrace:               fsm.EvGraceElapsed,
}

func (d *Detector) deliverTimer(ev event.TimerExpired, paused bool) error {
	if !d.timers.Expire(ev) {
		d.logger.Debugf("Dropping stale %s expiry (handle %d)", ev.Timer, ev.Handle)
		return nil
	}
	// The grace timer only tidies up after a finished drive, so it runs even while paused.
	if paused && ev.Timer != event.TimerEndedGrace {
		d.logger.Infof("Paused, %s expiry deferred until tracking resumes", ev.Timer)
		return nil
	}
	id, ok := timerEvents[ev.Timer]
	if !ok {
		return fmt.Errorf("unknown timer kind %s", ev.Timer)
	}
	return d.send(id, ev)
}

// send runs one event through the machine. Pairs missing from the transition
// table are rejected here with a single log line and never reach librefsm.
func (d *Detector) send(id librefsm.EventID, payload any) error {
	from := driveStateToStateID(d.state)
	if !fsm.Accepts(from, id) {
		d.logger.Errorf("Rejected illegal transition: %s in state %s", id, from)
		return nil
	}

	if err := d.machine.SendSync(librefsm.Event{ID: id, Payload: payload}); err != nil {
		return fmt.Errorf("transition %s from %s: %w", id, from, err)
	}

	if driveStateToStateID(d.state) == from {
		d.logger.Debugf("%s in state %s: guard not satisfied", id, from)
	}
	return nil
}

// detection reads the thresholds fresh from the settings store.
func (d *Detector) detection() config.Detection {
	cfg, err := config.LoadDetection(d.settings)
	if err != nil {
		d.logger.Warnf("Failed to read detection settings, using defaults where needed: %v", err)
	}
	return cfg
}

// locationDecision is the payload of a location event. Sustained-speed
// tracking happens before the send so guards stay pure.
type locationDecision struct {
	fix              event.Fix
	cfg              config.Detection
	confirmSustained bool
	stopSustained    bool
}

func (d *Detector) cacheLocation(fix event.Fix, cfg config.Detection) {
	f := fix
	d.location = &f

	if fix.DecisionEligible() {
		if fix.Speed < cfg.StopSpeed {
			if d.lowSpeedSince.IsZero() {
				d.lowSpeedSince = fix.Timestamp
			}
		} else {
			d.lowSpeedSince = time.Time{}
		}
	}
	d.publish()
}

func (d *Detector) handleFix(fix event.Fix, cfg config.Detection) error {
	if !fix.DecisionEligible() {
		d.logger.Debugf("Fix ignored for decisions (accuracy %.0fm, speed %.1fm/s)", fix.HorizontalAccuracy, fix.Speed)
		if d.state.Active() {
			d.appendPoint(fix)
		}
		return nil
	}

	dec := d.track(fix, cfg)
	err := d.send(fsm.EvLocation, dec)
	if d.state.Active() {
		d.appendPoint(fix)
	}
	return err
}

// track updates the sustained-condition start times, measured on fix timestamps.
func (d *Detector) track(fix event.Fix, cfg config.Detection) locationDecision {
	dec := locationDecision{fix: fix, cfg: cfg}

	switch d.state {
	case types.StateIdle, types.StateMaybeDriving:
		if fix.Speed >= cfg.ConfirmSpeed {
			if d.confirmSince.IsZero() {
				d.confirmSince = fix.Timestamp
			}
			dec.confirmSustained = fix.Timestamp.Sub(d.confirmSince) >= cfg.ConfirmDuration
		} else {
			d.confirmSince = time.Time{}
		}
	case types.StateDriving:
		if fix.Speed < cfg.StopSpeed {
			if d.stopSince.IsZero() {
				d.stopSince = fix.Timestamp
			}
			dec.stopSustained = fix.Timestamp.Sub(d.stopSince) >= cfg.StopDetectDuration
		} else {
			d.stopSince = time.Time{}
		}
	}
	return dec
}

// appendPoint runs a fix through the point filter and, when accepted, adds it
// to the active drive. Every CheckpointBatch accepted points a snapshot is
// handed to the persistence worker.
func (d *Detector) appendPoint(fix event.Fix) bool {
	if d.drive == nil {
		return false
	}

	dec := filter.Evaluate(d.lastAccepted, fix)
	if !dec.Accept {
		d.logger.Debugf("Point rejected: %s", dec.Reason)
		return false
	}

	p := d.drive.Append(fix.Point(), dec.DistanceDelta)
	d.lastAccepted = &p
	d.sinceCheckpoint++
	if d.sinceCheckpoint >= CheckpointBatch {
		d.sinceCheckpoint = 0
		d.persist.checkpoint(d.drive.Clone())
	}
	d.publish()
	return true
}

func (d *Detector) publish() {
	status := types.Status{State: d.state, UpdatedAt: d.now()}
	if d.location != nil {
		p := d.location.Point()
		status.Location = &p
	}
	if d.drive != nil {
		stats := d.drive.Stats(status.UpdatedAt)
		status.Drive = &stats
	}

	d.viewMu.Lock()
	d.view = status
	d.viewMu.Unlock()

	if err := d.publisher.PublishStatus(status); err != nil {
		d.logger.Warnf("Failed to publish status: %v", err)
	}
}

// CurrentState returns the current detection state.
func (d *Detector) CurrentState() types.DriveState {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	return d.view.State
}

// CurrentLocation returns the last fix received, eligible for decisions or not.
func (d *Detector) CurrentLocation() *types.LocationPoint {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	if d.view.Location == nil {
		return nil
	}
	p := *d.view.Location
	return &p
}

// Status returns the full read-only projection.
func (d *Detector) Status() types.Status {
	d.viewMu.RLock()
	defer d.viewMu.RUnlock()
	return d.view
}

// ActiveDrive returns a copy of the attached drive, or nil.
func (d *Detector) ActiveDrive() *types.Drive {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drive == nil {
		return nil
	}
	return d.drive.Clone()
}
