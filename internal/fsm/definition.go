package fsm

import (
	"time"

	"github.com/librescoot/librefsm"
)

// Timing constants
const (
	MaybeDrivingVerification = 2 * time.Minute
	EndedGrace               = 2 * time.Second
)

// NewDefinition creates the drive detection FSM definition.
// The actions parameter provides the implementation for state entry/exit
// and guards. Timers are owned by the detector, not by librefsm.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateIdle,
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateMaybeDriving,
			librefsm.WithOnEnter(actions.EnterMaybeDriving),
			librefsm.WithOnExit(actions.ExitMaybeDriving),
		).
		State(StateDriving,
			librefsm.WithOnEnter(actions.EnterDriving),
			librefsm.WithOnExit(actions.ExitDriving),
		).
		State(StateStopped,
			librefsm.WithOnEnter(actions.EnterStopped),
			librefsm.WithOnExit(actions.ExitStopped),
		).
		State(StateEnded,
			librefsm.WithOnEnter(actions.EnterEnded),
			librefsm.WithOnExit(actions.ExitEnded),
		).

		// === Transitions ===

		// From Idle - motion only ever promotes to maybe-driving
		Transition(StateIdle, EvMotionAutomotive, StateMaybeDriving,
			librefsm.WithGuard(actions.IsConfidentMotion),
		).
		Transition(StateIdle, EvLocation, StateMaybeDriving,
			librefsm.WithGuard(actions.IsMaybeDrivingSpeed),
		).
		Transition(StateIdle, EvVisitDeparture, StateMaybeDriving).

		// From MaybeDriving - GPS speed confirms, motion or timeout demotes
		Transition(StateMaybeDriving, EvLocation, StateDriving,
			librefsm.WithGuard(actions.IsConfirmSustained),
		).
		Transition(StateMaybeDriving, EvMotionOther, StateIdle).
		Transition(StateMaybeDriving, EvMaybeDrivingTimeout, StateIdle).

		// From Driving
		Transition(StateDriving, EvLocation, StateStopped,
			librefsm.WithGuard(actions.IsStopSustained),
		).
		Transition(StateDriving, EvVisitArrival, StateEnded).
		Transition(StateDriving, EvSafetyTimeout, StateEnded).

		// From Stopped
		Transition(StateStopped, EvLocation, StateDriving,
			librefsm.WithGuard(actions.IsResumeSpeed),
		).
		Transition(StateStopped, EvVisitArrival, StateEnded).
		Transition(StateStopped, EvStoppedTimeout, StateEnded).
		Transition(StateStopped, EvSafetyTimeout, StateEnded).

		// From Ended - back to idle once observers had a chance to read the stats
		Transition(StateEnded, EvGraceElapsed, StateIdle).

		// Recovery
		Transition(StateIdle, EvColdStartDriving, StateDriving).
		Transition(StateIdle, EvColdStartMaybeDriving, StateMaybeDriving).
		Transition(StateIdle, EvResumeDrive, StateDriving).
		Transition(StateDriving, EvReconcileStop, StateStopped).
		Transition(StateStopped, EvReconcileEnd, StateEnded).
		Transition(StateDriving, EvForceEnd, StateEnded).
		Transition(StateStopped, EvForceEnd, StateEnded).

		// Initial state
		Initial(StateIdle)
}

type route struct {
	from librefsm.StateID
	ev   librefsm.EventID
}

// routes mirrors the transition table above.
var routes = map[route]librefsm.StateID{
	{StateIdle, EvMotionAutomotive}:            StateMaybeDriving,
	{StateIdle, EvLocation}:                    StateMaybeDriving,
	{StateIdle, EvVisitDeparture}:              StateMaybeDriving,
	{StateMaybeDriving, EvLocation}:            StateDriving,
	{StateMaybeDriving, EvMotionOther}:         StateIdle,
	{StateMaybeDriving, EvMaybeDrivingTimeout}: StateIdle,
	{StateDriving, EvLocation}:                 StateStopped,
	{StateDriving, EvVisitArrival}:             StateEnded,
	{StateDriving, EvSafetyTimeout}:            StateEnded,
	{StateStopped, EvLocation}:                 StateDriving,
	{StateStopped, EvVisitArrival}:             StateEnded,
	{StateStopped, EvStoppedTimeout}:           StateEnded,
	{StateStopped, EvSafetyTimeout}:            StateEnded,
	{StateEnded, EvGraceElapsed}:               StateIdle,
	{StateIdle, EvColdStartDriving}:            StateDriving,
	{StateIdle, EvColdStartMaybeDriving}:       StateMaybeDriving,
	{StateIdle, EvResumeDrive}:                 StateDriving,
	{StateDriving, EvReconcileStop}:            StateStopped,
	{StateStopped, EvReconcileEnd}:             StateEnded,
	{StateDriving, EvForceEnd}:                 StateEnded,
	{StateStopped, EvForceEnd}:                 StateEnded,
}

// Accepts reports whether ev has a transition out of state.
func Accepts(state librefsm.StateID, ev librefsm.EventID) bool {
	_, ok := routes[route{state, ev}]
	return ok
}

// Target returns the state a listed (state, event) pair leads to.
func Target(state librefsm.StateID, ev librefsm.EventID) (librefsm.StateID, bool) {
	to, ok := routes[route{state, ev}]
	return to, ok
}
