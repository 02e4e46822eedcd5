package fsm

import "github.com/librescoot/librefsm"

// Drive detection states
const (
	StateIdle         librefsm.StateID = "idle"
	StateMaybeDriving librefsm.StateID = "maybe-driving"
	StateDriving      librefsm.StateID = "driving"
	StateStopped      librefsm.StateID = "stopped"
	StateEnded        librefsm.StateID = "ended"
)

// Drive detection events
const (
	// Sensor input
	EvMotionAutomotive librefsm.EventID = "motion-automotive"
	EvMotionOther      librefsm.EventID = "motion-not-automotive"
	EvLocation         librefsm.EventID = "location-update"
	EvVisitArrival     librefsm.EventID = "visit-arrival"
	EvVisitDeparture   librefsm.EventID = "visit-departure"

	// Timer events
	EvMaybeDrivingTimeout librefsm.EventID = "maybe-driving-timeout"
	EvStoppedTimeout      librefsm.EventID = "stopped-timeout"
	EvSafetyTimeout       librefsm.EventID = "safety-timeout"
	EvGraceElapsed        librefsm.EventID = "grace-elapsed"

	// Recovery, never produced by sensors
	EvColdStartDriving      librefsm.EventID = "cold-start-driving"
	EvColdStartMaybeDriving librefsm.EventID = "cold-start-maybe-driving"
	EvResumeDrive           librefsm.EventID = "resume-drive"
	EvReconcileStop         librefsm.EventID = "reconcile-stop"
	EvReconcileEnd          librefsm.EventID = "reconcile-end"
	EvForceEnd              librefsm.EventID = "force-end"
)

// AllStates lists every state in declaration order.
var AllStates = []librefsm.StateID{StateIdle, StateMaybeDriving, StateDriving, StateStopped, StateEnded}

// AllEvents lists every event the machine knows.
var AllEvents = []librefsm.EventID{
	EvMotionAutomotive, EvMotionOther, EvLocation, EvVisitArrival, EvVisitDeparture,
	EvMaybeDrivingTimeout, EvStoppedTimeout, EvSafetyTimeout, EvGraceElapsed,
	EvColdStartDriving, EvColdStartMaybeDriving, EvResumeDrive, EvReconcileStop, EvReconcileEnd, EvForceEnd,
}
