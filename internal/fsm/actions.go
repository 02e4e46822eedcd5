package fsm

import "github.com/librescoot/librefsm"

// Actions defines the interface for drive state machine actions.
// The detector implements it; guards read the decision carried in
// c.Event.Payload, which the detector computes before sending.
type Actions interface {
	// State entry actions
	EnterIdle(c *librefsm.Context) error
	EnterMaybeDriving(c *librefsm.Context) error
	EnterDriving(c *librefsm.Context) error
	EnterStopped(c *librefsm.Context) error
	EnterEnded(c *librefsm.Context) error

	// State exit actions cancel the timers their state started
	ExitMaybeDriving(c *librefsm.Context) error
	ExitDriving(c *librefsm.Context) error
	ExitStopped(c *librefsm.Context) error
	ExitEnded(c *librefsm.Context) error

	// Guards
	IsConfidentMotion(c *librefsm.Context) bool   // medium or high automotive confidence
	IsMaybeDrivingSpeed(c *librefsm.Context) bool // speed at or above the maybe-driving threshold
	IsConfirmSustained(c *librefsm.Context) bool  // confirmation speed held for the confirmation duration
	IsStopSustained(c *librefsm.Context) bool     // below stop speed for the stop-detection duration
	IsResumeSpeed(c *librefsm.Context) bool       // speed at or above the resume threshold
}
