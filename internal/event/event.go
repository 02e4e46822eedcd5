// Package event normalizes every sensor and environment input into the closed
// set of values the drive detector consumes.
package event

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindMotionAutomotive    Kind = "motion-automotive"
	KindMotionNotAutomotive Kind = "motion-not-automotive"
	KindLocationUpdate      Kind = "location-update"
	KindSignificantChange   Kind = "significant-location-change"
	KindVisitArrival        Kind = "visit-arrival"
	KindVisitDeparture      Kind = "visit-departure"
	KindTimerExpired        Kind = "timer-expired"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	}
	return fmt.Sprintf("confidence(%d)", int(c))
}

func ParseConfidence(s string) (Confidence, error) {
	switch s {
	case "low":
		return ConfidenceLow, nil
	case "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	}
	return ConfidenceLow, fmt.Errorf("invalid confidence: %s", s)
}

type TimerKind string

const (
	TimerMaybeDrivingVerification TimerKind = "maybe-driving-verification"
	TimerStoppedTimeout           TimerKind = "stopped-timeout"
	TimerSafetyEnd                TimerKind = "safety-end"
	// TimerEndedGrace drives the ended -> idle self transition.
	TimerEndedGrace TimerKind = "ended-grace"
)

type MotionAutomotive struct {
	Confidence Confidence
	At         time.Time
}

type MotionNotAutomotive struct {
	At time.Time
}

type LocationUpdate struct {
	Fix Fix
}

// SignificantLocationChange only wakes the process; it carries no detection weight.
type SignificantLocationChange struct{}

type VisitArrival struct {
	At time.Time
}

type VisitDeparture struct {
	At time.Time
}

type TimerExpired struct {
	Timer  TimerKind
	Handle uint64
}

func (MotionAutomotive) Kind() Kind          { return KindMotionAutomotive }
func (MotionNotAutomotive) Kind() Kind       { return KindMotionNotAutomotive }
func (LocationUpdate) Kind() Kind            { return KindLocationUpdate }
func (SignificantLocationChange) Kind() Kind { return KindSignificantChange }
func (VisitArrival) Kind() Kind              { return KindVisitArrival }
func (VisitDeparture) Kind() Kind            { return KindVisitDeparture }
func (TimerExpired) Kind() Kind              { return KindTimerExpired }

func (MotionAutomotive) sealed()          {}
func (MotionNotAutomotive) sealed()       {}
func (LocationUpdate) sealed()            {}
func (SignificantLocationChange) sealed() {}
func (VisitArrival) sealed()              {}
func (VisitDeparture) sealed()            {}
func (TimerExpired) sealed()              {}
