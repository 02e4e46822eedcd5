// Package filter decides which raw fixes become part of a recorded drive.
package filter

import (
	"math"

	"drive-service/internal/event"
	"drive-service/internal/types"
)

const (
	AccuracyCeiling   = event.AccuracyCeiling
	ImplausibleSpeed  = 90.0  // m/s
	MaxJump           = 500.0 // meters
	earthRadiusMeters = 6371000.0
)

type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonAccuracy       Reason = "accuracy"
	ReasonInvalidSpeed   Reason = "invalid-speed"
	ReasonImplausible    Reason = "implausible-speed"
	ReasonTimeRegression Reason = "time-regression"
	ReasonTeleport       Reason = "teleport"
)

type Decision struct {
	Accept        bool
	Reason        Reason
	DistanceDelta float64 // meters credited to the drive
}

// Evaluate decides whether fix may follow last, the previously accepted point
// (nil for the first point of a drive).
func Evaluate(last *types.LocationPoint, fix event.Fix) Decision {
	if fix.HorizontalAccuracy <= 0 || fix.HorizontalAccuracy > AccuracyCeiling {
		return Decision{Reason: ReasonAccuracy}
	}
	if fix.Speed < 0 {
		return Decision{Reason: ReasonInvalidSpeed}
	}
	if fix.Speed > ImplausibleSpeed {
		return Decision{Reason: ReasonImplausible}
	}
	if last == nil {
		return Decision{Accept: true, Reason: ReasonAccepted}
	}

	elapsed := fix.Timestamp.Sub(last.Timestamp).Seconds()
	if elapsed <= 0 {
		return Decision{Reason: ReasonTimeRegression}
	}

	distance := Haversine(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
	if distance > MaxJump && distance/elapsed > ImplausibleSpeed {
		return Decision{Reason: ReasonTeleport}
	}

	d := Decision{Accept: true, Reason: ReasonAccepted}
	if distance < MaxJump {
		d.DistanceDelta = distance
	}
	return d
}

// Haversine returns the great-circle distance in meters between two coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
