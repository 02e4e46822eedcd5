package event

import (
	"time"

	"drive-service/internal/types"
)

// MetersPerSecondPerMph converts configured mph thresholds to GPS speed units.
const MetersPerSecondPerMph = 0.44704

// AccuracyCeiling is the worst horizontal accuracy, in meters, still used for decisions.
const AccuracyCeiling = 100.0

// Fix is one raw location sample as delivered by the location provider.
// Speed is in m/s; a negative speed means the provider did not report one.
type Fix struct {
	Timestamp          time.Time `json:"timestamp"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Speed              float64   `json:"speed"`
	Altitude           float64   `json:"altitude"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"`
	Course             float64   `json:"course"`
}

func (f Fix) HasSpeed() bool {
	return f.Speed >= 0
}

// DecisionEligible reports whether the fix may influence state decisions.
// Ineligible fixes still update the displayed location.
func (f Fix) DecisionEligible() bool {
	return f.HorizontalAccuracy > 0 && f.HorizontalAccuracy <= AccuracyCeiling && f.HasSpeed()
}

func (f Fix) Point() types.LocationPoint {
	course := f.Course
	if course < 0 || course >= 360 {
		course = types.CourseInvalid
	}
	return types.LocationPoint{
		Timestamp:          f.Timestamp,
		Latitude:           f.Latitude,
		Longitude:          f.Longitude,
		Speed:              f.Speed,
		Altitude:           f.Altitude,
		HorizontalAccuracy: f.HorizontalAccuracy,
		Course:             course,
	}
}

// FixFromPoint rebuilds a fix from a persisted point, e.g. the last point of a resumed drive.
func FixFromPoint(p types.LocationPoint) Fix {
	return Fix{
		Timestamp:          p.Timestamp,
		Latitude:           p.Latitude,
		Longitude:          p.Longitude,
		Speed:              p.Speed,
		Altitude:           p.Altitude,
		HorizontalAccuracy: p.HorizontalAccuracy,
		Course:             p.Course,
	}
}
