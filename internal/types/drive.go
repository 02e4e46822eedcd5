package types

import (
	"sort"
	"time"
)

// CourseInvalid marks a point whose bearing was not reported.
const CourseInvalid = -1.0

type LocationPoint struct {
	Seq                int       `json:"seq"`
	Timestamp          time.Time `json:"timestamp"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Speed              float64   `json:"speed"` // m/s
	Altitude           float64   `json:"altitude"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"`
	Course             float64   `json:"course"`
}

// Drive is a recorded trip. EndTime is nil while the drive is open.
type Drive struct {
	ID        string          `json:"id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Distance  float64         `json:"distance"` // meters
	Points    []LocationPoint `json:"points,omitempty"`
}

type DriveStats struct {
	ID         string        `json:"id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	Distance   float64       `json:"distance"`
	Duration   time.Duration `json:"duration"`
	PointCount int           `json:"point_count"`
}

func (d *Drive) Open() bool {
	return d.EndTime == nil
}

// Append adds an accepted point, assigning its sequence number, and credits distance.
func (d *Drive) Append(p LocationPoint, distance float64) LocationPoint {
	p.Seq = len(d.Points)
	d.Points = append(d.Points, p)
	d.Distance += distance
	return p
}

// LastPoint returns the most recently accepted point in display order.
func (d *Drive) LastPoint() *LocationPoint {
	if len(d.Points) == 0 {
		return nil
	}
	sorted := SortPoints(d.Points)
	last := sorted[len(sorted)-1]
	return &last
}

// Finish sets the end time exactly once. The end time is kept strictly after the start.
func (d *Drive) Finish(at time.Time) bool {
	if d.EndTime != nil {
		return false
	}
	if !at.After(d.StartTime) {
		at = d.StartTime.Add(time.Millisecond)
	}
	d.EndTime = &at
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (d *Drive) Clone() *Drive {
	c := *d
	if d.EndTime != nil {
		end := *d.EndTime
		c.EndTime = &end
	}
	c.Points = append([]LocationPoint(nil), d.Points...)
	return &c
}

func (d *Drive) Stats(now time.Time) DriveStats {
	end := now
	if d.EndTime != nil {
		end = *d.EndTime
	}
	return DriveStats{
		ID:         d.ID,
		StartTime:  d.StartTime,
		EndTime:    d.EndTime,
		Distance:   d.Distance,
		Duration:   end.Sub(d.StartTime),
		PointCount: len(d.Points),
	}
}

// SortPoints returns the points ordered by timestamp, ties broken by sequence number.
// Storage order is not guaranteed, so display code must go through here.
func SortPoints(points []LocationPoint) []LocationPoint {
	out := append([]LocationPoint(nil), points...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
