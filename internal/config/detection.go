package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"drive-service/internal/event"
)

// SettingsHash is the Redis hash holding the user-tunable detection settings.
const SettingsHash = "settings"

const (
	FieldMaybeDrivingSpeed = "drive.maybe-driving-speed-mph"
	FieldConfirmSpeed      = "drive.confirm-speed-mph"
	FieldStopSpeed         = "drive.stop-speed-mph"
	FieldResumeSpeed       = "drive.resume-speed-mph"
	FieldConfirmSeconds    = "drive.confirm-seconds"
	FieldStopDetectSeconds = "drive.stop-detect-seconds"
	FieldStopTimeout       = "drive.stop-timeout-seconds"
	FieldSafetyMaxHours    = "drive.safety-max-hours"
)

// Source reads a single settings field. An unset field yields "" and no error.
type Source interface {
	GetHashField(hash, field string) (string, error)
}

// Detection holds the thresholds consulted at every decision point.
// Speeds are in m/s.
type Detection struct {
	MaybeDrivingSpeed  float64
	ConfirmSpeed       float64
	StopSpeed          float64
	ResumeSpeed        float64
	ConfirmDuration    time.Duration
	StopDetectDuration time.Duration
	StopTimeout        time.Duration
	SafetyMax          time.Duration
}

type setting struct {
	field    string
	def      float64
	min, max float64
	apply    func(*Detection, float64)
}

func mph(v float64) float64 { return v * event.MetersPerSecondPerMph }

var settings = []setting{
	{FieldMaybeDrivingSpeed, 10, 3, 40, func(d *Detection, v float64) { d.MaybeDrivingSpeed = mph(v) }},
	{FieldConfirmSpeed, 15, 5, 60, func(d *Detection, v float64) { d.ConfirmSpeed = mph(v) }},
	{FieldStopSpeed, 5, 1, 20, func(d *Detection, v float64) { d.StopSpeed = mph(v) }},
	{FieldResumeSpeed, 10, 3, 40, func(d *Detection, v float64) { d.ResumeSpeed = mph(v) }},
	{FieldConfirmSeconds, 10, 3, 120, func(d *Detection, v float64) { d.ConfirmDuration = seconds(v) }},
	{FieldStopDetectSeconds, 60, 10, 600, func(d *Detection, v float64) { d.StopDetectDuration = seconds(v) }},
	{FieldStopTimeout, 300, 60, 3600, func(d *Detection, v float64) { d.StopTimeout = seconds(v) }},
	{FieldSafetyMaxHours, 8, 1, 24, func(d *Detection, v float64) { d.SafetyMax = time.Duration(v * float64(time.Hour)) }},
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func DefaultDetection() Detection {
	var d Detection
	for _, s := range settings {
		s.apply(&d, s.def)
	}
	return d
}

// IsDetectionField reports whether a settings field affects detection.
func IsDetectionField(field string) bool {
	for _, s := range settings {
		if s.field == field {
			return true
		}
	}
	return false
}

// LoadDetection reads every threshold from src and clamps it to its safe range.
// Fields that are unset, unreadable or malformed fall back to their defaults;
// the returned Detection is always usable, and err reports what was skipped.
func LoadDetection(src Source) (Detection, error) {
	d := DefaultDetection()
	if src == nil {
		return d, nil
	}

	var errs []error
	for _, s := range settings {
		raw, err := src.GetHashField(SettingsHash, s.field)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value %q for %s: %w", raw, s.field, err))
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("non-finite value %q for %s", raw, s.field))
			continue
		}
		s.apply(&d, clamp(v, s.min, s.max))
	}

	// Each entry threshold must not sit below its exit threshold, or the
	// machine flaps between the two states on every fix.
	if d.ResumeSpeed < d.StopSpeed {
		errs = append(errs, fmt.Errorf("%s below %s, raising it to match", FieldResumeSpeed, FieldStopSpeed))
		d.ResumeSpeed = d.StopSpeed
	}
	if d.ConfirmSpeed < d.MaybeDrivingSpeed {
		errs = append(errs, fmt.Errorf("%s below %s, raising it to match", FieldConfirmSpeed, FieldMaybeDrivingSpeed))
		d.ConfirmSpeed = d.MaybeDrivingSpeed
	}
	return d, errors.Join(errs...)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
