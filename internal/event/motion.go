package event

import "time"

// MotionLookback is how far back cold-start recovery looks for motion evidence.
const MotionLookback = 5 * time.Minute

// MotionSample is one historical activity classification.
type MotionSample struct {
	At         time.Time  `json:"at"`
	Automotive bool       `json:"automotive"`
	Confidence Confidence `json:"confidence"`
}

// MotionHint summarizes recent motion history for cold-start recovery.
type MotionHint struct {
	Automotive     bool
	LastAutomotive time.Time
	Samples        int
}

// SummarizeMotion reduces the samples inside the lookback window ending at now.
// Only automotive samples of medium or high confidence count as evidence.
func SummarizeMotion(samples []MotionSample, now time.Time, lookback time.Duration) MotionHint {
	var hint MotionHint
	from := now.Add(-lookback)
	for _, s := range samples {
		if s.At.Before(from) || s.At.After(now) {
			continue
		}
		hint.Samples++
		if s.Automotive && s.Confidence >= ConfidenceMedium {
			hint.Automotive = true
			if s.At.After(hint.LastAutomotive) {
				hint.LastAutomotive = s.At
			}
		}
	}
	return hint
}

// Sample converts a live motion event into its history form.
func Sample(ev Event) (MotionSample, bool) {
	switch e := ev.(type) {
	case MotionAutomotive:
		return MotionSample{At: e.At, Automotive: true, Confidence: e.Confidence}, true
	case MotionNotAutomotive:
		return MotionSample{At: e.At}, true
	}
	return MotionSample{}, false
}
