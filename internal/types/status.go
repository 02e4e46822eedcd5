package types

import "time"

// Status is the read-only projection of the detector offered to presentation.
type Status struct {
	State     DriveState     `json:"state"`
	Location  *LocationPoint `json:"location,omitempty"`
	Drive     *DriveStats    `json:"drive,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
