package types

type DriveState string

const (
	StateIdle         DriveState = "idle"
	StateMaybeDriving DriveState = "maybe-driving"
	StateDriving      DriveState = "driving"
	StateStopped      DriveState = "stopped"
	StateEnded        DriveState = "ended"
)

// Active reports whether points may be appended to a drive in this state.
func (s DriveState) Active() bool {
	return s == StateDriving || s == StateStopped
}
