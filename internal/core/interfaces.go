package core

import (
	"context"
	"time"

	"drive-service/internal/event"
	"drive-service/internal/messaging"
	"drive-service/internal/types"
)

// DriveGateway persists drives. Implementations must make every call
// idempotent: CreateDrive may be retried, and Checkpoint may see points it
// already stored.
type DriveGateway interface {
	CreateDrive(ctx context.Context, drive *types.Drive) error
	// Checkpoint stores drive.Points[from:].
	Checkpoint(ctx context.Context, drive *types.Drive, from int) error
	Finalize(ctx context.Context, drive *types.Drive) error
	// LatestOpenDrive returns the most recent drive without an end time, or nil.
	LatestOpenDrive(ctx context.Context) (*types.Drive, error)
}

// Notifier delivers drive lifecycle notifications. Failures are logged only.
type Notifier interface {
	DriveStarted(stats types.DriveStats) error
	DriveEnded(stats types.DriveStats) error
}

// StatePublisher receives every change of the read-only projection.
type StatePublisher interface {
	PublishStatus(status types.Status) error
}

// PauseState reports the external "do not track" flag at timer expiry.
type PauseState interface {
	Paused() bool
}

// MessagingClient defines the interface for Redis messaging operations needed by DriveSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// Settings and pause flag
	GetHashField(hash, field string) (string, error)
	GetPaused() (bool, error)

	// Presentation and notifications
	PublishStatus(status types.Status) error
	DriveStarted(stats types.DriveStats) error
	DriveEnded(stats types.DriveStats) error

	// Motion history for cold start
	RecordMotion(sample event.MotionSample) error
	RecentMotion(since time.Time) ([]event.MotionSample, error)
	LastLocation() (*event.Fix, error)
}

type nopNotifier struct{}

func (nopNotifier) DriveStarted(types.DriveStats) error { return nil }
func (nopNotifier) DriveEnded(types.DriveStats) error   { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishStatus(types.Status) error { return nil }

type neverPaused struct{}

func (neverPaused) Paused() bool { return false }

// multiNotifier fans a notification out to every target; the first error wins.
type multiNotifier []Notifier

func (m multiNotifier) DriveStarted(stats types.DriveStats) error {
	var first error
	for _, n := range m {
		if err := n.DriveStarted(stats); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiNotifier) DriveEnded(stats types.DriveStats) error {
	var first error
	for _, n := range m {
		if err := n.DriveEnded(stats); err != nil && first == nil {
			first = err
		}
	}
	return first
}
