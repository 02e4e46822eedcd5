package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"drive-service/internal/event"
	"drive-service/internal/logger"
	"drive-service/internal/messaging"
)

// DriveSystem connects the detector to Redis: sensor lists and commands come
// in, state and notifications go out.
type DriveSystem struct {
	logger   *logger.Logger
	redis    MessagingClient
	detector *Detector
	now      func() time.Time

	mu     sync.RWMutex
	paused bool
}

// NewDriveSystem builds the system. gateway and lifecycle may be nil; drive
// notifications always go to Redis as well.
func NewDriveSystem(redis MessagingClient, gateway DriveGateway, lifecycle Notifier, l *logger.Logger) *DriveSystem {
	s := &DriveSystem{
		logger: l,
		redis:  redis,
		now:    time.Now,
	}

	var notifier Notifier = redis
	if lifecycle != nil {
		notifier = multiNotifier{redis, lifecycle}
	}

	s.detector = NewDetector(DetectorOptions{
		Settings:  redis,
		Gateway:   gateway,
		Notifier:  notifier,
		Publisher: redis,
		Pause:     s,
		Logger:    l.WithTag("detector"),
	})
	return s
}

// Detector exposes the read-only view for the HTTP projection.
func (s *DriveSystem) Detector() *Detector {
	return s.detector
}

// Start runs the start-up sequence: connect, sweep the stale drive, cold-start
// recovery, then live listeners. Inputs for cold start are read before the
// detector publishes its first state.
func (s *DriveSystem) Start(ctx context.Context) error {
	s.logger.Infof("Starting drive system")

	s.redis.SetCallbacks(messaging.Callbacks{
		EventCallback:    s.HandleEvent,
		CommandCallback:  s.handleCommand,
		SettingsCallback: s.handleSettingsUpdate,
		PauseCallback:    s.handlePauseChange,
	})

	if err := s.redis.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	paused, err := s.redis.GetPaused()
	if err != nil {
		s.logger.Warnf("Failed to read pause flag, assuming not paused: %v", err)
		paused = false
	}
	s.setPaused(paused)

	now := s.now()
	samples, err := s.redis.RecentMotion(now.Add(-event.MotionLookback))
	if err != nil {
		s.logger.Warnf("Failed to read motion history: %v", err)
	}
	hint := event.SummarizeMotion(samples, now, event.MotionLookback)

	last, err := s.redis.LastLocation()
	if err != nil {
		s.logger.Warnf("Failed to read last known location: %v", err)
		last = nil
	}

	if err := s.detector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}

	if err := s.detector.SweepStaleDrive(ctx); err != nil {
		s.logger.Errorf("Stale drive sweep failed: %v", err)
	}

	if err := s.detector.RecoverFromColdStart(hint, last, paused); err != nil {
		s.logger.Errorf("Cold start recovery failed: %v", err)
	}

	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}

	s.logger.Infof("Drive system started in state %s", s.detector.CurrentState())
	return nil
}

// Paused reports the cached "do not track" flag.
func (s *DriveSystem) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// setPaused stores the flag and returns the previous value.
func (s *DriveSystem) setPaused(paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.paused
	s.paused = paused
	return prev
}

func (s *DriveSystem) Shutdown() {
	s.logger.Infof("Shutting down drive system")
	s.detector.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warnf("Failed to close Redis client: %v", err)
		}
	}
}
