package core

import (
	"fmt"

	"drive-service/internal/config"
	"drive-service/internal/event"
	"drive-service/internal/messaging"
)

// HandleEvent takes sensor events from Redis and the ignition line. Motion
// events are also kept in the history used by cold-start recovery.
func (s *DriveSystem) HandleEvent(ev event.Event) error {
	if sample, ok := event.Sample(ev); ok {
		if err := s.redis.RecordMotion(sample); err != nil {
			s.logger.Warnf("Failed to record motion sample: %v", err)
		}
	}
	return s.detector.Handle(ev, s.Paused())
}

// handleCommand handles operator commands from Redis
func (s *DriveSystem) handleCommand(cmd string) error {
	s.logger.Debugf("Handling command: %s", cmd)

	switch cmd {
	case messaging.CommandRecoverStuck:
		return s.detector.ForceRecoverStuckDrive()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// handleSettingsUpdate logs changes to detection settings. Thresholds are
// read fresh at every decision, so nothing is cached here.
func (s *DriveSystem) handleSettingsUpdate(key string) error {
	if !config.IsDetectionField(key) {
		s.logger.Debugf("Ignoring settings update for %s", key)
		return nil
	}

	value, err := s.redis.GetHashField(config.SettingsHash, key)
	if err != nil {
		return fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	s.logger.Infof("Detection setting %s changed to %q", key, value)
	return nil
}

// handlePauseChange reconciles detection state when tracking resumes.
func (s *DriveSystem) handlePauseChange(paused bool) error {
	prev := s.setPaused(paused)
	if prev == paused {
		return nil
	}

	if paused {
		s.logger.Infof("Tracking paused in state %s", s.detector.CurrentState())
		return nil
	}
	s.logger.Infof("Tracking resumed, reconciling state %s", s.detector.CurrentState())
	return s.detector.ReconcileAfterPause(false)
}
