package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"drive-service/internal/event"
	"drive-service/internal/logger"
	"drive-service/internal/types"

	"github.com/redis/go-redis/v9"
)

// Redis keys
const (
	ListLocation = "drive:location"
	ListMotion   = "drive:motion"
	ListVisit    = "drive:visit"
	ListCommand  = "drive:command"

	HashDrive    = "drive"
	HashTracking = "tracking"
	HashSettings = "settings"

	ChannelDrive         = "drive"
	ChannelNotifications = "notifications"
	ChannelSettings      = "settings"
	ChannelTracking      = "tracking"

	ListMotionHistory = "motion:history"
	motionHistorySize = 200

	CommandRecoverStuck = "recover-stuck"
)

type Callbacks struct {
	EventCallback    func(event.Event) error // location, motion and visit input
	CommandCallback  func(string) error      // "recover-stuck"
	SettingsCallback func(string) error      // setting key that was updated (e.g., "drive.stop-timeout-seconds")
	PauseCallback    func(bool) error        // new value of tracking/paused
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(addr, password string, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
		callbacks: callbacks,
		logger:    l,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Attempting to connect to Redis at %s", r.client.Options().Addr)

	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.logger.Errorf("Redis connection failed: %v", err)
		return fmt.Errorf("redis connection failed: %w", err)
	}
	r.logger.Infof("Successfully connected to Redis")
	return nil
}

// StartListening starts all Redis listeners after recovery is complete
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis listeners")

	pubsub := r.client.Subscribe(r.ctx, ChannelSettings, ChannelTracking)
	if _, err := pubsub.Receive(r.ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Infof("Subscribed to Redis channels: %s, %s", ChannelSettings, ChannelTracking)

	r.wg.Add(1)
	go r.redisListener(pubsub)

	// Start list listeners for LPUSH input
	r.wg.Add(4)
	go r.listCommandListener(ListLocation, r.handleLocationInput)
	go r.listCommandListener(ListMotion, r.handleMotionInput)
	go r.listCommandListener(ListVisit, r.handleVisitInput)
	go r.listCommandListener(ListCommand, r.handleCommand)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Infof("Starting list listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debugf("Context cancelled, exiting %s listener", key)
			return
		default:
			// Use BRPOP with a short timeout to allow periodic context cancellation checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if errors.Is(err, context.Canceled) || r.ctx.Err() != nil {
					r.logger.Debugf("Context cancelled, exiting %s listener", key)
					return
				}
				r.logger.Warnf("Error reading from %s list: %v", key, err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) >= 2 { // BRPOP returns [key, value]
				value := result[1]
				r.logger.Debugf("Received input from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("Error handling %s input: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) dispatch(ev event.Event) error {
	if r.callbacks.EventCallback == nil {
		return nil
	}
	return r.callbacks.EventCallback(ev)
}

// handleLocationInput expects a JSON encoded event.Fix. A fix without
// timestamp is stamped on arrival; a fix without speed must carry -1.
func (r *RedisClient) handleLocationInput(value string) error {
	fix, err := ParseFix(value)
	if err != nil {
		return err
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = r.now()
	}
	return r.dispatch(event.LocationUpdate{Fix: fix})
}

func ParseFix(value string) (event.Fix, error) {
	fix := event.Fix{Speed: -1, Course: types.CourseInvalid}
	if err := json.Unmarshal([]byte(value), &fix); err != nil {
		return event.Fix{}, fmt.Errorf("invalid location input: %w", err)
	}
	return fix, nil
}

// handleMotionInput accepts "automotive:<low|medium|high>" or "other".
func (r *RedisClient) handleMotionInput(value string) error {
	ev, err := ParseMotion(value, r.now())
	if err != nil {
		return err
	}
	return r.dispatch(ev)
}

func ParseMotion(value string, at time.Time) (event.Event, error) {
	if value == "other" {
		return event.MotionNotAutomotive{At: at}, nil
	}
	if conf, ok := strings.CutPrefix(value, "automotive:"); ok {
		c, err := event.ParseConfidence(conf)
		if err != nil {
			return nil, fmt.Errorf("invalid motion input %q: %w", value, err)
		}
		return event.MotionAutomotive{Confidence: c, At: at}, nil
	}
	return nil, fmt.Errorf("invalid motion input: %s", value)
}

func (r *RedisClient) handleVisitInput(value string) error {
	switch value {
	case "arrival":
		return r.dispatch(event.VisitArrival{At: r.now()})
	case "departure":
		return r.dispatch(event.VisitDeparture{At: r.now()})
	case "significant-change":
		return r.dispatch(event.SignificantLocationChange{})
	default:
		return fmt.Errorf("invalid visit input: %s", value)
	}
}

func (r *RedisClient) handleCommand(value string) error {
	if r.callbacks.CommandCallback == nil {
		return nil
	}
	switch value {
	case CommandRecoverStuck:
		return r.callbacks.CommandCallback(value)
	default:
		return fmt.Errorf("invalid drive command: %s", value)
	}
}

func (r *RedisClient) redisListener(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()

	r.logger.Infof("Starting Redis message listener")
	channel := pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debugf("Context cancelled, exiting listener")
			return
		case msg, ok := <-channel:
			if !ok {
				if r.ctx.Err() != nil {
					return
				}
				r.logger.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			r.logger.Debugf("Received Redis message: channel=%s payload=%s", msg.Channel, msg.Payload)

			switch msg.Channel {
			case ChannelSettings:
				if r.callbacks.SettingsCallback != nil {
					if err := r.callbacks.SettingsCallback(msg.Payload); err != nil {
						r.logger.Warnf("Failed to handle settings update: %v", err)
					}
				}

			case ChannelTracking:
				if msg.Payload != "paused" || r.callbacks.PauseCallback == nil {
					continue
				}
				paused, err := r.GetPaused()
				if err != nil {
					r.logger.Warnf("Failed to read pause flag: %v", err)
					continue
				}
				if err := r.callbacks.PauseCallback(paused); err != nil {
					r.logger.Warnf("Failed to handle pause change: %v", err)
				}
			}
		}
	}
}

// GetHashField reads a field from a Redis hash using HGET
func (r *RedisClient) GetHashField(hash, field string) (string, error) {
	value, err := r.client.HGet(r.ctx, hash, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get hash field %s from %s: %w", field, hash, err)
	}
	return value, nil
}

// GetPaused reads the "do not track" flag.
func (r *RedisClient) GetPaused() (bool, error) {
	value, err := r.GetHashField(HashTracking, "paused")
	if err != nil || value == "" {
		return false, err
	}
	paused, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid pause flag %q: %w", value, err)
	}
	return paused, nil
}

func (r *RedisClient) PublishStatus(status types.Status) error {
	r.logger.Debugf("Publishing drive state: %s", status.State)

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, HashDrive, "state", string(status.State))
	pipe.HSet(r.ctx, HashDrive, "state:timestamp", status.UpdatedAt.Format(time.RFC3339))

	if status.Location != nil {
		loc, err := json.Marshal(status.Location)
		if err != nil {
			return fmt.Errorf("failed to encode location: %w", err)
		}
		pipe.HSet(r.ctx, HashDrive, "location", string(loc))
	}

	if status.Drive != nil {
		pipe.HSet(r.ctx, HashDrive,
			"drive-id", status.Drive.ID,
			"distance", strconv.FormatFloat(status.Drive.Distance, 'f', 1, 64),
			"duration", strconv.FormatInt(int64(status.Drive.Duration.Seconds()), 10),
			"points", strconv.Itoa(status.Drive.PointCount),
		)
	} else {
		pipe.HDel(r.ctx, HashDrive, "drive-id", "distance", "duration", "points")
	}
	pipe.Publish(r.ctx, ChannelDrive, "state")

	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to publish drive state: %w", err)
	}
	return nil
}

// LastLocation returns the last published location, used as the last known fix on cold start.
func (r *RedisClient) LastLocation() (*event.Fix, error) {
	raw, err := r.GetHashField(HashDrive, "location")
	if err != nil || raw == "" {
		return nil, err
	}
	var p types.LocationPoint
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("invalid stored location: %w", err)
	}
	fix := event.FixFromPoint(p)
	return &fix, nil
}

type notification struct {
	Type     string  `json:"type"`
	DriveID  string  `json:"drive_id"`
	Start    string  `json:"start"`
	Distance float64 `json:"distance,omitempty"`
	Duration int64   `json:"duration,omitempty"`
}

func (r *RedisClient) notify(kind string, stats types.DriveStats) error {
	body, err := json.Marshal(notification{
		Type:     kind,
		DriveID:  stats.ID,
		Start:    stats.StartTime.Format(time.RFC3339),
		Distance: stats.Distance,
		Duration: int64(stats.Duration.Seconds()),
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(r.ctx, ChannelNotifications, body).Err(); err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", kind, err)
	}
	return nil
}

func (r *RedisClient) DriveStarted(stats types.DriveStats) error {
	return r.notify("drive-started", stats)
}

func (r *RedisClient) DriveEnded(stats types.DriveStats) error {
	return r.notify("drive-ended", stats)
}

// RecordMotion appends a sample to the capped motion history.
func (r *RedisClient) RecordMotion(sample event.MotionSample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, ListMotionHistory, body)
	pipe.LTrim(r.ctx, ListMotionHistory, 0, motionHistorySize-1)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to record motion: %w", err)
	}
	return nil
}

// RecentMotion returns the recorded samples not older than since, newest first.
func (r *RedisClient) RecentMotion(since time.Time) ([]event.MotionSample, error) {
	raw, err := r.client.LRange(r.ctx, ListMotionHistory, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read motion history: %w", err)
	}

	samples := make([]event.MotionSample, 0, len(raw))
	for _, item := range raw {
		var s event.MotionSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			r.logger.Warnf("Skipping malformed motion sample: %v", err)
			continue
		}
		if s.At.Before(since) {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	// Wait for all goroutines to finish with a timeout
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debugf("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Warnf("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
