package core

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"drive-service/internal/config"
	"drive-service/internal/event"
	"drive-service/internal/logger"
	"drive-service/internal/messaging"
	"drive-service/internal/types"
)

// Fake clock
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Mock settings store
type mockSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newMockSettings() *mockSettings {
	return &mockSettings{values: make(map[string]string)}
}

func (m *mockSettings) set(field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[field] = value
}

func (m *mockSettings) GetHashField(hash, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[field], nil
}

type checkpointCall struct {
	id       string
	from, to int
}

// Mock DriveGateway
type mockGateway struct {
	mu          sync.Mutex
	created     []string
	checkpoints []checkpointCall
	finalized   []*types.Drive
	open        *types.Drive
	openErr     error
	finalizeErr error

	failCheckpoints int
}

func (m *mockGateway) CreateDrive(ctx context.Context, drive *types.Drive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, drive.ID)
	return nil
}

func (m *mockGateway) Checkpoint(ctx context.Context, drive *types.Drive, from int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCheckpoints > 0 {
		m.failCheckpoints--
		return errors.New("connection refused")
	}
	m.checkpoints = append(m.checkpoints, checkpointCall{drive.ID, from, len(drive.Points)})
	return nil
}

func (m *mockGateway) Finalize(ctx context.Context, drive *types.Drive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return m.finalizeErr
	}
	m.finalized = append(m.finalized, drive.Clone())
	return nil
}

func (m *mockGateway) LatestOpenDrive(ctx context.Context) (*types.Drive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil {
		return nil, m.openErr
	}
	return m.open.Clone(), m.openErr
}

func (m *mockGateway) setFinalizeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeErr = err
}

func (m *mockGateway) snapshot() ([]string, []checkpointCall, []*types.Drive) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...), append([]checkpointCall(nil), m.checkpoints...),
		append([]*types.Drive(nil), m.finalized...)
}

// Mock Notifier
type mockNotifier struct {
	mu      sync.Mutex
	started []types.DriveStats
	ended   []types.DriveStats
}

func (m *mockNotifier) DriveStarted(stats types.DriveStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, stats)
	return nil
}

func (m *mockNotifier) DriveEnded(stats types.DriveStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, stats)
	return nil
}

func (m *mockNotifier) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started), len(m.ended)
}

func (m *mockNotifier) lastEnded() types.DriveStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended[len(m.ended)-1]
}

// Mock StatePublisher
type mockPublisher struct {
	mu       sync.Mutex
	statuses []types.Status
}

func (m *mockPublisher) PublishStatus(status types.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockPublisher) last() types.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[len(m.statuses)-1]
}

// Mock PauseState
type mockPause struct {
	mu     sync.Mutex
	paused bool
}

func (m *mockPause) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *mockPause) set(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

// Mock MessagingClient
type mockMessagingClient struct {
	mu        sync.Mutex
	callbacks messaging.Callbacks
	connected bool
	listening bool
	closed    bool

	mockSettings
	paused    bool
	pausedErr error
	statuses  []types.Status
	started   []types.DriveStats
	ended     []types.DriveStats
	motion    []event.MotionSample
	location  *event.Fix
}

func newMockMessagingClient() *mockMessagingClient {
	return &mockMessagingClient{mockSettings: mockSettings{values: make(map[string]string)}}
}

func (m *mockMessagingClient) SetCallbacks(callbacks messaging.Callbacks) { m.callbacks = callbacks }
func (m *mockMessagingClient) Connect() error                             { m.connected = true; return nil }
func (m *mockMessagingClient) StartListening() error                      { m.listening = true; return nil }
func (m *mockMessagingClient) Close() error                               { m.closed = true; return nil }
func (m *mockMessagingClient) GetPaused() (bool, error)                   { return m.paused, m.pausedErr }
func (m *mockMessagingClient) LastLocation() (*event.Fix, error)          { return m.location, nil }

func (m *mockMessagingClient) PublishStatus(status types.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockMessagingClient) DriveStarted(stats types.DriveStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, stats)
	return nil
}

func (m *mockMessagingClient) DriveEnded(stats types.DriveStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, stats)
	return nil
}

func (m *mockMessagingClient) RecordMotion(sample event.MotionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motion = append(m.motion, sample)
	return nil
}

func (m *mockMessagingClient) RecentMotion(since time.Time) ([]event.MotionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.MotionSample
	for _, s := range m.motion {
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Test environment
type testEnv struct {
	t         *testing.T
	d         *Detector
	clock     *fakeClock
	settings  *mockSettings
	gateway   *mockGateway
	notifier  *mockNotifier
	publisher *mockPublisher
	pause     *mockPause
	logs      *syncBuffer
	seq       int
}

func newTestEnv(t *testing.T, configure ...func(*DetectorOptions)) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		clock:     newFakeClock(),
		settings:  newMockSettings(),
		gateway:   &mockGateway{},
		notifier:  &mockNotifier{},
		publisher: &mockPublisher{},
		pause:     &mockPause{},
		logs:      &syncBuffer{},
	}
	opts := DetectorOptions{
		Settings:  env.settings,
		Gateway:   env.gateway,
		Notifier:  env.notifier,
		Publisher: env.publisher,
		Pause:     env.pause,
		Clock:     env.clock.Now,
		Logger:    logger.NewLogger(log.New(env.logs, "", 0), logger.LogLevelDebug),
	}
	for _, c := range configure {
		c(&opts)
	}
	env.d = NewDetector(opts)
	if err := env.d.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start detector: %v", err)
	}
	t.Cleanup(env.d.Close)
	return env
}

// fix builds an eligible location update at the current fake time. Each call
// moves a few meters north.
func (e *testEnv) fix(mph float64) event.LocationUpdate {
	e.seq++
	return event.LocationUpdate{Fix: event.Fix{
		Timestamp:          e.clock.Now(),
		Latitude:           52.5 + float64(e.seq)*0.00005,
		Longitude:          13.4,
		Speed:              mph * event.MetersPerSecondPerMph,
		HorizontalAccuracy: 10,
		Course:             0,
	}}
}

func (e *testEnv) handle(ev event.Event) {
	e.t.Helper()
	if err := e.d.Handle(ev, false); err != nil {
		e.t.Fatalf("Handle(%s) failed: %v", ev.Kind(), err)
	}
}

// drive sends a fix at mph after advancing the clock by step.
func (e *testEnv) drive(step time.Duration, mph float64) {
	e.t.Helper()
	e.clock.Advance(step)
	e.handle(e.fix(mph))
}

func (e *testEnv) expectState(want types.DriveState) {
	e.t.Helper()
	if got := e.d.CurrentState(); got != want {
		e.t.Fatalf("Expected state %s, got %s", want, got)
	}
}

// fireTimer delivers the pending expiry of kind as if its timer had run out.
func (e *testEnv) fireTimer(kind event.TimerKind) {
	e.t.Helper()
	h, ok := e.d.timers.Pending(kind)
	if !ok {
		e.t.Fatalf("Expected %s timer to be pending", kind)
	}
	e.handle(event.TimerExpired{Timer: kind, Handle: uint64(h)})
}

// startDriving brings the detector into driving through the sustained-speed path.
func (e *testEnv) startDriving() {
	e.t.Helper()
	e.handle(e.fix(20))
	e.expectState(types.StateMaybeDriving)
	for i := 0; i < 10; i++ {
		e.drive(time.Second, 20)
	}
	e.expectState(types.StateDriving)
}

// startStopped drives, then holds 0 mph past a 10s stop-detect window.
func (e *testEnv) startStopped() {
	e.t.Helper()
	e.settings.set(config.FieldStopDetectSeconds, "10")
	e.startDriving()
	for i := 0; i <= 10; i++ {
		e.drive(time.Second, 0)
	}
	e.expectState(types.StateStopped)
}
