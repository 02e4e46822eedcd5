package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"drive-service/internal/event"
	"drive-service/internal/logger"
)

const (
	ignitionConsumer = "drive-service"
	ignitionDebounce = 50 * time.Millisecond
)

// EventCallback receives motion events derived from the ignition line.
type EventCallback func(ev event.Event) error

// Ignition turns an ignition sense line into motion events: ignition on is
// high-confidence automotive motion, ignition off is not automotive.
type Ignition struct {
	chip     string
	offset   int
	logger   *logger.Logger
	callback EventCallback
	now      func() time.Time

	mu   sync.Mutex
	line *gpiocdev.Line
}

func NewIgnition(chip string, offset int, l *logger.Logger, callback EventCallback) *Ignition {
	return &Ignition{
		chip:     chip,
		offset:   offset,
		logger:   l,
		callback: callback,
		now:      time.Now,
	}
}

// Start requests the line with edge detection and reports its current level.
func (ig *Ignition) Start() error {
	ig.mu.Lock()
	defer ig.mu.Unlock()

	if ig.line != nil {
		return fmt.Errorf("ignition line already requested")
	}

	line, err := gpiocdev.RequestLine(ig.chip, ig.offset,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(ignitionDebounce),
		gpiocdev.WithEventHandler(ig.handleEdge),
		gpiocdev.WithConsumer(ignitionConsumer))
	if err != nil {
		return fmt.Errorf("failed to request ignition line %s:%d: %w", ig.chip, ig.offset, err)
	}
	ig.line = line
	ig.logger.Infof("Monitoring ignition on %s line %d", ig.chip, ig.offset)

	value, err := line.Value()
	if err != nil {
		ig.logger.Warnf("Failed to read initial ignition state: %v", err)
		return nil
	}
	ig.logger.Infof("Initial ignition state: %v", value == 1)
	ig.deliver(eventForLevel(value == 1, ig.now()))
	return nil
}

func (ig *Ignition) handleEdge(evt gpiocdev.LineEvent) {
	ev, ok := eventForEdge(evt, ig.now())
	if !ok {
		ig.logger.Debugf("Ignoring ignition event type %v", evt.Type)
		return
	}
	ig.deliver(ev)
}

func (ig *Ignition) deliver(ev event.Event) {
	if ig.callback == nil {
		return
	}
	if err := ig.callback(ev); err != nil {
		ig.logger.Errorf("Failed to handle ignition %s: %v", ev.Kind(), err)
	}
}

func (ig *Ignition) Close() error {
	ig.mu.Lock()
	defer ig.mu.Unlock()

	if ig.line == nil {
		return nil
	}
	err := ig.line.Close()
	ig.line = nil
	return err
}

// eventForEdge maps an edge to a motion event. The kernel timestamp is
// monotonic, so the event carries the wall clock at delivery instead.
func eventForEdge(evt gpiocdev.LineEvent, at time.Time) (event.Event, bool) {
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		return eventForLevel(true, at), true
	case gpiocdev.LineEventFallingEdge:
		return eventForLevel(false, at), true
	}
	return nil, false
}

func eventForLevel(on bool, at time.Time) event.Event {
	if on {
		return event.MotionAutomotive{Confidence: event.ConfidenceHigh, At: at}
	}
	return event.MotionNotAutomotive{At: at}
}
