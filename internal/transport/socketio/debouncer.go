package socketio

import (
	"sync"
	"time"
)

// Broadcast topics.
const (
	TopicSession = "session"
	TopicQueue   = "queue"
)

// BroadcastDebouncer collapses bursts of triggers into one callback per
// topic. The callbacks run once the window elapses without a new trigger.
type BroadcastDebouncer struct {
	window    time.Duration
	topics    []string
	callbacks map[string]func()

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	stopped bool
}

// NewBroadcastDebouncer creates a debouncer. callbacks maps a topic to what
// runs when it flushes. Topics flush in the order they are listed.
func NewBroadcastDebouncer(window time.Duration, topics []string, callbacks map[string]func()) *BroadcastDebouncer {
	return &BroadcastDebouncer{
		window:    window,
		topics:    topics,
		callbacks: callbacks,
		pending:   make(map[string]bool),
	}
}

// Trigger marks topic dirty and restarts the window. Unknown topics are
// ignored.
func (d *BroadcastDebouncer) Trigger(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if _, ok := d.callbacks[topic]; !ok {
		return
	}
	d.pending[topic] = true

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.Flush)
}

// Flush runs the callbacks of every dirty topic now.
func (d *BroadcastDebouncer) Flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	var due []func()
	for _, topic := range d.topics {
		if d.pending[topic] {
			due = append(due, d.callbacks[topic])
		}
	}
	clear(d.pending)
	d.mu.Unlock()

	for _, fn := range due {
		if fn != nil {
			fn()
		}
	}
}

// Stop prevents any further callbacks from firing.
func (d *BroadcastDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	clear(d.pending)
}
