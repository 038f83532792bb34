package socketio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDebouncer(session, queue *int32) *BroadcastDebouncer {
	return NewBroadcastDebouncer(50*time.Millisecond,
		[]string{TopicSession, TopicQueue},
		map[string]func(){
			TopicSession: func() { atomic.AddInt32(session, 1) },
			TopicQueue:   func() { atomic.AddInt32(queue, 1) },
		},
	)
}

func TestDebouncerRapidTriggersCollapseToOne(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := newTestDebouncer(&sessionCalls, &queueCalls)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger(TopicSession)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&sessionCalls); got != 1 {
		t.Errorf("expected 1 session callback, got %d", got)
	}
	if got := atomic.LoadInt32(&queueCalls); got != 0 {
		t.Errorf("expected 0 queue callbacks, got %d", got)
	}
}

func TestDebouncerWindowRestartsOnTrigger(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := newTestDebouncer(&sessionCalls, &queueCalls)
	defer d.Stop()

	// Position ticks arriving faster than the window.
	for i := 0; i < 20; i++ {
		d.Trigger(TopicSession)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&sessionCalls); got != 1 {
		t.Errorf("expected 1 session callback, got %d", got)
	}
}

func TestDebouncerMixedTopicsFlushInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(topic string) func() {
		return func() {
			mu.Lock()
			order = append(order, topic)
			mu.Unlock()
		}
	}
	d := NewBroadcastDebouncer(50*time.Millisecond,
		[]string{TopicSession, TopicQueue},
		map[string]func(){
			TopicSession: record(TopicSession),
			TopicQueue:   record(TopicQueue),
		},
	)
	defer d.Stop()

	d.Trigger(TopicQueue)
	d.Trigger(TopicSession)
	d.Trigger(TopicQueue)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != TopicSession || order[1] != TopicQueue {
		t.Errorf("flush order = %v", order)
	}
}

func TestDebouncerSeparateWindowsFireIndependently(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := newTestDebouncer(&sessionCalls, &queueCalls)
	defer d.Stop()

	d.Trigger(TopicSession)
	time.Sleep(100 * time.Millisecond)

	d.Trigger(TopicSession)
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&sessionCalls); got != 2 {
		t.Errorf("expected 2 session callbacks for separate windows, got %d", got)
	}
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := NewBroadcastDebouncer(time.Hour,
		[]string{TopicSession, TopicQueue},
		map[string]func(){
			TopicSession: func() { atomic.AddInt32(&sessionCalls, 1) },
			TopicQueue:   func() { atomic.AddInt32(&queueCalls, 1) },
		},
	)
	defer d.Stop()

	d.Trigger(TopicSession)
	d.Flush()
	d.Flush()

	if got := atomic.LoadInt32(&sessionCalls); got != 1 {
		t.Errorf("expected 1 session callback, got %d", got)
	}
}

func TestDebouncerUnknownTopicIgnored(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := newTestDebouncer(&sessionCalls, &queueCalls)
	defer d.Stop()

	d.Trigger("mixer")
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&sessionCalls)+atomic.LoadInt32(&queueCalls) != 0 {
		t.Error("unknown topic should not fire callbacks")
	}
}

func TestDebouncerStopPreventsCallbacks(t *testing.T) {
	var sessionCalls, queueCalls int32
	d := newTestDebouncer(&sessionCalls, &queueCalls)

	d.Trigger(TopicSession)
	d.Stop()
	d.Trigger(TopicSession)

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&sessionCalls); got != 0 {
		t.Errorf("expected 0 session callbacks after stop, got %d", got)
	}
}
