package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu      sync.Mutex
	events  []string
	failMsg bool
	closed  bool
}

func (s *recordingSubscriber) Send(event string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMsg {
		return errors.New("send failed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast("env-status", []byte(`{"env_id":"demo"}`))

	waitFor(t, func() bool { return a.received() == 1 && b.received() == 1 })
}

func TestHubEvictsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	healthy := &recordingSubscriber{}
	broken := &recordingSubscriber{failMsg: true}
	hub.Register(healthy)
	hub.Register(broken)

	hub.Broadcast("registry-update", []byte(`{}`))
	waitFor(t, func() bool { return healthy.received() == 1 && broken.isClosed() })

	hub.Broadcast("registry-update", []byte(`{}`))
	waitFor(t, func() bool { return healthy.received() == 2 })
	if broken.received() != 0 {
		t.Fatalf("evicted subscriber should receive nothing, got %d", broken.received())
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register(sub)

	hub.Broadcast("env-status", []byte(`{}`))
	waitFor(t, func() bool { return sub.received() == 1 })

	hub.Unregister(sub)
	hub.Broadcast("env-status", []byte(`{}`))

	// Give the run loop a moment; the count must not move.
	time.Sleep(50 * time.Millisecond)
	if sub.received() != 1 {
		t.Fatalf("expected no delivery after unregister, got %d", sub.received())
	}
}
