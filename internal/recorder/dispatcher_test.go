package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []CameraID
}

func (n *fakeNotifier) TriggerMotion(ctx context.Context, cameraID CameraID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, cameraID)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func TestDispatcher_dispatch(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	if err := sup.AddCamera(ctx, CameraConfig{ID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(sup, nil, testLogger())
	trigger := time.Now().Add(time.Hour)

	t.Run("routes_to_event_recorder", func(t *testing.T) {
		err := d.Dispatch(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		pipe, err := sup.pipeline("cam1")
		if err != nil {
			t.Fatal(err)
		}
		if !pipe.Recorder().SessionOpen() {
			t.Error("dispatch should have opened an event session")
		}
	})

	t.Run("rejects_missing_camera_id", func(t *testing.T) {
		err := d.Dispatch(Event{Type: EventMotion, Timestamp: trigger})
		if !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("rejects_missing_event_type", func(t *testing.T) {
		err := d.Dispatch(Event{CameraID: "cam1", Timestamp: trigger})
		if !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("unknown_camera_not_found", func(t *testing.T) {
		err := d.Dispatch(Event{CameraID: "ghost", Type: EventMotion, Timestamp: trigger})
		if !errors.Is(err, ErrCameraNotFound) {
			t.Errorf("expected ErrCameraNotFound, got %v", err)
		}
	})
}

func TestDispatcher_suppresses_duplicates(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	if err := sup.AddCamera(ctx, CameraConfig{ID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(sup, nil, testLogger())
	var dispatched, duplicates int
	d.OnDispatched = func() { dispatched++ }
	d.OnDuplicate = func() { duplicates++ }

	trigger := time.Now().Add(time.Hour)
	ev := Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(ev); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	if dispatched != 1 {
		t.Errorf("dispatched %d events, want 1", dispatched)
	}
	if duplicates != 2 {
		t.Errorf("suppressed %d duplicates, want 2", duplicates)
	}

	// A different timestamp is a different event identity.
	ev.Timestamp = trigger.Add(time.Second)
	if err := d.Dispatch(ev); err != nil {
		t.Fatal(err)
	}
	if dispatched != 2 {
		t.Errorf("dispatched %d events after new timestamp, want 2", dispatched)
	}
}

func TestDispatcher_rejected_event_can_be_retried(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	d := NewDispatcher(sup, nil, testLogger())
	ctx := context.Background()

	ev := Event{CameraID: "cam1", Type: EventMotion, Timestamp: time.Now().Add(time.Hour)}

	// First delivery arrives before the camera is registered and is rejected.
	if err := d.Dispatch(ev); !errors.Is(err, ErrCameraNotFound) {
		t.Fatalf("expected ErrCameraNotFound, got %v", err)
	}

	if err := sup.AddCamera(ctx, CameraConfig{ID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	// The identical retry must be routed, not swallowed as a duplicate of the
	// rejected delivery.
	if err := d.Dispatch(ev); err != nil {
		t.Fatalf("retry after camera added: %v", err)
	}
	pipe, err := sup.pipeline("cam1")
	if err != nil {
		t.Fatal(err)
	}
	if !pipe.Recorder().SessionOpen() {
		t.Error("retried event did not open a session")
	}
}

func TestDispatcher_run_consumes_push_events(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.AddCamera(ctx, CameraConfig{ID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(sup, nil, testLogger())
	events := make(chan Event, 4)
	go d.Run(ctx, events)

	events <- Event{CameraID: "cam1", Type: EventAlarm, Timestamp: time.Now().Add(time.Hour)}
	// Rejected events must not stop the loop.
	events <- Event{CameraID: "ghost", Type: EventMotion, Timestamp: time.Now().Add(time.Hour)}

	pipe, err := sup.pipeline("cam1")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "push event to open a session", func() bool {
		return pipe.Recorder().SessionOpen()
	})
}

func TestDispatcher_forwards_to_notifier(t *testing.T) {
	sup, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	if err := sup.AddCamera(ctx, CameraConfig{ID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	n := &fakeNotifier{}
	d := NewDispatcher(sup, n, testLogger())

	trigger := time.Now().Add(time.Hour)
	if err := d.Dispatch(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "notifier call", func() bool { return n.count() == 1 })

	// Duplicates are not forwarded.
	if err := d.Dispatch(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n.count() != 1 {
		t.Errorf("notifier called %d times, want 1", n.count())
	}
}
