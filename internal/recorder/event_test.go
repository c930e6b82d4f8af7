package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readEventSidecars(t *testing.T, baseDir string) []EventMetadata {
	t.Helper()
	var metas []EventMetadata
	filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read sidecar: %v", err)
		}
		var m EventMetadata
		if err := json.Unmarshal(buf, &m); err != nil {
			t.Fatalf("decode sidecar %s: %v", path, err)
		}
		metas = append(metas, m)
		return nil
	})
	return metas
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRecorder(t *testing.T, postDur time.Duration) (*EventRecorder, *RingBuffer, *Fanout, *FileStore) {
	t.Helper()
	store := NewFileStore(t.TempDir())
	buf := NewRingBuffer(time.Minute, 0, 0)
	fan := NewFanout()
	r := NewEventRecorder("cam1", buf, fan, store, postDur, testLogger())
	return r, buf, fan, store
}

func TestEventRecorder_empty_buffer_post_only(t *testing.T) {
	r, _, fan, store := newTestRecorder(t, time.Minute)

	// Trigger with an empty buffer: pre-event portion is empty, post-event
	// portion covers [trigger, trigger+60s).
	trigger := time.Now().Add(time.Hour)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !r.SessionOpen() {
		t.Fatal("session should be open")
	}

	// 61 one-second packets; the one at trigger+60s closes the session and is
	// not part of the recording.
	for i := 0; i <= 60; i++ {
		fan.Publish(Packet{Timestamp: trigger.Add(time.Duration(i) * time.Second), Data: []byte{byte(i)}})
	}

	waitFor(t, "session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	meta := readEventSidecars(t, store.BaseDir())[0]
	if meta.PreEventDuration != 0 {
		t.Errorf("pre-event duration %f, want 0", meta.PreEventDuration)
	}
	if meta.FrameCount != 60 {
		t.Errorf("frame count %d, want 60", meta.FrameCount)
	}
	if meta.Start != EpochSeconds(trigger) {
		t.Errorf("start %f, want trigger %f", meta.Start, EpochSeconds(trigger))
	}
	if want := EpochSeconds(trigger.Add(59 * time.Second)); meta.End != want {
		t.Errorf("end %f, want %f", meta.End, want)
	}
	if !meta.Keep {
		t.Error("event recordings must be marked keep")
	}
}

func TestEventRecorder_pre_event_portion_from_buffer(t *testing.T) {
	r, buf, fan, store := newTestRecorder(t, time.Minute)

	trigger := time.Now().Add(time.Hour)
	for i := 30; i >= 1; i-- {
		buf.Push(Packet{Timestamp: trigger.Add(-time.Duration(i) * time.Second), Data: []byte{1}})
	}

	if err := r.Trigger(Event{CameraID: "cam1", Type: EventAlarm, Timestamp: trigger}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	for i := 0; i < 10; i++ {
		fan.Publish(Packet{Timestamp: trigger.Add(time.Duration(i) * time.Second), Data: []byte{1}})
	}
	fan.Publish(Packet{Timestamp: trigger.Add(time.Minute), Data: []byte{1}}) // closes session

	waitFor(t, "session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	meta := readEventSidecars(t, store.BaseDir())[0]
	if meta.FrameCount != 40 {
		t.Errorf("frame count %d, want 30 pre + 10 post", meta.FrameCount)
	}
	if meta.PreEventDuration != 30 {
		t.Errorf("pre-event duration %f, want 30", meta.PreEventDuration)
	}
	if meta.EventType != "alarm" {
		t.Errorf("event type %q, want alarm", meta.EventType)
	}
	if len(meta.TriggeringEvents) != 1 {
		t.Errorf("triggering events %d, want 1", len(meta.TriggeringEvents))
	}
}

func TestEventRecorder_coalesces_triggers(t *testing.T) {
	r, _, fan, store := newTestRecorder(t, time.Minute)

	trigger := time.Now().Add(time.Hour)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	// Second trigger 5s later while the session is open: extends, no new file.
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger.Add(5 * time.Second)}); err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if !r.SessionOpen() {
		t.Fatal("session should still be open after coalesced trigger")
	}

	// A packet past the original deadline but before the extended one must be
	// recorded; the extended deadline (t+5s)+60s closes the session.
	fan.Publish(Packet{Timestamp: trigger.Add(62 * time.Second), Data: []byte{1}})
	fan.Publish(Packet{Timestamp: trigger.Add(65 * time.Second), Data: []byte{1}})

	waitFor(t, "session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	metas := readEventSidecars(t, store.BaseDir())
	if len(metas) != 1 {
		t.Fatalf("coalescing must yield exactly one recording, got %d", len(metas))
	}
	meta := metas[0]
	if len(meta.TriggeringEvents) != 2 {
		t.Errorf("triggering events %d, want 2", len(meta.TriggeringEvents))
	}
	if meta.PostEventDuration != 65 {
		t.Errorf("post-event duration %f, want 65 (extended deadline minus trigger)", meta.PostEventDuration)
	}
	if meta.FrameCount != 1 {
		t.Errorf("frame count %d, want 1 (only the packet inside the extended window)", meta.FrameCount)
	}
}

func TestEventRecorder_skips_packets_covered_by_snapshot(t *testing.T) {
	r, buf, fan, store := newTestRecorder(t, time.Minute)

	trigger := time.Now().Add(time.Hour)
	last := trigger.Add(-time.Second)
	for i := 5; i >= 1; i-- {
		buf.Push(Packet{Timestamp: trigger.Add(-time.Duration(i) * time.Second), Data: []byte{1}})
	}

	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// The tap replays the newest buffered packet: it must not be duplicated.
	fan.Publish(Packet{Timestamp: last, Data: []byte{1}})
	fan.Publish(Packet{Timestamp: trigger, Data: []byte{1}})
	fan.Publish(Packet{Timestamp: trigger.Add(time.Minute), Data: []byte{1}}) // closes

	waitFor(t, "session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	meta := readEventSidecars(t, store.BaseDir())[0]
	if meta.FrameCount != 6 {
		t.Errorf("frame count %d, want 5 pre + 1 post (duplicate skipped)", meta.FrameCount)
	}
}

func TestEventRecorder_close_finalizes_open_session(t *testing.T) {
	r, _, fan, store := newTestRecorder(t, time.Minute)

	trigger := time.Now().Add(time.Hour)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	fan.Publish(Packet{Timestamp: trigger, Data: []byte{1}})
	fan.Publish(Packet{Timestamp: trigger.Add(time.Second), Data: []byte{1}})

	// Give the session a moment to drain the tap, then tear down.
	waitFor(t, "packets written", func() bool { return r.SessionOpen() })
	time.Sleep(10 * time.Millisecond)
	r.Close()

	metas := readEventSidecars(t, store.BaseDir())
	if len(metas) != 1 {
		t.Fatalf("teardown must finalize the open session, got %d sidecars", len(metas))
	}
	if metas[0].FrameCount == 0 {
		t.Error("partial session should keep its packets")
	}

	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err == nil {
		t.Error("trigger after Close should fail")
	}
}

// stallingStore blocks the first pre-event write until released, simulating a
// slow disk while live packets keep arriving.
type stallingStore struct {
	inner   RecordingStore
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingStore) Create(cameraID CameraID, kind RecordingKind, start time.Time) (Recording, error) {
	rec, err := s.inner.Create(cameraID, kind, start)
	if err != nil {
		return nil, err
	}
	return &stallingRecording{Recording: rec, store: s}, nil
}

type stallingRecording struct {
	Recording
	store *stallingStore
}

func (r *stallingRecording) WritePacket(p Packet) error {
	r.store.once.Do(func() {
		close(r.store.stalled)
		<-r.store.release
	})
	return r.Recording.WritePacket(p)
}

func TestEventRecorder_no_gap_while_pre_event_portion_writes(t *testing.T) {
	store := NewFileStore(t.TempDir())
	stalling := &stallingStore{
		inner:   store,
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
	buf := NewRingBuffer(time.Minute, 0, 0)
	fan := NewFanout()
	r := NewEventRecorder("cam1", buf, fan, stalling, time.Minute, testLogger())

	trigger := time.Now().Add(time.Hour)
	buf.Push(Packet{Timestamp: trigger.Add(-time.Second), Data: []byte{1}})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger})
	}()

	// Packets published while the pre-event portion is stalled on disk belong
	// to the continuation; they must not fall between the two portions.
	<-stalling.stalled
	fan.Publish(Packet{Timestamp: trigger, Data: []byte{1}})
	fan.Publish(Packet{Timestamp: trigger.Add(time.Second), Data: []byte{1}})
	close(stalling.release)

	if err := <-errCh; err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	fan.Publish(Packet{Timestamp: trigger.Add(time.Minute), Data: []byte{1}}) // closes session

	waitFor(t, "session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	meta := readEventSidecars(t, store.BaseDir())[0]
	if meta.FrameCount != 3 {
		t.Errorf("frame count %d, want 1 pre + 2 published during the stalled write", meta.FrameCount)
	}
}

func TestEventRecorder_extension_racing_close_decision(t *testing.T) {
	r, _, fan, store := newTestRecorder(t, time.Minute)

	trigger := time.Now().Add(time.Hour)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger}); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	firstDeadline := trigger.Add(time.Minute)

	// A coalescing trigger lands just as the session loop decides to stop. The
	// close decision shares the lock with Trigger, so the extension must win.
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: trigger.Add(5 * time.Second)}); err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	d, extended := r.extendOrDetach(s, firstDeadline)
	if !extended {
		t.Fatal("extension set before the close decision must keep the session open")
	}
	if want := trigger.Add(65 * time.Second); !d.Equal(want) {
		t.Errorf("extended deadline %v, want %v", d, want)
	}
	if !r.SessionOpen() {
		t.Error("session must remain attached after an honored extension")
	}

	// Without a further extension the decision detaches the session, so the
	// next trigger opens a fresh one instead of extending into the void.
	fan.Publish(Packet{Timestamp: trigger.Add(66 * time.Second), Data: []byte{1}}) // past extended deadline
	waitFor(t, "first session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "first sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 1 })

	second := trigger.Add(10 * time.Minute)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: second}); err != nil {
		t.Fatalf("trigger after close: %v", err)
	}
	fan.Publish(Packet{Timestamp: second.Add(time.Minute), Data: []byte{1}})
	waitFor(t, "second sidecar", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 2 })

	metas := readEventSidecars(t, store.BaseDir())
	for _, m := range metas {
		if m.TriggerTime == EpochSeconds(trigger) && len(m.TriggeringEvents) != 2 {
			t.Errorf("coalesced session has %d triggering events, want 2", len(m.TriggeringEvents))
		}
	}
}

func TestEventRecorder_new_session_after_close(t *testing.T) {
	r, _, fan, store := newTestRecorder(t, time.Minute)

	first := time.Now().Add(time.Hour)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: first}); err != nil {
		t.Fatal(err)
	}
	fan.Publish(Packet{Timestamp: first.Add(time.Minute), Data: []byte{1}}) // closes first session
	waitFor(t, "first session to close", func() bool { return !r.SessionOpen() })

	second := first.Add(10 * time.Minute)
	if err := r.Trigger(Event{CameraID: "cam1", Type: EventMotion, Timestamp: second}); err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	fan.Publish(Packet{Timestamp: second.Add(time.Minute), Data: []byte{1}})
	waitFor(t, "second session to close", func() bool { return !r.SessionOpen() })
	waitFor(t, "two sidecars", func() bool { return len(readEventSidecars(t, store.BaseDir())) == 2 })
}
