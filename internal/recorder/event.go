package recorder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPostEventDuration is the default continuation window after a trigger.
const DefaultPostEventDuration = 60 * time.Second

// EventRecorder materializes event recordings for one camera: the pre-event
// buffer snapshot plus a live continuation tap. At most one session is open at
// a time; triggers arriving while a session is open extend its continuation
// deadline instead of starting an overlapping recording.
type EventRecorder struct {
	cameraID CameraID
	buffer   *RingBuffer
	fan      *Fanout
	store    RecordingStore
	postDur  time.Duration
	log      *slog.Logger

	// onClosed, when set, is called after a session's recording is finalized.
	onClosed func(EventMetadata)

	mu      sync.Mutex
	session *eventSession
	closed  bool
}

type eventSession struct {
	id       string
	trigger  time.Time
	deadline time.Time
	events   []TriggeringEvent

	rec      Recording
	tap      <-chan Packet
	extendCh chan time.Time
	stopCh   chan struct{}
	done     chan struct{}

	preStart time.Time
	preEnd   time.Time
	preCount int

	lastWritten time.Time
	postCount   int
	postEnd     time.Time
}

// NewEventRecorder returns a recorder for cameraID with continuation window
// postDur (DefaultPostEventDuration when non-positive).
func NewEventRecorder(cameraID CameraID, buffer *RingBuffer, fan *Fanout, store RecordingStore, postDur time.Duration, log *slog.Logger) *EventRecorder {
	if postDur <= 0 {
		postDur = DefaultPostEventDuration
	}
	return &EventRecorder{
		cameraID: cameraID,
		buffer:   buffer,
		fan:      fan,
		store:    store,
		postDur:  postDur,
		log:      log,
	}
}

// SessionOpen reports whether an event recording session is currently open.
func (r *EventRecorder) SessionOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Trigger opens a new event recording session, or extends the open one. The
// pre-event portion is whatever the buffer holds at trigger time; an empty
// buffer (e.g. camera still reconnecting) yields an empty pre-event portion.
func (r *EventRecorder) Trigger(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("camera %s: recorder closed", r.cameraID)
	}

	te := TriggeringEvent{
		EventType: string(ev.Type),
		Timestamp: EpochSeconds(ev.Timestamp),
		Metadata:  ev.Metadata,
	}

	if s := r.session; s != nil {
		// Coalesce: push the continuation deadline out instead of opening a
		// second overlapping recording.
		s.deadline = ev.Timestamp.Add(r.postDur)
		s.events = append(s.events, te)
		select {
		case s.extendCh <- s.deadline:
		default:
			// A pending extension is superseded; drop it and send the newest.
			select {
			case <-s.extendCh:
			default:
			}
			s.extendCh <- s.deadline
		}
		r.log.Info("event session extended",
			slog.String("camera_id", string(r.cameraID)),
			slog.String("session_id", s.id),
			slog.Time("deadline", s.deadline))
		return nil
	}

	s := &eventSession{
		id:       uuid.NewString(),
		trigger:  ev.Timestamp,
		deadline: ev.Timestamp.Add(r.postDur),
		events:   []TriggeringEvent{te},
		extendCh: make(chan time.Time, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Tap first: packets published while the pre-event portion is written to
	// disk queue up here instead of falling between the snapshot and the
	// continuation. The overlap with the snapshot is skipped in runSession.
	tap, err := r.fan.Subscribe("event-"+s.id, 0)
	if err != nil {
		return fmt.Errorf("tap live stream: %w", err)
	}
	s.tap = tap

	snapshot := r.buffer.Snapshot()

	rec, err := r.store.Create(r.cameraID, KindEvent, ev.Timestamp)
	if err != nil {
		r.fan.Unsubscribe("event-" + s.id)
		return fmt.Errorf("open event recording: %w", err)
	}
	s.rec = rec

	for _, p := range snapshot {
		if err := rec.WritePacket(p); err != nil {
			rec.Abort()
			r.fan.Unsubscribe("event-" + s.id)
			return fmt.Errorf("write pre-event portion: %w", err)
		}
		s.preCount++
		s.lastWritten = p.Timestamp
	}
	if s.preCount > 0 {
		s.preStart = snapshot[0].Timestamp
		s.preEnd = snapshot[len(snapshot)-1].Timestamp
	}

	r.session = s
	go r.runSession(s)

	r.log.Info("event session opened",
		slog.String("camera_id", string(r.cameraID)),
		slog.String("session_id", s.id),
		slog.String("event_type", string(ev.Type)),
		slog.Int("pre_event_packets", s.preCount))
	return nil
}

// Close finalizes any open session and rejects further triggers. Called at
// pipeline teardown so partial event recordings are kept, not discarded.
func (r *EventRecorder) Close() {
	r.mu.Lock()
	r.closed = true
	s := r.session
	r.mu.Unlock()

	if s == nil {
		return
	}
	close(s.stopCh)
	<-s.done
}

// runSession consumes the live tap until the continuation deadline passes,
// the stream ends, or the recorder is closed, then finalizes the recording.
func (r *EventRecorder) runSession(s *eventSession) {
	defer close(s.done)

	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()

	deadline := s.deadline

loop:
	for {
		select {
		case p, ok := <-s.tap:
			if !ok {
				r.detach(s)
				break loop
			}
			// The deadline is checked against packet capture time so the
			// recording covers exactly [trigger, deadline) in stream time. An
			// extension that raced the close decision is honored first.
			for !p.Timestamp.Before(deadline) {
				d, extended := r.extendOrDetach(s, deadline)
				if !extended {
					break loop
				}
				deadline = d
				resetTimer(timer, deadline)
			}
			// Skip packets already covered by the pre-event snapshot.
			if s.preCount > 0 && !p.Timestamp.After(s.lastWritten) {
				continue
			}
			if err := s.rec.WritePacket(p); err != nil {
				r.log.Error("event recording write failed",
					slog.String("camera_id", string(r.cameraID)),
					slog.String("session_id", s.id),
					slog.String("error", err.Error()))
				r.detach(s)
				break loop
			}
			s.lastWritten = p.Timestamp
			s.postEnd = p.Timestamp
			s.postCount++
		case d := <-s.extendCh:
			deadline = d
			resetTimer(timer, deadline)
		case <-timer.C:
			d, extended := r.extendOrDetach(s, deadline)
			if !extended {
				break loop
			}
			deadline = d
			resetTimer(timer, deadline)
		case <-s.stopCh:
			// Teardown keeps, not discards: flush what the tap already buffered.
			r.drainTap(s, deadline)
			r.detach(s)
			break loop
		}
	}

	r.fan.Unsubscribe("event-" + s.id)
	r.finalizeSession(s, deadline)
}

// drainTap writes any packets already queued on the tap that fall inside the
// continuation window.
func (r *EventRecorder) drainTap(s *eventSession, deadline time.Time) {
	for {
		select {
		case p, ok := <-s.tap:
			if !ok {
				return
			}
			if !p.Timestamp.Before(deadline) {
				return
			}
			if s.preCount > 0 && !p.Timestamp.After(s.lastWritten) {
				continue
			}
			if err := s.rec.WritePacket(p); err != nil {
				return
			}
			s.lastWritten = p.Timestamp
			s.postEnd = p.Timestamp
			s.postCount++
		default:
			return
		}
	}
}

func resetTimer(t *time.Timer, deadline time.Time) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(time.Until(deadline))
}

// extendOrDetach is the session loop's close decision. It shares r.mu with
// Trigger, so a coalescing extension either lands before the decision and is
// honored here, or lands after the detach and opens a new session. The
// returned deadline is authoritative when extended is true.
func (r *EventRecorder) extendOrDetach(s *eventSession, deadline time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed && s.deadline.After(deadline) {
		return s.deadline, true
	}
	if r.session == s {
		r.session = nil
	}
	return deadline, false
}

// detach clears the open-session slot so the next trigger opens a new session.
func (r *EventRecorder) detach(s *eventSession) {
	r.mu.Lock()
	if r.session == s {
		r.session = nil
	}
	r.mu.Unlock()
}

func (r *EventRecorder) finalizeSession(s *eventSession, deadline time.Time) {
	// The session is already detached; a new trigger may be opening a fresh
	// session while this one's file is published.
	r.mu.Lock()
	events := make([]TriggeringEvent, len(s.events))
	copy(events, s.events)
	r.mu.Unlock()

	start := s.preStart
	if s.preCount == 0 {
		start = s.trigger
	}
	end := s.postEnd
	if s.postCount == 0 {
		end = s.preEnd
		if s.preCount == 0 {
			end = s.trigger
		}
	}

	meta := EventMetadata{
		CameraID:          string(r.cameraID),
		Type:              string(KindEvent),
		SessionID:         s.id,
		EventType:         events[0].EventType,
		TriggerTime:       EpochSeconds(s.trigger),
		Start:             EpochSeconds(start),
		End:               EpochSeconds(end),
		Duration:          end.Sub(start).Seconds(),
		PreEventDuration:  s.trigger.Sub(start).Seconds(),
		PostEventDuration: deadline.Sub(s.trigger).Seconds(),
		FrameCount:        s.preCount + s.postCount,
		File:              s.rec.Name(),
		Keep:              true,
		TriggeringEvents:  events,
	}

	if err := s.rec.Finalize(meta); err != nil {
		r.log.Error("event recording finalize failed",
			slog.String("camera_id", string(r.cameraID)),
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
		return
	}

	r.log.Info("event recording finalized",
		slog.String("camera_id", string(r.cameraID)),
		slog.String("session_id", s.id),
		slog.Int("pre_event_packets", s.preCount),
		slog.Int("post_event_packets", s.postCount))
	if r.onClosed != nil {
		r.onClosed(meta)
	}
}
