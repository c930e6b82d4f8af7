package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// dedupTTL is how long an event's (camera, type, timestamp) identity is
// remembered for duplicate suppression (e.g. push-monitor redelivery).
const dedupTTL = 2 * time.Minute

// Notifier forwards accepted triggers to the external recording catalog.
// Implementations must be safe for concurrent use; failures are logged and
// never affect local recording.
type Notifier interface {
	TriggerMotion(ctx context.Context, cameraID CameraID, reason string) error
}

// Dispatcher normalizes events from both trigger origins (the push-style
// monitor and the manual API) and routes them to the named camera's event
// recorder. Duplicate deliveries of the same event are suppressed.
type Dispatcher struct {
	sup      *Supervisor
	notifier Notifier
	log      *slog.Logger

	// OnDispatched/OnDuplicate, when set, observe dispatcher outcomes. Set them
	// before the first Dispatch call.
	OnDispatched func()
	OnDuplicate  func()

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

// NewDispatcher returns a dispatcher routing events through sup. notifier may
// be nil when no external catalog is configured.
func NewDispatcher(sup *Supervisor, notifier Notifier, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sup:      sup,
		notifier: notifier,
		log:      log,
		seen:     make(map[string]time.Time),
	}
}

// Dispatch validates, deduplicates, and routes one event. Unknown camera ids
// return ErrCameraNotFound; malformed events return ErrInvalidEvent. Neither
// affects other cameras.
func (d *Dispatcher) Dispatch(ev Event) error {
	if ev.CameraID == "" || ev.Type == "" {
		return fmt.Errorf("%w: camera id and event type are required", ErrInvalidEvent)
	}

	if d.isDuplicate(ev) {
		d.log.Debug("duplicate event suppressed",
			slog.String("camera_id", string(ev.CameraID)),
			slog.String("event_type", string(ev.Type)))
		if d.OnDuplicate != nil {
			d.OnDuplicate()
		}
		return nil
	}

	pipe, err := d.sup.pipeline(ev.CameraID)
	if err != nil {
		return err
	}
	if err := pipe.Recorder().Trigger(ev); err != nil {
		return err
	}
	d.markSeen(ev)

	d.log.Info("event dispatched",
		slog.String("camera_id", string(ev.CameraID)),
		slog.String("event_type", string(ev.Type)),
		slog.Time("timestamp", ev.Timestamp))
	if d.OnDispatched != nil {
		d.OnDispatched()
	}

	if d.notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.notifier.TriggerMotion(ctx, ev.CameraID, string(ev.Type)); err != nil {
				d.log.Warn("catalog trigger failed",
					slog.String("camera_id", string(ev.CameraID)),
					slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// Run consumes the push-monitor origin until ctx is cancelled or the channel
// closes. Each event is dispatched on its own goroutine so one camera's
// trigger never delays another's.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			go func() {
				if err := d.Dispatch(ev); err != nil {
					d.log.Warn("push event rejected",
						slog.String("camera_id", string(ev.CameraID)),
						slog.String("error", err.Error()))
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// isDuplicate reports whether the event identity was dispatched within
// dedupTTL. Only successfully routed events are remembered (markSeen), so a
// rejected delivery can be retried with the same identity.
func (d *Dispatcher) isDuplicate(ev Event) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	seenAt, ok := d.seen[eventKey(ev)]
	return ok && now.Sub(seenAt) < dedupTTL
}

// markSeen records the event identity after successful routing and prunes
// expired entries opportunistically.
func (d *Dispatcher) markSeen(ev Event) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen[eventKey(ev)] = now

	if now.Sub(d.lastPrune) > dedupTTL {
		for k, at := range d.seen {
			if now.Sub(at) >= dedupTTL {
				delete(d.seen, k)
			}
		}
		d.lastPrune = now
	}
}

func eventKey(ev Event) string {
	return fmt.Sprintf("%s|%s|%.3f", ev.CameraID, ev.Type, EpochSeconds(ev.Timestamp))
}
