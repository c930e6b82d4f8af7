package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSegmentDuration is the default continuous segment rotation interval.
const DefaultSegmentDuration = 60 * time.Second

// SegmentWriter consumes the packet fan-out and writes fixed-interval
// continuous segments. Rotation boundaries are aligned to the wall clock
// (Timestamp truncated to the interval) so segment start times are predictable
// and sortable. Rotation is packet-driven: while the stream is down no packets
// arrive and no empty segments are produced.
type SegmentWriter struct {
	cameraID CameraID
	store    RecordingStore
	interval time.Duration
	in       <-chan Packet
	log      *slog.Logger

	// onFinalized, when set, is called after each segment is finalized.
	onFinalized func(SegmentMetadata)

	mu      sync.Mutex
	current *openSegment
	failed  atomic.Bool
}

type openSegment struct {
	rec      Recording
	boundary time.Time // nominal rotation boundary the segment belongs to
	start    time.Time // observed first packet timestamp
	end      time.Time // observed last packet timestamp
	count    int
}

// NewSegmentWriter returns a writer rotating every interval. A non-positive
// interval uses DefaultSegmentDuration.
func NewSegmentWriter(cameraID CameraID, store RecordingStore, interval time.Duration, in <-chan Packet, log *slog.Logger) *SegmentWriter {
	if interval <= 0 {
		interval = DefaultSegmentDuration
	}
	return &SegmentWriter{cameraID: cameraID, store: store, interval: interval, in: in, log: log}
}

// ActiveSegmentStart returns the observed start of the in-progress segment,
// or nil when no segment is open.
func (w *SegmentWriter) ActiveSegmentStart() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	start := w.current.start
	return &start
}

// Failed reports whether the writer stopped on an unrecoverable store error.
func (w *SegmentWriter) Failed() bool {
	return w.failed.Load()
}

// Run consumes packets until the input channel closes or ctx is cancelled,
// finalizing the in-progress segment on the way out. A store error is fatal
// for this camera only: the writer finalizes what it can, marks itself failed,
// and returns.
func (w *SegmentWriter) Run(ctx context.Context) {
	defer w.finalizeCurrent()

	for {
		select {
		case p, ok := <-w.in:
			if !ok {
				return
			}
			if err := w.handlePacket(p); err != nil {
				w.failed.Store(true)
				w.log.Error("segment writer halted",
					slog.String("camera_id", string(w.cameraID)),
					slog.String("error", err.Error()))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *SegmentWriter) handlePacket(p Packet) error {
	boundary := p.Timestamp.Truncate(w.interval)

	w.mu.Lock()
	cur := w.current
	w.mu.Unlock()

	if cur != nil && boundary.After(cur.boundary) {
		w.finalizeCurrent()
		cur = nil
	}

	if cur == nil {
		rec, err := w.store.Create(w.cameraID, KindContinuous, boundary)
		if err != nil {
			return err
		}
		cur = &openSegment{rec: rec, boundary: boundary, start: p.Timestamp}
		w.mu.Lock()
		w.current = cur
		w.mu.Unlock()
	}

	if err := cur.rec.WritePacket(p); err != nil {
		w.abortCurrent()
		return err
	}
	cur.end = p.Timestamp
	cur.count++
	return nil
}

// finalizeCurrent closes the in-progress segment, writing its sidecar with the
// observed start/end rather than the nominal boundary.
func (w *SegmentWriter) finalizeCurrent() {
	w.mu.Lock()
	cur := w.current
	w.current = nil
	w.mu.Unlock()

	if cur == nil {
		return
	}

	meta := SegmentMetadata{
		CameraID:   string(w.cameraID),
		Type:       string(KindContinuous),
		Start:      EpochSeconds(cur.start),
		End:        EpochSeconds(cur.end),
		Duration:   cur.end.Sub(cur.start).Seconds(),
		FrameCount: cur.count,
		File:       cur.rec.Name(),
	}
	if err := cur.rec.Finalize(meta); err != nil {
		w.failed.Store(true)
		w.log.Error("segment finalize failed",
			slog.String("camera_id", string(w.cameraID)),
			slog.String("error", err.Error()))
		return
	}

	w.log.Info("segment finalized",
		slog.String("camera_id", string(w.cameraID)),
		slog.String("file", cur.rec.Name()),
		slog.Int("frames", cur.count))
	if w.onFinalized != nil {
		w.onFinalized(meta)
	}
}

func (w *SegmentWriter) abortCurrent() {
	w.mu.Lock()
	cur := w.current
	w.current = nil
	w.mu.Unlock()

	if cur != nil {
		cur.rec.Abort()
	}
}
