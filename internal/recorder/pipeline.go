package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PipelineConfig carries the per-camera recording parameters shared by all
// pipelines. Zero values fall back to the package defaults. The On* hooks are
// optional observers (e.g. metric counters) invoked from pipeline goroutines;
// they must be fast and safe for concurrent use.
type PipelineConfig struct {
	PreEventWindow    time.Duration
	PostEventDuration time.Duration
	SegmentDuration   time.Duration
	BufferMaxBytes    int64
	BufferMaxPackets  int
	QueueSize         int

	OnPacket           func()
	OnSegmentFinalized func(SegmentMetadata)
	OnEventClosed      func(EventMetadata)
}

// CameraPipeline owns all recording components for one camera: the ingestor,
// the pre-event buffer, the continuous segment writer, and the event recorder.
// Components communicate only through the packet fan-out, so a slow or failed
// consumer never stalls the others.
type CameraPipeline struct {
	config   CameraConfig
	onPacket func()

	fan      *Fanout
	buffer   *RingBuffer
	ingestor *Ingestor
	writer   *SegmentWriter
	recorder *EventRecorder
	log      *slog.Logger

	bufCh <-chan Packet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCameraPipeline(cfg CameraConfig, source PacketSource, store RecordingStore, pc PipelineConfig, log *slog.Logger) *CameraPipeline {
	fan := NewFanout()
	bufCh, _ := fan.Subscribe("buffer", pc.QueueSize)
	segCh, _ := fan.Subscribe("segments", pc.QueueSize)

	buffer := NewRingBuffer(pc.PreEventWindow, pc.BufferMaxBytes, pc.BufferMaxPackets)

	writer := NewSegmentWriter(cfg.ID, store, pc.SegmentDuration, segCh, log)
	writer.onFinalized = pc.OnSegmentFinalized

	rec := NewEventRecorder(cfg.ID, buffer, fan, store, pc.PostEventDuration, log)
	rec.onClosed = pc.OnEventClosed

	return &CameraPipeline{
		config:   cfg,
		onPacket: pc.OnPacket,
		fan:      fan,
		buffer:   buffer,
		ingestor: NewIngestor(cfg.ID, source, fan, log),
		writer:   writer,
		recorder: rec,
		log:      log,
		bufCh:    bufCh,
	}
}

// Recorder returns the pipeline's event recorder.
func (p *CameraPipeline) Recorder() *EventRecorder {
	return p.recorder
}

// Start launches the pipeline's goroutines.
func (p *CameraPipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.ingestor.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.feedBuffer()
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// The writer stops when the fan-out closes its channel; it is not tied
		// to ctx so queued packets are drained and the last segment finalized.
		p.writer.Run(context.Background())
	}()
}

// Stop tears the pipeline down: the ingestor's reconnect loop is cancelled,
// the fan-out signals end of stream to all consumers, and in-progress segment
// and event recordings are finalized rather than discarded.
func (p *CameraPipeline) Stop() {
	p.cancel()
	p.fan.Close()
	p.recorder.Close()
	p.wg.Wait()
}

// feedBuffer moves packets from the fan-out into the pre-event ring buffer,
// logging degraded-capacity evictions at most once a minute.
func (p *CameraPipeline) feedBuffer() {
	var lastWarn time.Time
	for pkt := range p.bufCh {
		if p.onPacket != nil {
			p.onPacket()
		}
		if degraded := p.buffer.Push(pkt); degraded {
			if time.Since(lastWarn) > time.Minute {
				lastWarn = time.Now()
				p.log.Warn("pre-event buffer at capacity, evicting early",
					slog.String("camera_id", string(p.config.ID)),
					slog.Int64("bytes", p.buffer.Bytes()),
					slog.Int("packets", p.buffer.Len()))
			}
		}
	}
}

// StatusSnapshot reports the pipeline's current health and activity.
func (p *CameraPipeline) StatusSnapshot() CameraStatus {
	return CameraStatus{
		CameraID:           p.config.ID,
		Connected:          p.ingestor.Connected(),
		Healthy:            !p.writer.Failed(),
		ActiveSegmentStart: p.writer.ActiveSegmentStart(),
		EventSessionOpen:   p.recorder.SessionOpen(),
		PacketsDropped:     p.fan.Dropped(),
	}
}
