package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reconnect backoff bounds for the ingest loop. The ingestor retries forever;
// the cap keeps the retry interval bounded on long outages.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// PacketConn is one established connection to a camera stream. ReadPacket
// blocks until the next encoded packet is available and must unblock with an
// error when Close is called.
type PacketConn interface {
	ReadPacket() (Packet, error)
	Close() error
}

// PacketSource dials the camera stream. It is the opaque codec boundary: the
// recorder never looks inside packet payloads.
type PacketSource interface {
	Connect(ctx context.Context) (PacketConn, error)
}

// Ingestor owns the connection to one camera and publishes its packets into
// the pipeline fan-out. Connection loss and decode failures are transient: the
// ingestor backs off and reconnects indefinitely, surfacing the outage only
// through Connected().
type Ingestor struct {
	cameraID CameraID
	source   PacketSource
	out      *Fanout
	log      *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	connected atomic.Bool
	ingested  atomic.Uint64
	lastTS    time.Time
}

// NewIngestor returns an ingestor publishing packets from source into out.
func NewIngestor(cameraID CameraID, source PacketSource, out *Fanout, log *slog.Logger) *Ingestor {
	return &Ingestor{
		cameraID:   cameraID,
		source:     source,
		out:        out,
		log:        log,
		backoffMin: initialBackoff,
		backoffMax: maxBackoff,
	}
}

// Connected reports whether the stream connection is currently established.
func (in *Ingestor) Connected() bool {
	return in.connected.Load()
}

// Ingested returns the total number of packets published so far.
func (in *Ingestor) Ingested() uint64 {
	return in.ingested.Load()
}

// Run connects, reads, and publishes until ctx is cancelled. It never returns
// an error: all stream failures are retried with exponential backoff.
func (in *Ingestor) Run(ctx context.Context) {
	backoff := in.backoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := in.source.Connect(ctx)
		if err != nil {
			in.log.Warn("stream connect failed",
				slog.String("camera_id", string(in.cameraID)),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, in.backoffMax)
			continue
		}

		in.connected.Store(true)
		backoff = in.backoffMin
		in.log.Info("stream connected", slog.String("camera_id", string(in.cameraID)))

		err = in.readLoop(ctx, conn)
		in.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		in.log.Warn("stream lost",
			slog.String("camera_id", string(in.cameraID)),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff))
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, in.backoffMax)
	}
}

// readLoop publishes packets until the connection fails or ctx is cancelled.
func (in *Ingestor) readLoop(ctx context.Context, conn PacketConn) error {
	// Closing the connection is the only way to unblock a pending ReadPacket.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
			conn.Close()
		}
	}()

	for {
		p, err := conn.ReadPacket()
		if err != nil {
			return err
		}

		// Consumers rely on non-decreasing timestamps; clamp any source jitter.
		if p.Timestamp.Before(in.lastTS) {
			p.Timestamp = in.lastTS
		}
		in.lastTS = p.Timestamp

		in.out.Publish(p)
		in.ingested.Add(1)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func nextBackoff(d, ceil time.Duration) time.Duration {
	d *= 2
	if d > ceil {
		d = ceil
	}
	return d
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
