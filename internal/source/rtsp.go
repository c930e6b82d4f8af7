// Package source provides stream transports producing recorder packets.
package source

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"camera-server/internal/recorder"

	"github.com/nareix/joy4/format/rtsp"
)

// DefaultDialTimeout bounds how long one RTSP connection attempt may take.
const DefaultDialTimeout = 10 * time.Second

// RTSP dials a camera's RTSP endpoint and adapts its packets to recorder
// packets. It implements recorder.PacketSource.
type RTSP struct {
	url     string
	timeout time.Duration
}

// NewRTSP returns an RTSP source for cfg. Credentials, when configured
// separately from the URL, are folded into its userinfo section.
func NewRTSP(cfg recorder.CameraConfig) *RTSP {
	return &RTSP{
		url:     streamURL(cfg),
		timeout: DefaultDialTimeout,
	}
}

// Connect dials the camera. The returned connection is valid until the first
// read error; reconnecting is the caller's responsibility.
func (s *RTSP) Connect(ctx context.Context) (recorder.PacketConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := rtsp.DialTimeout(s.url, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("rtsp dial: %w", err)
	}

	// Forces the DESCRIBE/SETUP exchange so a bad endpoint fails here rather
	// than on the first read.
	if _, err := client.Streams(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rtsp describe: %w", err)
	}

	return &rtspConn{
		client:      client,
		connectedAt: time.Now(),
	}, nil
}

type rtspConn struct {
	client      *rtsp.Client
	connectedAt time.Time
}

// ReadPacket reads one encoded frame. Stream-relative packet times are mapped
// to wall-clock timestamps anchored at the moment the connection was
// established.
func (c *rtspConn) ReadPacket() (recorder.Packet, error) {
	pkt, err := c.client.ReadPacket()
	if err != nil {
		return recorder.Packet{}, err
	}

	return recorder.Packet{
		Timestamp: c.connectedAt.Add(pkt.Time),
		Data:      pkt.Data,
		KeyFrame:  pkt.IsKeyFrame,
		StreamIdx: pkt.Idx,
	}, nil
}

func (c *rtspConn) Close() error {
	return c.client.Close()
}

// streamURL injects cfg's username and password into the stream URL when the
// URL itself carries no userinfo. Unparseable URLs pass through untouched and
// fail at dial time.
func streamURL(cfg recorder.CameraConfig) string {
	if cfg.Username == "" {
		return cfg.StreamURL
	}
	u, err := url.Parse(cfg.StreamURL)
	if err != nil || u.User != nil {
		return cfg.StreamURL
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)
	return u.String()
}
