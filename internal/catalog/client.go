// Package catalog implements the Shinobi-compatible recording catalog client.
// Cameras are mirrored to the catalog as monitors so its UI and retention
// tooling see the same set of streams this server records.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"camera-server/internal/recorder"
)

const defaultRTSPPort = "554"

// Client talks to one Shinobi group. It implements recorder.Catalog and
// recorder.Notifier. All calls are request-scoped; the client holds no state
// beyond its credentials.
type Client struct {
	baseURL  string
	apiKey   string
	groupKey string
	httpc    *http.Client
	log      *slog.Logger
}

// NewClient returns a catalog client for baseURL authenticated with apiKey
// inside groupKey.
func NewClient(baseURL, apiKey, groupKey string, log *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		groupKey: groupKey,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// monitorConfig is the catalog's monitor representation.
type monitorConfig struct {
	Name    string         `json:"name"`
	Mode    string         `json:"mode"`
	Type    string         `json:"type"`
	Host    string         `json:"host"`
	Port    int            `json:"port"`
	Path    string         `json:"path"`
	Details monitorDetails `json:"details"`
}

type monitorDetails struct {
	RTSPTransport        string `json:"rtsp_transport"`
	SkipPing             bool   `json:"skip_ping"`
	FatalMax             int    `json:"fatal_max"`
	Detector             string `json:"detector"`
	DetectorRecordMethod string `json:"detector_record_method"`
	DetectorTrigger      string `json:"detector_trigger"`
	DetectorTimeout      int    `json:"detector_timeout"`
	RecordMethod         string `json:"record_method"`
	RecordingDir         string `json:"recording_dir"`
}

// Register mirrors cam to the catalog as a monitor.
func (c *Client) Register(ctx context.Context, cam recorder.CameraConfig) error {
	host, port, path := splitStreamURL(cam.StreamURL)

	cfg := monitorConfig{
		Name: cam.Name,
		Mode: "record",
		Type: "rtsp",
		Host: host,
		Port: port,
		Path: path,
		Details: monitorDetails{
			RTSPTransport:        "tcp",
			SkipPing:             true,
			FatalMax:             10,
			Detector:             "1",
			DetectorRecordMethod: "sip",
			DetectorTrigger:      "1",
			DetectorTimeout:      10,
			RecordMethod:         "all",
			RecordingDir:         fmt.Sprintf("./recordings/%s", cam.ID),
		},
	}
	if cfg.Name == "" {
		cfg.Name = string(cam.ID)
	}

	endpoint := fmt.Sprintf("/api/%s/configureMonitor/%s", c.groupKey, cam.ID)
	return c.call(ctx, http.MethodPost, endpoint, cfg)
}

// Deregister removes the camera's monitor from the catalog.
func (c *Client) Deregister(ctx context.Context, id recorder.CameraID) error {
	endpoint := fmt.Sprintf("/api/%s/configureMonitor/%s", c.groupKey, id)
	return c.call(ctx, http.MethodDelete, endpoint, nil)
}

// TriggerMotion asks the catalog to start its own event recording for the
// camera's monitor.
func (c *Client) TriggerMotion(ctx context.Context, id recorder.CameraID, reason string) error {
	endpoint := fmt.Sprintf("/api/%s/motion/%s", c.groupKey, id)
	body := map[string]any{
		"name":       "External Event",
		"reason":     reason,
		"confidence": 100,
	}
	return c.call(ctx, http.MethodPost, endpoint, body)
}

// call issues one authenticated request and checks the catalog's response
// envelope. Every response carries {"ok": bool}; ok=false is an error even on
// HTTP 200.
func (c *Client) call(ctx context.Context, method, endpoint string, body any) error {
	var payload *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	q := req.URL.Query()
	q.Set("key", c.apiKey)
	q.Set("group", c.groupKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog returned %s for %s %s", resp.Status, method, endpoint)
	}

	var envelope struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("catalog rejected %s %s: %s", method, endpoint, envelope.Msg)
	}

	c.log.Debug("catalog call ok", slog.String("method", method), slog.String("endpoint", endpoint))
	return nil
}

// splitStreamURL breaks an RTSP URL into the host/port/path triple the catalog
// stores. Unparseable URLs yield the raw string as host so the catalog entry
// is at least inspectable.
func splitStreamURL(raw string) (host string, port int, path string) {
	port = 554
	path = "/stream"

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw, port, path
	}

	host = u.Hostname()
	p := u.Port()
	if p == "" {
		p = defaultRTSPPort
	}
	if n, err := strconv.Atoi(p); err == nil {
		port = n
	}
	if u.Path != "" {
		path = u.Path
	}
	return host, port, path
}
