package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SourceFactory builds the packet source for a camera. Injected so tests and
// alternative transports can replace the RTSP dialer.
type SourceFactory func(cfg CameraConfig) PacketSource

// Catalog is the external recording-catalog service cameras are registered
// with. Calls are best-effort: failures are logged and never block local
// recording. A nil Catalog disables registration.
type Catalog interface {
	Register(ctx context.Context, cam CameraConfig) error
	Deregister(ctx context.Context, id CameraID) error
}

// Supervisor owns the camera registry: one live pipeline per configured
// camera. Structural changes (add/remove) take the write lock; status reads
// take snapshots. Pipelines are fully independent; a failing camera never
// affects the others.
type Supervisor struct {
	newSource SourceFactory
	store     RecordingStore
	catalog   Catalog
	pc        PipelineConfig
	log       *slog.Logger

	mu        sync.RWMutex
	pipelines map[CameraID]*CameraPipeline
	stopped   bool
}

// NewSupervisor returns a supervisor creating pipelines with pc for every
// added camera. catalog may be nil.
func NewSupervisor(newSource SourceFactory, store RecordingStore, catalog Catalog, pc PipelineConfig, log *slog.Logger) *Supervisor {
	return &Supervisor{
		newSource: newSource,
		store:     store,
		catalog:   catalog,
		pc:        pc,
		log:       log,
		pipelines: make(map[CameraID]*CameraPipeline),
	}
}

// AddCamera creates and starts a pipeline for cfg. It fails with
// ErrCameraExists if the id is already registered. The catalog registration
// is best-effort and never blocks recording.
func (s *Supervisor) AddCamera(ctx context.Context, cfg CameraConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: camera id is required", ErrInvalidConfig)
	}

	pipe := newCameraPipeline(cfg, s.newSource(cfg), s.store, s.pc, s.log)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor stopped")
	}
	if _, exists := s.pipelines[cfg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraExists, cfg.ID)
	}
	s.pipelines[cfg.ID] = pipe
	s.mu.Unlock()

	pipe.Start()
	s.log.Info("camera added", slog.String("camera_id", string(cfg.ID)), slog.String("name", cfg.Name))

	if s.catalog != nil {
		if err := s.catalog.Register(ctx, cfg); err != nil {
			s.log.Warn("catalog registration failed",
				slog.String("camera_id", string(cfg.ID)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// RemoveCamera stops and tears down the camera's pipeline, finalizing any
// in-progress segment or event recording.
func (s *Supervisor) RemoveCamera(ctx context.Context, id CameraID) error {
	s.mu.Lock()
	pipe, ok := s.pipelines[id]
	if ok {
		delete(s.pipelines, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	pipe.Stop()
	s.log.Info("camera removed", slog.String("camera_id", string(id)))

	if s.catalog != nil {
		if err := s.catalog.Deregister(ctx, id); err != nil {
			s.log.Warn("catalog deregistration failed",
				slog.String("camera_id", string(id)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Status returns the aggregate and per-camera view. Reads do not block
// pipeline progress; per-camera fields are lock-free snapshots.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	pipes := make([]*CameraPipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipes = append(pipes, p)
	}
	running := !s.stopped
	s.mu.RUnlock()

	st := Status{
		Running:   running,
		Cameras:   len(pipes),
		CameraIDs: make([]string, 0, len(pipes)),
		Details:   make(map[CameraID]CameraStatus, len(pipes)),
	}
	for _, p := range pipes {
		cs := p.StatusSnapshot()
		st.CameraIDs = append(st.CameraIDs, string(cs.CameraID))
		st.Details[cs.CameraID] = cs
	}
	sort.Strings(st.CameraIDs)
	return st
}

// ConnectedCount returns how many pipelines currently hold a live stream
// connection. Used for metrics gauges.
func (s *Supervisor) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.pipelines {
		if p.ingestor.Connected() {
			n++
		}
	}
	return n
}

// DroppedPackets returns the total packets dropped across live pipelines.
// Counts from removed cameras are not included.
func (s *Supervisor) DroppedPackets() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n uint64
	for _, p := range s.pipelines {
		n += p.fan.Dropped()
	}
	return n
}

// CameraCount returns the number of registered pipelines.
func (s *Supervisor) CameraCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pipelines)
}

// Stop tears down all pipelines and rejects further additions.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	pipes := make([]*CameraPipeline, 0, len(s.pipelines))
	for id, p := range s.pipelines {
		pipes = append(pipes, p)
		delete(s.pipelines, id)
	}
	s.mu.Unlock()

	for _, p := range pipes {
		p.Stop()
	}
	s.log.Info("all camera pipelines stopped")
}

// pipeline looks up the live pipeline for id.
func (s *Supervisor) pipeline(id CameraID) (*CameraPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pipe, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	return pipe, nil
}
