package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"camera-server/internal/catalog"
	"camera-server/internal/platform/config"
	"camera-server/internal/platform/logger"
	"camera-server/internal/platform/metrics"
	"camera-server/internal/recorder"
	"camera-server/internal/source"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	recordingDir := config.GetEnv("RECORDING_DIR", "./recordings")
	camerasFile := config.GetEnv("CAMERAS_FILE", "")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	pc := recorder.PipelineConfig{
		PreEventWindow:    config.GetEnvDuration("PRE_EVENT_WINDOW", recorder.DefaultPreEventWindow),
		PostEventDuration: config.GetEnvDuration("POST_EVENT_DURATION", recorder.DefaultPostEventDuration),
		SegmentDuration:   config.GetEnvDuration("SEGMENT_DURATION", recorder.DefaultSegmentDuration),
		BufferMaxBytes:    config.GetEnvInt64("BUFFER_MAX_BYTES", recorder.DefaultBufferMaxBytes),
		BufferMaxPackets:  config.GetEnvInt("BUFFER_MAX_PACKETS", recorder.DefaultBufferMaxPackets),
		QueueSize:         config.GetEnvInt("QUEUE_SIZE", recorder.DefaultQueueSize),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	pc.OnPacket = func() { met.AddPacketsIngested(1) }
	pc.OnSegmentFinalized = func(recorder.SegmentMetadata) { met.IncSegmentsFinalized() }
	pc.OnEventClosed = func(recorder.EventMetadata) { met.IncEventRecordings() }

	store := recorder.NewFileStore(recordingDir)

	// The catalog is optional: without a configured URL, cameras are recorded
	// locally only.
	var cat recorder.Catalog
	var notifier recorder.Notifier
	if shinobiURL := config.GetEnv("SHINOBI_URL", ""); shinobiURL != "" {
		client := catalog.NewClient(
			shinobiURL,
			config.GetEnv("SHINOBI_API_KEY", ""),
			config.GetEnv("SHINOBI_GROUP_KEY", ""),
			log,
		)
		cat = client
		notifier = client
		log.Info("recording catalog enabled", "url", shinobiURL)
	}

	newSource := func(cfg recorder.CameraConfig) recorder.PacketSource {
		return source.NewRTSP(cfg)
	}

	sup := recorder.NewSupervisor(newSource, store, cat, pc, log)
	disp := recorder.NewDispatcher(sup, notifier, log)
	disp.OnDispatched = met.IncEventsDispatched
	disp.OnDuplicate = met.IncDuplicateEvents
	h := recorder.NewHandler(sup, disp, log)

	if camerasFile != "" {
		if err := loadCameras(camerasFile, sup, log); err != nil {
			log.Error("failed to load cameras file", "path", camerasFile, "error", err)
			os.Exit(1)
		}
	}

	var lastDropped atomic.Uint64
	updateGauges := func() {
		met.SetActiveCameras(sup.CameraCount())
		met.SetConnectedCameras(sup.ConnectedCount())
		cur := sup.DroppedPackets()
		if prev := lastDropped.Swap(cur); cur > prev {
			met.AddPacketsDropped(int(cur - prev))
		}
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(updateGauges).ServeHTTP(w, r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/events/motion", h.TriggerEvent(recorder.EventMotion))
		r.Post("/events/alarm", h.TriggerEvent(recorder.EventAlarm))
		r.Get("/status", h.GetStatus)
		r.Post("/cameras", h.AddCamera)
		r.Delete("/cameras/{camera_id}", h.RemoveCamera)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"recording_dir", recordingDir,
		"cameras", sup.CameraCount(),
		"pre_event_window", pc.PreEventWindow.String(),
		"post_event_duration", pc.PostEventDuration.String(),
		"segment_duration", pc.SegmentDuration.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	// Pipelines stop after the HTTP surface so no trigger arrives mid-teardown.
	// In-progress segments and event recordings are finalized, not discarded.
	sup.Stop()

	log.Info("server stopped")
}

// loadCameras reads a JSON array of camera configs and registers each one.
// A camera that fails to register is logged and skipped so one bad entry
// does not keep the rest of the fleet from recording.
func loadCameras(path string, sup *recorder.Supervisor, log *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cams []recorder.CameraConfig
	if err := json.Unmarshal(data, &cams); err != nil {
		return err
	}

	for _, cam := range cams {
		if err := sup.AddCamera(context.Background(), cam); err != nil {
			log.Warn("skipping camera from config file", "camera_id", string(cam.ID), "error", err)
			continue
		}
	}
	log.Info("cameras loaded", "path", path, "count", len(cams))
	return nil
}
