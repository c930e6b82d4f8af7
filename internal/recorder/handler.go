package recorder

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the recorder HTTP endpoints using go-chi.
type Handler struct {
	sup  *Supervisor
	disp *Dispatcher
	log  *slog.Logger
}

// NewHandler returns a Handler routing triggers through disp and control
// operations through sup.
func NewHandler(sup *Supervisor, disp *Dispatcher, log *slog.Logger) *Handler {
	return &Handler{sup: sup, disp: disp, log: log}
}

// eventRequest is the JSON body accepted by the trigger endpoints. Timestamp
// is epoch seconds; zero means "now". EventType defaults to the route's type.
type eventRequest struct {
	CameraID  string         `json:"camera_id"`
	EventType string         `json:"event_type,omitempty"`
	Timestamp float64        `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TriggerEvent handles POST /api/events/motion and POST /api/events/alarm.
// Body: { "camera_id": "cam1", "timestamp": 1700000000.5, "metadata": {...} }.
func (h *Handler) TriggerEvent(defaultType EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.log.Debug("invalid event body", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		ev := Event{
			CameraID: CameraID(req.CameraID),
			Type:     defaultType,
			Metadata: req.Metadata,
		}
		if req.EventType != "" {
			ev.Type = EventType(req.EventType)
		}
		if req.Timestamp > 0 {
			ev.Timestamp = TimeFromEpoch(req.Timestamp)
		} else {
			ev.Timestamp = time.Now()
		}

		if err := h.disp.Dispatch(ev); err != nil {
			switch {
			case errors.Is(err, ErrInvalidEvent):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, ErrCameraNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			default:
				h.log.Error("event dispatch failed",
					slog.String("camera_id", req.CameraID),
					slog.String("error", err.Error()))
				writeError(w, http.StatusInternalServerError, "event dispatch failed")
			}
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":   true,
			"camera_id":  req.CameraID,
			"event_type": string(ev.Type),
		})
	}
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Status())
}

// AddCamera handles POST /api/cameras. Body: a CameraConfig JSON object.
func (h *Handler) AddCamera(w http.ResponseWriter, r *http.Request) {
	var cfg CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.log.Debug("invalid camera body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.sup.AddCamera(r.Context(), cfg); err != nil {
		switch {
		case errors.Is(err, ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrCameraExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("add camera failed",
				slog.String("camera_id", string(cfg.ID)),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "add camera failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"camera_id": string(cfg.ID)})
}

// RemoveCamera handles DELETE /api/cameras/{camera_id}.
func (h *Handler) RemoveCamera(w http.ResponseWriter, r *http.Request) {
	id := CameraID(chi.URLParam(r, "camera_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "camera id is required")
		return
	}

	if err := h.sup.RemoveCamera(r.Context(), id); err != nil {
		if errors.Is(err, ErrCameraNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error("remove camera failed",
			slog.String("camera_id", string(id)),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "remove camera failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
