package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ErmakovEv/pwa-test/internal/metrics"
	"github.com/ErmakovEv/pwa-test/internal/models"
	"github.com/ErmakovEv/pwa-test/internal/storage"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 100 << 10

// fieldMessages replaces a handler's generic validation message when the
// first failing field has a more specific one.
var fieldMessages = map[string]string{
	"VibrationPattern": "vibrationPattern entries must be non-negative numbers",
}

// Scheduler accepts deferred pushes.
type Scheduler interface {
	Schedule(ctx context.Context, userID string, fireAt time.Time, content models.Content) (models.JobHandle, error)
	Cancel(ctx context.Context, jobID string) bool
}

type NotifyHandler struct {
	registry  storage.Registry
	scheduler Scheduler
	metrics   *metrics.Metrics
	publicKey string
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewNotifyHandler(registry storage.Registry, scheduler Scheduler, m *metrics.Metrics, publicKey string, logger zerolog.Logger) *NotifyHandler {
	return &NotifyHandler{
		registry:  registry,
		scheduler: scheduler,
		metrics:   m,
		publicKey: publicKey,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

func (h *NotifyHandler) VapidPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.PublicKeyResponse{PublicKey: h.publicKey})
}

func (h *NotifyHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscribeRequest
	if !h.decode(w, r, &req, "userId and subscription required") {
		return
	}

	res, err := h.registry.Upsert(r.Context(), req.UserID, *req.Subscription)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidUser) || errors.Is(err, storage.ErrInvalidEndpoint) {
			writeError(w, http.StatusBadRequest, "userId and subscription required")
			return
		}
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to store subscription")
		writeError(w, http.StatusInternalServerError, "Failed to store subscription")
		return
	}

	if res.Created {
		h.logger.Info().Str("user_id", req.UserID).Int("total", res.Total).Msg("new subscription")
	} else {
		h.logger.Info().Str("user_id", req.UserID).Int("index", res.Index).Msg("subscription updated")
	}
	if h.metrics != nil {
		h.metrics.Subscribed(res.Created)
	}

	writeJSON(w, http.StatusCreated, models.OKResponse{OK: true})
}

func (h *NotifyHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req models.ScheduleRequest
	if !h.decode(w, r, &req, "userId and sendAt required") {
		return
	}

	content := models.Content{
		Title:            req.Title,
		Body:             req.Body,
		VibrationPattern: req.VibrationPattern,
	}

	handle, err := h.scheduler.Schedule(r.Context(), req.UserID, time.UnixMilli(req.SendAt), content)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to schedule push")
		writeError(w, http.StatusServiceUnavailable, "Failed to schedule push")
		return
	}

	writeJSON(w, http.StatusCreated, models.ScheduleResponse{
		OK:            true,
		ScheduledInMs: handle.Delay.Milliseconds(),
		JobID:         handle.ID,
	})
}

func (h *NotifyHandler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ID is required")
		return
	}

	if !h.scheduler.Cancel(r.Context(), id) {
		writeError(w, http.StatusNotFound, "Scheduled push not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *NotifyHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *NotifyHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	var stats metrics.Stats
	if h.metrics != nil {
		stats = h.metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *NotifyHandler) APINotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "API route not found!")
}

// decode reads a size-limited JSON body into dst and validates it. It writes
// the error response itself and reports whether the handler may continue.
func (h *NotifyHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, invalidMsg string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
		writeError(w, http.StatusBadRequest, validationMessage(err, invalidMsg))
		return false
	}
	return true
}

func validationMessage(err error, fallback string) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fallback
	}
	// Dive errors name the element, e.g. VibrationPattern[1].
	field, _, _ := strings.Cut(verrs[0].StructField(), "[")
	if msg, ok := fieldMessages[field]; ok {
		return msg
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
