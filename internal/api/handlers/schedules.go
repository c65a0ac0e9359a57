package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/domain/reminder"
)

// ScheduleHandler manages reminder schedules for caregivers.
type ScheduleHandler struct {
	repo   *reminder.Repository
	logger *zap.Logger
}

// NewScheduleHandler creates a new handler.
func NewScheduleHandler(repo *reminder.Repository, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{repo: repo, logger: logger}
}

// Routes returns the handler routes.
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Delete("/{id}", h.Deactivate)
	r.Delete("/occurrences/{id}", h.DeactivateOccurrence)
	return r
}

// CreateScheduleRequest is the request body for creating a schedule.
type CreateScheduleRequest struct {
	PatientID     string `json:"patientId"`
	ScheduledTime string `json:"scheduledTime"` // "HH:MM" WIB wall clock
	StartDate     string `json:"startDate"`     // "2006-01-02"
	Frequency     string `json:"frequency"`
	Count         int    `json:"count"`
	Message       string `json:"message"`
}

// CreateScheduleResponse reports the expanded schedule.
type CreateScheduleResponse struct {
	ScheduleID  string    `json:"scheduleId"`
	Occurrences int       `json:"occurrences"`
	FirstDate   time.Time `json:"firstDate"`
	LastDate    time.Time `json:"lastDate"`
}

// Create handles POST /schedules. The rule is expanded into concrete
// occurrences up front; the dispatcher never evaluates recurrence.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		jsonError(w, "startDate must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	rule := &reminder.Rule{
		PatientID:     req.PatientID,
		ScheduledTime: req.ScheduledTime,
		StartDate:     startDate,
		Frequency:     reminder.Frequency(req.Frequency),
		Count:         req.Count,
		Message:       req.Message,
	}

	occurrences, err := rule.Expand()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.repo.InsertOccurrences(ctx, occurrences); err != nil {
		h.logger.Error("schedule insert failed", zap.Error(err))
		jsonError(w, "failed to create schedule", http.StatusInternalServerError)
		return
	}

	h.logger.Info("schedule created",
		zap.String("schedule_id", occurrences[0].ScheduleID),
		zap.String("patient_id", req.PatientID),
		zap.Int("occurrences", len(occurrences)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateScheduleResponse{
		ScheduleID:  occurrences[0].ScheduleID,
		Occurrences: len(occurrences),
		FirstDate:   occurrences[0].Date,
		LastDate:    occurrences[len(occurrences)-1].Date,
	})
}

// Deactivate handles DELETE /schedules/{id}. Soft delete: history and
// delivery logs survive.
func (h *ScheduleHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	affected, err := h.repo.DeactivateSchedule(ctx, id)
	if err != nil {
		h.logger.Error("schedule deactivation failed", zap.Error(err))
		jsonError(w, "failed to deactivate schedule", http.StatusInternalServerError)
		return
	}
	if affected == 0 {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"scheduleId":  id,
		"deactivated": affected,
	})
}

// DeactivateOccurrence handles DELETE /schedules/occurrences/{id}.
func (h *ScheduleHandler) DeactivateOccurrence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.repo.DeactivateOccurrence(ctx, id); err != nil {
		if errors.Is(err, reminder.ErrNotFound) {
			jsonError(w, "occurrence not found", http.StatusNotFound)
			return
		}
		h.logger.Error("occurrence deactivation failed", zap.Error(err))
		jsonError(w, "failed to deactivate occurrence", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
