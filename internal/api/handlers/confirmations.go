package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/domain/reminder"
)

// Overrider applies a caregiver's manual confirmation decision.
type Overrider interface {
	ManualOverride(ctx context.Context, confirmationID string, status reminder.ConfirmationStatus, note, caregiverID string) error
}

// ConfirmationHandler exposes confirmation lookup and manual override.
type ConfirmationHandler struct {
	repo      *reminder.Repository
	overrider Overrider
	logger    *zap.Logger
}

// NewConfirmationHandler creates a new handler.
func NewConfirmationHandler(repo *reminder.Repository, overrider Overrider, logger *zap.Logger) *ConfirmationHandler {
	return &ConfirmationHandler{repo: repo, overrider: overrider, logger: logger}
}

// Routes returns the handler routes.
func (h *ConfirmationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Post("/{id}/override", h.Override)
	return r
}

// Get handles GET /confirmations/{id}.
func (h *ConfirmationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	c, err := h.repo.GetConfirmation(ctx, id)
	if err != nil {
		if errors.Is(err, reminder.ErrNotFound) {
			jsonError(w, "confirmation not found", http.StatusNotFound)
			return
		}
		h.logger.Error("confirmation load failed", zap.Error(err))
		jsonError(w, "failed to load confirmation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":            c.ID,
		"deliveryLogId": c.DeliveryLogID,
		"patientId":     c.PatientID,
		"status":        c.Status,
		"responseText":  c.ResponseText,
		"respondedAt":   c.RespondedAt,
		"resolvedBy":    c.ResolvedBy,
	})
}

// OverrideRequest is the request body for a manual override.
type OverrideRequest struct {
	Status      string `json:"status"`
	Note        string `json:"note"`
	CaregiverID string `json:"caregiverId"`
}

// Override handles POST /confirmations/{id}/override. A confirmation
// another path already settled comes back as a conflict so the
// caregiver UI can refresh instead of silently losing the write.
func (h *ConfirmationHandler) Override(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.overrider.ManualOverride(ctx, id, reminder.ConfirmationStatus(req.Status), req.Note, req.CaregiverID)
	if err != nil {
		switch {
		case errors.Is(err, reminder.ErrNotFound):
			jsonError(w, "confirmation not found", http.StatusNotFound)
		case errors.Is(err, reminder.ErrAlreadyResolved):
			jsonError(w, "confirmation already resolved", http.StatusConflict)
		default:
			jsonError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": req.Status,
	})
}
