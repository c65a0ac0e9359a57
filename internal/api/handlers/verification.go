package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/domain/conversation"
	"github.com/temansehat/careline/internal/domain/patient"
	"github.com/temansehat/careline/internal/observability/metrics"
)

// VerificationHandler starts onboarding flows and drives the nudge
// sweep.
type VerificationHandler struct {
	patients *patient.Repository
	engine   *conversation.Engine
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewVerificationHandler creates a new handler. m may be nil.
func NewVerificationHandler(patients *patient.Repository, engine *conversation.Engine, m *metrics.Metrics, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{patients: patients, engine: engine, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *VerificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/start", h.Start)
	r.Post("/nudge", h.Nudge)
	return r
}

// StartRequest is the request body for starting verification.
type StartRequest struct {
	Phone string `json:"phone"`
}

// Start handles POST /verification/start: it opens the multi-step
// onboarding flow for the patient owning the phone number.
func (h *VerificationHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Phone == "" {
		jsonError(w, "phone is required", http.StatusBadRequest)
		return
	}

	p, err := h.patients.ByPhone(ctx, req.Phone)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			jsonError(w, "no patient registered for this number", http.StatusNotFound)
			return
		}
		h.logger.Error("patient lookup failed", zap.Error(err))
		jsonError(w, "failed to resolve patient", http.StatusInternalServerError)
		return
	}
	if p.Verified {
		jsonError(w, "patient is already verified", http.StatusConflict)
		return
	}

	state, err := h.engine.Start(ctx, p.ID, p.PhoneNumber)
	if err != nil {
		h.logger.Error("verification start failed", zap.Error(err))
		jsonError(w, "failed to start verification", http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.VerificationsStarted.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stateId":   state.ID,
		"patientId": p.ID,
		"expiresAt": state.ExpiresAt,
	})
}

// Nudge handles POST /verification/nudge: the cron-facing sweep that
// re-prompts flows stuck past their step timeout and expires dead ones.
func (h *VerificationHandler) Nudge(w http.ResponseWriter, r *http.Request) {
	nudged, err := h.engine.NudgeStale(r.Context())
	if err != nil {
		h.logger.Error("nudge sweep failed", zap.Error(err))
		jsonError(w, "nudge sweep failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"nudged": nudged})
}
