// Package handlers provides HTTP handlers for the dispatch API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/api/middleware"
	"github.com/temansehat/careline/internal/dispatch"
)

// CycleRunner runs one dispatch cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, nowUTC time.Time) (*dispatch.CycleSummary, error)
}

// DispatchHandler exposes the cron-facing dispatch trigger.
type DispatchHandler struct {
	runner CycleRunner
	logger *zap.Logger
}

// NewDispatchHandler creates a new handler.
func NewDispatchHandler(runner CycleRunner, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{runner: runner, logger: logger}
}

// Routes returns the handler routes. Both verbs trigger a cycle so the
// endpoint works from plain cron and from scheduler services that only
// do GET health-style pings.
func (h *DispatchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/run", h.Run)
	r.Get("/run", h.Run)
	return r
}

// RunResponse is the cycle report returned to the caller.
type RunResponse struct {
	*dispatch.CycleSummary
	DurationMs int64 `json:"durationMs"`
}

// Run handles the dispatch trigger.
func (h *DispatchHandler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("dispatch-handler")
	ctx, span := tracer.Start(ctx, "trigger_dispatch")
	defer span.End()

	summary, err := h.runner.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("dispatch cycle failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		jsonError(w, "dispatch cycle failed", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(
		attribute.Int("sent", summary.Sent),
		attribute.Int("failed", summary.Failed),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RunResponse{
		CycleSummary: summary,
		DurationMs:   summary.Duration.Milliseconds(),
	})
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
