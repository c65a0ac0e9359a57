package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/api/middleware"
	"github.com/temansehat/careline/internal/confirm"
	"github.com/temansehat/careline/internal/observability/metrics"
)

// ReplyProcessor handles one inbound patient message.
type ReplyProcessor interface {
	ProcessReply(ctx context.Context, phone, message string) (*confirm.Outcome, error)
}

// WebhookHandler receives inbound messages from the WhatsApp provider.
type WebhookHandler struct {
	processor ReplyProcessor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewWebhookHandler creates a new handler. m may be nil.
func NewWebhookHandler(processor ReplyProcessor, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, metrics: m, logger: logger}
}

// Routes returns the handler routes.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Receive)
	return r
}

// inboundMessage tolerates both provider payload shapes: the primary
// sends {"from","body"}, the backup sends {"phone","message"}.
type inboundMessage struct {
	From    string `json:"from"`
	Phone   string `json:"phone"`
	Body    string `json:"body"`
	Message string `json:"message"`
}

func (m *inboundMessage) sender() string {
	if m.From != "" {
		return m.From
	}
	return m.Phone
}

func (m *inboundMessage) text() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Message
}

// Receive handles the provider callback. It always answers 200 once the
// payload parses: a non-2xx makes the provider retry, and replay of an
// already-processed reply only produces duplicate dispositions.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.metrics != nil {
		h.metrics.WebhooksReceived.Inc()
	}

	var msg inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		jsonError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if msg.sender() == "" || msg.text() == "" {
		jsonError(w, "sender and message are required", http.StatusBadRequest)
		return
	}

	outcome, err := h.processor.ProcessReply(ctx, msg.sender(), msg.text())
	if err != nil {
		// Still 200: the message is acknowledged, the failure is ours to
		// log and fix. The patient must not see provider-side retries.
		h.logger.Error("inbound reply processing failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
		return
	}

	h.logger.Info("inbound reply processed",
		zap.String("disposition", string(outcome.Disposition)),
		zap.String("patient_id", outcome.PatientID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}
