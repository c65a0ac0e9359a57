// Package classify wraps the external intent classification service.
// The model behind it is opaque; this client only cares about the
// intent label and confidence it returns.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Intent is the label assigned to an inbound message.
type Intent string

const (
	IntentConfirmed Intent = "confirmed"
	IntentMissed    Intent = "missed"
	IntentUnknown   Intent = "unknown"
)

// Result is a classification outcome.
type Result struct {
	Intent     Intent
	Confidence float64
	Emergency  bool
}

// PatientContext is the minimal context sent alongside the message.
type PatientContext struct {
	PatientID    string `json:"patient_id"`
	LastReminder string `json:"last_reminder,omitempty"`
}

// Classifier labels inbound replies. Implementations must degrade to
// an unknown result instead of propagating transport errors.
type Classifier interface {
	Classify(ctx context.Context, message string, pctx PatientContext) *Result
}

// ClientConfig holds settings for the HTTP classifier client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultClientConfig returns defaults for the classifier client.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: 8 * time.Second,
	}
}

// Client calls the classifier over HTTP.
type Client struct {
	config ClientConfig
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a classifier client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Classify implements Classifier. Any failure — transport, non-2xx,
// malformed body — produces an unknown result with zero confidence so
// the caller escalates to a human rather than erroring out.
func (c *Client) Classify(ctx context.Context, message string, pctx PatientContext) *Result {
	unknown := &Result{Intent: IntentUnknown, Confidence: 0}

	payload, _ := json.Marshal(struct {
		Message string         `json:"message"`
		Context PatientContext `json:"context"`
	}{Message: message, Context: pctx})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		c.logger.Error("classifier request build failed", zap.Error(err))
		return unknown
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("classifier unreachable, degrading to unclear", zap.Error(err))
		return unknown
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Warn("classifier returned error, degrading to unclear",
			zap.Int("status", resp.StatusCode),
			zap.String("detail", string(detail)))
		return unknown
	}

	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Emergency  bool    `json:"emergency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Warn("classifier response malformed, degrading to unclear", zap.Error(err))
		return unknown
	}

	return &Result{
		Intent:     parseIntent(out.Intent),
		Confidence: out.Confidence,
		Emergency:  out.Emergency,
	}
}

func parseIntent(s string) Intent {
	switch Intent(s) {
	case IntentConfirmed, IntentMissed:
		return Intent(s)
	default:
		return IntentUnknown
	}
}

var _ Classifier = (*Client)(nil)
