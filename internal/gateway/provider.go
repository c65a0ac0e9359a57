package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ProviderConfig holds the settings shared by the HTTP providers.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultProviderConfig returns defaults suitable for a WhatsApp HTTP
// API.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 10 * time.Second,
	}
}

// WagoProvider is the primary WhatsApp backend. It speaks the
// `POST /send {to, body} -> {id, status}` API with bearer auth.
type WagoProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewWagoProvider creates the primary provider.
func NewWagoProvider(cfg ProviderConfig, logger *zap.Logger) *WagoProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderConfig().Timeout
	}
	return &WagoProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Name implements Provider.
func (p *WagoProvider) Name() string { return "wago" }

// Send implements Provider.
func (p *WagoProvider) Send(ctx context.Context, to, body string) (*SendResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"to":   to,
		"body": body,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wago send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("wago send returned %d: %s", resp.StatusCode, string(detail))
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode wago response: %w", err)
	}
	if out.Status == "failed" {
		return nil, fmt.Errorf("wago rejected message %s", out.ID)
	}

	return &SendResult{ProviderMessageID: out.ID, Provider: p.Name()}, nil
}

// KirimProvider is the backup WhatsApp backend, kept warm for when the
// primary is down and for redundancy tests. It uses an
// `{phone, message}` payload with an API-key header.
type KirimProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewKirimProvider creates the backup provider.
func NewKirimProvider(cfg ProviderConfig, logger *zap.Logger) *KirimProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderConfig().Timeout
	}
	return &KirimProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Name implements Provider.
func (p *KirimProvider) Name() string { return "kirim" }

// Send implements Provider.
func (p *KirimProvider) Send(ctx context.Context, to, body string) (*SendResult, error) {
	payload, _ := json.Marshal(map[string]string{
		"phone":   to,
		"message": body,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kirim send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kirim send returned %d: %s", resp.StatusCode, string(detail))
	}

	var out struct {
		Status    string `json:"status"`
		Phone     string `json:"phone"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode kirim response: %w", err)
	}
	if out.Status != "sent" && out.Status != "queued" {
		return nil, fmt.Errorf("kirim rejected message: status %s", out.Status)
	}

	return &SendResult{ProviderMessageID: out.MessageID, Provider: p.Name()}, nil
}
