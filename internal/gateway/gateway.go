// Package gateway abstracts outbound WhatsApp providers behind a single
// send contract with ordered failover.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/temansehat/careline/pkg/circuitbreaker"
)

// SendResult is the outcome of a successful send.
type SendResult struct {
	ProviderMessageID string
	Provider          string
}

// Provider is one outbound messaging backend. The destination passed to
// Send is already normalized to digits-only with country code.
type Provider interface {
	Name() string
	Send(ctx context.Context, to, body string) (*SendResult, error)
}

// Sender is the contract callers depend on.
type Sender interface {
	Send(ctx context.Context, to, body string) (*SendResult, error)
}

// ErrNoProvider indicates the gateway has no backend able to take the
// message.
var ErrNoProvider = errors.New("no messaging provider available")

// Gateway tries each configured provider in order until one accepts the
// message. Each provider sits behind its own circuit breaker so a dead
// primary is skipped quickly instead of timing out per message.
type Gateway struct {
	providers []Provider
	breakers  *circuitbreaker.Manager
	logger    *zap.Logger
}

// New creates a gateway over an ordered provider list, primary first.
func New(providers []Provider, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		providers: providers,
		breakers:  breakers,
		logger:    logger,
	}, nil
}

// Send normalizes the destination and walks the provider list. A
// provider whose circuit is open is skipped without an attempt.
func (g *Gateway) Send(ctx context.Context, to, body string) (*SendResult, error) {
	msisdn, err := NormalizeMSISDN(to)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	var lastErr error
	for _, provider := range g.providers {
		result, err := g.sendVia(ctx, provider, msisdn, body)
		if err == nil {
			return result, nil
		}

		lastErr = err
		g.logger.Warn("provider send failed, trying next",
			zap.String("provider", provider.Name()),
			zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// SendVia pins the message to a named provider, bypassing failover.
// Used for redundancy checks against the backup path.
func (g *Gateway) SendVia(ctx context.Context, providerName, to, body string) (*SendResult, error) {
	msisdn, err := NormalizeMSISDN(to)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	for _, provider := range g.providers {
		if provider.Name() == providerName {
			return g.sendVia(ctx, provider, msisdn, body)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, providerName)
}

func (g *Gateway) sendVia(ctx context.Context, provider Provider, msisdn, body string) (*SendResult, error) {
	if g.breakers == nil {
		return provider.Send(ctx, msisdn, body)
	}

	cb, err := g.breakers.GetOrCreate(provider.Name(), circuitbreaker.DefaultConfig(provider.Name()))
	if err != nil {
		return nil, err
	}

	result, err := cb.Execute(ctx, func() (interface{}, error) {
		return provider.Send(ctx, msisdn, body)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SendResult), nil
}
