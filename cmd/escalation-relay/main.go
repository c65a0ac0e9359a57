// Package main provides the escalation relay service entry point. It
// consumes escalation events and fans WhatsApp alerts out to the
// on-call volunteers through the worker pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/gateway"
	"github.com/temansehat/careline/internal/infrastructure/redpanda"
	"github.com/temansehat/careline/pkg/circuitbreaker"
	"github.com/temansehat/careline/pkg/workerpool"
)

// escalationEvent mirrors the outbox payload written by the dispatch
// API.
type escalationEvent struct {
	NotificationID string  `json:"notification_id"`
	PatientID      string  `json:"patient_id"`
	Message        string  `json:"message"`
	Priority       string  `json:"priority"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
}

// alertTask is one volunteer alert queued on the pool.
type alertTask struct {
	phone string
	body  string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	volunteers := strings.Split(os.Getenv("VOLUNTEER_PHONES"), ",")
	volunteers = trimEmpty(volunteers)
	if len(volunteers) == 0 {
		logger.Fatal("VOLUNTEER_PHONES must list at least one number")
	}

	wagoCfg := gateway.DefaultProviderConfig()
	wagoCfg.BaseURL = getenv("WAGO_BASE_URL", "http://localhost:3000")
	wagoCfg.APIKey = os.Getenv("WAGO_API_KEY")
	kirimCfg := gateway.DefaultProviderConfig()
	kirimCfg.BaseURL = getenv("KIRIM_BASE_URL", "https://api.kirim.example.com")
	kirimCfg.APIKey = os.Getenv("KIRIM_API_KEY")

	gw, err := gateway.New([]gateway.Provider{
		gateway.NewWagoProvider(wagoCfg, logger),
		gateway.NewKirimProvider(kirimCfg, logger),
	}, circuitbreaker.NewManager(logger), logger)
	if err != nil {
		logger.Fatal("gateway setup failed", zap.Error(err))
	}

	pool, err := workerpool.New(workerpool.DefaultConfig(), func(ctx context.Context, task *workerpool.Task) error {
		alert := task.Payload.(alertTask)
		_, err := gw.Send(ctx, alert.phone, alert.body)
		return err
	}, logger)
	if err != nil {
		logger.Fatal("worker pool setup failed", zap.Error(err))
	}
	pool.Start()

	handler := func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var event escalationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Malformed events are committed, not retried; they can
			// never become parseable.
			logger.Error("undecodable escalation event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		body := alertBody(&event)
		for i, phone := range volunteers {
			task := &workerpool.Task{
				ID:      fmt.Sprintf("%s-%d", event.NotificationID, i),
				Payload: alertTask{phone: phone, body: body},
			}
			if err := pool.Submit(task); err != nil {
				return fmt.Errorf("queue volunteer alert: %w", err)
			}
		}

		logger.Info("escalation fanned out",
			zap.String("notification_id", event.NotificationID),
			zap.String("reason", event.Reason),
			zap.Int("volunteers", len(volunteers)))
		return nil
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.Topics = []string{redpanda.TopicEscalationEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, handler, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("escalation relay started",
		zap.Strings("brokers", brokers),
		zap.Int("volunteers", len(volunteers)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	pool.Stop()
	logger.Info("escalation relay stopped")
}

func alertBody(event *escalationEvent) string {
	label := "Perlu bantuan"
	if event.Priority == "high" {
		label = "DARURAT"
	}
	return fmt.Sprintf("[%s] Pasien %s butuh tindak lanjut (%s). Pesan: %q",
		label, event.PatientID, event.Reason, event.Message)
}

func trimEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
