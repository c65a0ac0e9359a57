package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/infrastructure/postgres"
	"github.com/temansehat/careline/internal/infrastructure/redpanda"
)

// ErrNotFound indicates the notification does not exist.
var ErrNotFound = errors.New("volunteer notification not found")

// Repository persists volunteer notifications. Creation writes the
// notification and its outbox entry in one transaction so the Kafka
// event cannot be lost between the two.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates an escalation repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Create stores a pending notification and enqueues its event.
func (r *Repository) Create(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	n.CreatedAt = time.Now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO volunteer_notifications
		(id, patient_id, message, priority, escalation_reason, status, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, insert,
		n.ID, n.PatientID, n.Message, n.Priority, n.Reason, n.Status, n.Confidence,
	); err != nil {
		return fmt.Errorf("insert volunteer notification: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"notification_id": n.ID,
		"patient_id":      n.PatientID,
		"message":         n.Message,
		"priority":        n.Priority,
		"reason":          n.Reason,
		"confidence":      n.Confidence,
		"created_at":      n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode escalation event: %w", err)
	}

	entry := &postgres.OutboxEntry{
		NotificationID: n.ID,
		EventType:      "escalation.created",
		Payload:        payload,
		Topic:          redpanda.TopicEscalationEvents,
		Key:            n.PatientID,
	}
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("volunteer notification created",
		zap.String("notification_id", n.ID),
		zap.String("patient_id", n.PatientID),
		zap.String("reason", string(n.Reason)))
	return nil
}

// Get loads a notification by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Notification, error) {
	query := `
		SELECT id, patient_id, message, priority, escalation_reason,
		       status, confidence, COALESCE(response, ''), created_at, updated_at
		FROM volunteer_notifications
		WHERE id = $1
	`
	n := &Notification{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.PatientID, &n.Message, &n.Priority, &n.Reason,
		&n.Status, &n.Confidence, &n.Response, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load volunteer notification: %w", err)
	}
	return n, nil
}

// MarkAssigned moves a pending notification to assigned.
func (r *Repository) MarkAssigned(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusAssigned, "", StatusPending)
}

// MarkResponded records the volunteer's response.
func (r *Repository) MarkResponded(ctx context.Context, id, response string) error {
	return r.setStatus(ctx, id, StatusResponded, response, StatusAssigned, StatusPending)
}

// MarkResolved closes the notification.
func (r *Repository) MarkResolved(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusResolved, "", StatusResponded, StatusAssigned, StatusPending)
}

func (r *Repository) setStatus(ctx context.Context, id string, to Status, response string, from ...Status) error {
	query := `
		UPDATE volunteer_notifications
		SET status = $1,
		    response = CASE WHEN $2 <> '' THEN $2 ELSE response END,
		    updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, query, to, response, id, states)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
