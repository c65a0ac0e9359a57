// Package reminder provides the schedule store repository.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository persists occurrences, delivery logs, and confirmations.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// InsertOccurrences stores a batch of expanded occurrences in one
// transaction.
func (r *Repository) InsertOccurrences(ctx context.Context, occurrences []*Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO reminder_occurrences
		(id, patient_id, schedule_id, scheduled_time, occurrence_date, message, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, occ := range occurrences {
		if _, err := tx.Exec(ctx, query,
			occ.ID, occ.PatientID, occ.ScheduleID,
			occ.ScheduledTime, occ.Date, occ.Message, occ.Active,
		); err != nil {
			return fmt.Errorf("insert occurrence %s: %w", occ.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DueUndelivered returns active, non-deleted occurrences dated inside
// [from, to) that have no DELIVERED log yet. An existence sub-query is
// used instead of a join to avoid fan-out on multiple FAILED rows.
// Paging is keyset on the occurrence ID: the NOT EXISTS set shrinks as
// a cycle delivers rows, so an OFFSET cursor would slide over unsent
// candidates. Pass afterID = "" for the first page.
func (r *Repository) DueUndelivered(ctx context.Context, from, to time.Time, afterID string, limit int) ([]*Occurrence, error) {
	query := `
		SELECT o.id, o.patient_id, o.schedule_id, o.scheduled_time,
		       o.occurrence_date, o.message, o.active, o.created_at,
		       COALESCE(p.phone_number, '')
		FROM reminder_occurrences o
		LEFT JOIN patients p ON p.id = o.patient_id
		WHERE o.active = TRUE
		  AND o.deleted_at IS NULL
		  AND o.occurrence_date >= $1
		  AND o.occurrence_date < $2
		  AND o.id::text > $3
		  AND NOT EXISTS (
		      SELECT 1 FROM delivery_logs d
		      WHERE d.occurrence_id = o.id AND d.status = 'DELIVERED'
		  )
		ORDER BY o.id::text ASC
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, from, to, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query due occurrences: %w", err)
	}
	defer rows.Close()

	var occurrences []*Occurrence
	for rows.Next() {
		occ := &Occurrence{}
		err := rows.Scan(
			&occ.ID, &occ.PatientID, &occ.ScheduleID, &occ.ScheduledTime,
			&occ.Date, &occ.Message, &occ.Active, &occ.CreatedAt,
			&occ.PatientPhone,
		)
		if err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences, rows.Err()
}

// CountDueUndelivered returns the candidate count for the window,
// used by the dispatcher to decide whether to page.
func (r *Repository) CountDueUndelivered(ctx context.Context, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM reminder_occurrences o
		WHERE o.active = TRUE
		  AND o.deleted_at IS NULL
		  AND o.occurrence_date >= $1
		  AND o.occurrence_date < $2
		  AND NOT EXISTS (
		      SELECT 1 FROM delivery_logs d
		      WHERE d.occurrence_id = o.id AND d.status = 'DELIVERED'
		  )
	`
	var count int
	if err := r.pool.QueryRow(ctx, query, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("count due occurrences: %w", err)
	}
	return count, nil
}

// InsertDeliveryLog writes exactly one attempt row. The partial unique
// index on (occurrence_id) WHERE status = 'DELIVERED' rejects a second
// DELIVERED row from a racing cycle; that rejection is surfaced as
// ErrAlreadyDelivered.
func (r *Repository) InsertDeliveryLog(ctx context.Context, log *DeliveryLog) error {
	query := `
		INSERT INTO delivery_logs
		(id, occurrence_id, patient_id, sent_at, status, provider_message_id,
		 provider, message_text, phone_number, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		log.ID, log.OccurrenceID, log.PatientID, log.SentAt, log.Status,
		log.ProviderMessageID, log.Provider, log.MessageText,
		log.PhoneNumber, log.ErrorDetail,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyDelivered
		}
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// LatestDeliveredLog returns the most recent DELIVERED log for the
// patient since the given time, or ErrNotFound.
func (r *Repository) LatestDeliveredLog(ctx context.Context, patientID string, since time.Time) (*DeliveryLog, error) {
	query := `
		SELECT id, occurrence_id, patient_id, sent_at, status,
		       provider_message_id, provider, message_text, phone_number, error_detail
		FROM delivery_logs
		WHERE patient_id = $1 AND status = 'DELIVERED' AND sent_at >= $2
		ORDER BY sent_at DESC
		LIMIT 1
	`
	log := &DeliveryLog{}
	err := r.pool.QueryRow(ctx, query, patientID, since).Scan(
		&log.ID, &log.OccurrenceID, &log.PatientID, &log.SentAt, &log.Status,
		&log.ProviderMessageID, &log.Provider, &log.MessageText,
		&log.PhoneNumber, &log.ErrorDetail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest delivered log: %w", err)
	}
	return log, nil
}

// EnsureConfirmation returns the confirmation owning a delivery log,
// creating a PENDING one if none exists yet. Confirmations are created
// lazily when the first reply arrives.
func (r *Repository) EnsureConfirmation(ctx context.Context, deliveryLogID, patientID string) (*Confirmation, error) {
	insert := `
		INSERT INTO confirmations (id, delivery_log_id, patient_id, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (delivery_log_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insert, uuid.New().String(), deliveryLogID, patientID); err != nil {
		return nil, fmt.Errorf("ensure confirmation: %w", err)
	}

	query := `
		SELECT id, delivery_log_id, patient_id, status, response_text,
		       responded_at, resolved_by, created_at
		FROM confirmations
		WHERE delivery_log_id = $1
	`
	c := &Confirmation{}
	var responseText, resolvedBy *string
	err := r.pool.QueryRow(ctx, query, deliveryLogID).Scan(
		&c.ID, &c.DeliveryLogID, &c.PatientID, &c.Status,
		&responseText, &c.RespondedAt, &resolvedBy, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("load confirmation: %w", err)
	}
	if responseText != nil {
		c.ResponseText = *responseText
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	return c, nil
}

// GetConfirmation loads a confirmation by ID.
func (r *Repository) GetConfirmation(ctx context.Context, id string) (*Confirmation, error) {
	query := `
		SELECT id, delivery_log_id, patient_id, status, response_text,
		       responded_at, resolved_by, created_at
		FROM confirmations
		WHERE id = $1
	`
	c := &Confirmation{}
	var responseText, resolvedBy *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.DeliveryLogID, &c.PatientID, &c.Status,
		&responseText, &c.RespondedAt, &resolvedBy, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load confirmation: %w", err)
	}
	if responseText != nil {
		c.ResponseText = *responseText
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	return c, nil
}

// RecordReply stores the patient's reply text on an open confirmation
// without changing its status. Used when classification could not
// settle the reply: the confirmation stays PENDING for a volunteer or
// a manual override, but the text is preserved for them to read.
func (r *Repository) RecordReply(ctx context.Context, id, responseText string, at time.Time) error {
	query := `
		UPDATE confirmations
		SET response_text = $1, responded_at = $2
		WHERE id = $3 AND status = 'PENDING'
	`
	tag, err := r.pool.Exec(ctx, query, responseText, at, id)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetConfirmation(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

// ResolveConfirmation moves a confirmation to a terminal status. The
// conditional update only matches rows still open, so whichever path
// resolves first wins and the loser sees ErrAlreadyResolved.
func (r *Repository) ResolveConfirmation(ctx context.Context, id string, status ConfirmationStatus, responseText, resolvedBy string, at time.Time) error {
	query := `
		UPDATE confirmations
		SET status = $1, response_text = $2, resolved_by = $3, responded_at = $4
		WHERE id = $5 AND status IN ('PENDING', 'UNCLEAR')
	`
	tag, err := r.pool.Exec(ctx, query, status, responseText, resolvedBy, at, id)
	if err != nil {
		return fmt.Errorf("resolve confirmation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetConfirmation(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

// DeactivateSchedule soft-deletes every occurrence expanded from one
// rule.
func (r *Repository) DeactivateSchedule(ctx context.Context, scheduleID string) (int64, error) {
	query := `
		UPDATE reminder_occurrences
		SET active = FALSE, deleted_at = NOW()
		WHERE schedule_id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("deactivate schedule: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateOccurrence soft-deletes a single occurrence.
func (r *Repository) DeactivateOccurrence(ctx context.Context, id string) error {
	query := `
		UPDATE reminder_occurrences
		SET active = FALSE, deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
