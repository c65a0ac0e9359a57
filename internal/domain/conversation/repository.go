package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository persists conversation states in Postgres.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a conversation state repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ActiveByPhone loads the live conversation for a sender, if any.
// An expired row is still returned; expiry handling belongs to the
// engine so it can deactivate and report in one place.
func (r *Repository) ActiveByPhone(ctx context.Context, phone string) (*State, error) {
	query := `
		SELECT id, patient_id, phone_number, context, state_data,
		       active, expires_at, created_at, updated_at
		FROM conversation_states
		WHERE phone_number = $1 AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`
	state := &State{}
	err := r.pool.QueryRow(ctx, query, phone).Scan(
		&state.ID, &state.PatientID, &state.PhoneNumber, &state.Context,
		&state.StateData, &state.Active, &state.ExpiresAt,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveState
		}
		return nil, fmt.Errorf("load conversation state: %w", err)
	}
	return state, nil
}

// Upsert writes the state, replacing any previous row with the same ID.
func (r *Repository) Upsert(ctx context.Context, state *State) error {
	query := `
		INSERT INTO conversation_states
		(id, patient_id, phone_number, context, state_data, active, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET state_data = $5, active = $6, expires_at = $7, updated_at = $9
	`
	_, err := r.pool.Exec(ctx, query,
		state.ID, state.PatientID, state.PhoneNumber, state.Context,
		state.StateData, state.Active, state.ExpiresAt,
		state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation state: %w", err)
	}
	return nil
}

// Deactivate closes a conversation. Completion, expiry, and STOP all
// land here.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE conversation_states
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1 AND active = TRUE
	`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate conversation state: %w", err)
	}
	return nil
}

// ListStale returns active states not updated since the given time,
// candidates for step-timeout nudges or expiry sweeps.
func (r *Repository) ListStale(ctx context.Context, before time.Time) ([]*State, error) {
	query := `
		SELECT id, patient_id, phone_number, context, state_data,
		       active, expires_at, created_at, updated_at
		FROM conversation_states
		WHERE active = TRUE AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT 200
	`
	rows, err := r.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("list stale conversation states: %w", err)
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		state := &State{}
		err := rows.Scan(
			&state.ID, &state.PatientID, &state.PhoneNumber, &state.Context,
			&state.StateData, &state.Active, &state.ExpiresAt,
			&state.CreatedAt, &state.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conversation state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

var _ StateStore = (*Repository)(nil)
