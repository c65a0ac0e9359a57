// Package patient provides read access to patient records. Patient
// CRUD lives in the admin system; this engine only resolves senders
// and flips the verified flag at the end of onboarding.
package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates no patient matches the lookup.
var ErrNotFound = errors.New("patient not found")

// Patient is the subset of the patient record this engine reads.
type Patient struct {
	ID          string
	Name        string
	PhoneNumber string
	Verified    bool
}

// Repository resolves patients from the shared database.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a patient repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ByPhone resolves a patient by normalized phone number. Numbers are
// stored country-coded, so a trailing-digits match covers rows written
// before normalization was enforced.
func (r *Repository) ByPhone(ctx context.Context, phone string) (*Patient, error) {
	query := `
		SELECT id, name, phone_number, verified
		FROM patients
		WHERE phone_number = $1
		   OR RIGHT(phone_number, 10) = RIGHT($1, 10)
		ORDER BY (phone_number = $1) DESC
		LIMIT 1
	`
	p := &Patient{}
	err := r.pool.QueryRow(ctx, query, phone).Scan(&p.ID, &p.Name, &p.PhoneNumber, &p.Verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve patient by phone: %w", err)
	}
	return p, nil
}

// MarkVerified flips the patient's verified flag. Called as the
// terminal effect of the verification flow.
func (r *Repository) MarkVerified(ctx context.Context, patientID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE patients SET verified = TRUE WHERE id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
