// Package reminder holds the medication reminder domain: scheduled
// occurrences, delivery logs, and patient confirmations.
package reminder

import (
	"errors"
	"time"
)

// DeliveryStatus is the outcome of a single send attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// ConfirmationStatus is the resolved outcome of a patient reply.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationMissed    ConfirmationStatus = "MISSED"
	ConfirmationUnclear   ConfirmationStatus = "UNCLEAR"
)

var (
	// ErrAlreadyDelivered is returned when a DELIVERED log already exists
	// for the occurrence. The partial unique index turns a racing double
	// send into this error instead of a duplicate row.
	ErrAlreadyDelivered = errors.New("occurrence already has a delivered log")

	// ErrAlreadyResolved is returned when a confirmation left PENDING
	// was resolved by a concurrent path. First resolver wins.
	ErrAlreadyResolved = errors.New("confirmation already resolved")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Occurrence is one concrete (patient, date, time-of-day) reminder
// instance expanded from a recurrence rule. Immutable once created
// except for deactivation and soft delete.
type Occurrence struct {
	ID            string
	PatientID     string
	ScheduleID    string
	ScheduledTime string // "HH:MM" civil wall clock
	Date          time.Time
	Message       string
	Active        bool
	DeletedAt     *time.Time
	CreatedAt     time.Time

	// PatientPhone is joined from the patient record by the due query.
	// Empty when the patient has no usable number.
	PatientPhone string
}

// DeliveryLog records one attempt to send an occurrence.
type DeliveryLog struct {
	ID                string
	OccurrenceID      string
	PatientID         string
	SentAt            time.Time
	Status            DeliveryStatus
	ProviderMessageID string
	Provider          string
	MessageText       string
	PhoneNumber       string
	ErrorDetail       string
}

// Confirmation ties a patient reply to a delivery log. Created lazily
// when the first reply arrives; PENDING transitions are one-way except
// UNCLEAR, which may be reclassified.
type Confirmation struct {
	ID            string
	DeliveryLogID string
	PatientID     string
	Status        ConfirmationStatus
	ResponseText  string
	RespondedAt   *time.Time
	ResolvedBy    string // "classifier" or caregiver identifier
	CreatedAt     time.Time
}

// CanResolve reports whether the confirmation may still move to a
// terminal status. UNCLEAR stays re-attemptable.
func (c *Confirmation) CanResolve() bool {
	return c.Status == ConfirmationPending || c.Status == ConfirmationUnclear
}
