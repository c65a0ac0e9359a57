// Package conversation tracks short-lived per-patient chat context and
// runs the multi-step verification flow over it.
package conversation

import (
	"errors"
	"time"
)

// ContextKind names what an active conversation is about.
type ContextKind string

const (
	ContextVerification   ContextKind = "verification"
	ContextConfirmation   ContextKind = "confirmation"
	ContextGeneralInquiry ContextKind = "general_inquiry"
)

var (
	// ErrNoActiveState indicates the sender has no live conversation.
	ErrNoActiveState = errors.New("no active conversation state")

	// ErrFlowExpired indicates the flow-level ceiling passed; the
	// onboarding has to restart.
	ErrFlowExpired = errors.New("verification flow expired")
)

// State is the per-patient conversation record. stateData is a JSON
// payload owned by whichever flow is running; for verification it
// round-trips through FlowData.
type State struct {
	ID          string
	PatientID   string
	PhoneNumber string
	Context     ContextKind
	StateData   []byte
	Active      bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the hard flow ceiling has passed.
func (s *State) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
