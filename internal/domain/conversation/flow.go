package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Step is one node of the verification flow. The steps are an
// enumerated set so transitions are exhaustive instead of matched on
// free-form strings.
type Step string

const (
	StepWelcome  Step = "welcome"
	StepIdentity Step = "confirm_identity"
	StepTerms    Step = "terms_acceptance"
	StepFinal    Step = "final_confirmation"
)

// ResponseKind describes what a step expects back.
type ResponseKind string

const (
	KindYesNo    ResponseKind = "yes_no"
	KindFreeText ResponseKind = "free_text"
	KindAny      ResponseKind = "any"
)

// StepSpec declares one step: its outbound prompt, what it expects,
// an advisory timeout for nudging, and where a valid answer leads.
// An empty Next marks the terminal step.
type StepSpec struct {
	Prompt   string
	Expect   ResponseKind
	Timeout  time.Duration
	Next     Step
	Validate func(string) bool
}

// FlowTTL is the hard ceiling for the whole verification exchange,
// independent of per-step timeouts.
const FlowTTL = 2 * time.Hour

// nudgeScanFloor bounds how fresh a state can be and still be scanned
// for a step-timeout nudge. No step times out faster than this.
const nudgeScanFloor = 10 * time.Minute

var affirmativeTokens = []string{
	"ya", "iya", "yes", "y", "ok", "oke", "setuju", "siap", "benar", "betul", "sudah",
}

var stopTokens = []string{"stop", "berhenti", "batal"}

func isAffirmative(msg string) bool {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	for _, token := range affirmativeTokens {
		if normalized == token || strings.Contains(normalized, token+" ") || strings.HasSuffix(normalized, " "+token) {
			return true
		}
	}
	return false
}

func isStop(msg string) bool {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	for _, token := range stopTokens {
		if normalized == token {
			return true
		}
	}
	return false
}

// VerificationSteps returns the declarative step table for onboarding.
func VerificationSteps() map[Step]StepSpec {
	return map[Step]StepSpec{
		StepWelcome: {
			Prompt:   "Halo! Saya asisten pengingat obat Anda. Balas YA untuk mulai pendaftaran.",
			Expect:   KindYesNo,
			Timeout:  15 * time.Minute,
			Next:     StepIdentity,
			Validate: isAffirmative,
		},
		StepIdentity: {
			Prompt:   "Apakah nomor ini milik pasien terdaftar? Balas YA jika benar.",
			Expect:   KindYesNo,
			Timeout:  15 * time.Minute,
			Next:     StepTerms,
			Validate: isAffirmative,
		},
		StepTerms: {
			Prompt:   "Dengan melanjutkan, Anda setuju menerima pengingat obat harian. Balas SETUJU untuk menerima.",
			Expect:   KindYesNo,
			Timeout:  30 * time.Minute,
			Next:     StepFinal,
			Validate: isAffirmative,
		},
		StepFinal: {
			Prompt:   "Terima kasih! Balas YA untuk konfirmasi terakhir.",
			Expect:   KindYesNo,
			Timeout:  15 * time.Minute,
			Next:     "",
			Validate: isAffirmative,
		},
	}
}

// FlowData is the typed form of a verification state's stateData.
type FlowData struct {
	Step          Step      `json:"step"`
	StartedAt     time.Time `json:"started_at"`
	StepEnteredAt time.Time `json:"step_entered_at"`
	Attempts      int       `json:"attempts"`
	Nudged        bool      `json:"nudged"`
}

// StateStore is the persistence the engine needs.
type StateStore interface {
	ActiveByPhone(ctx context.Context, phone string) (*State, error)
	Upsert(ctx context.Context, state *State) error
	Deactivate(ctx context.Context, id string) error
	ListStale(ctx context.Context, before time.Time) ([]*State, error)
}

// MessageSender sends a message to an already-normalized or raw number.
type MessageSender interface {
	Send(ctx context.Context, to, body string) error
}

// Verifier flips the owning patient record when the flow completes.
type Verifier interface {
	MarkVerified(ctx context.Context, patientID string) error
}

// Outcome describes what Advance did with a message.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeRetried   Outcome = "retried"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)

// Engine drives the verification flow.
type Engine struct {
	steps    map[Step]StepSpec
	states   StateStore
	sender   MessageSender
	verifier Verifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates a flow engine with the standard verification steps.
func NewEngine(states StateStore, sender MessageSender, verifier Verifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		steps:    VerificationSteps(),
		states:   states,
		sender:   sender,
		verifier: verifier,
		now:      time.Now,
		logger:   logger,
	}
}

// Start opens a verification flow for the patient and sends the welcome
// prompt.
func (e *Engine) Start(ctx context.Context, patientID, phone string) (*State, error) {
	now := e.now()
	data, _ := json.Marshal(FlowData{
		Step:          StepWelcome,
		StartedAt:     now,
		StepEnteredAt: now,
	})

	state := &State{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		PhoneNumber: phone,
		Context:     ContextVerification,
		StateData:   data,
		Active:      true,
		ExpiresAt:   now.Add(FlowTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.states.Upsert(ctx, state); err != nil {
		return nil, fmt.Errorf("persist flow state: %w", err)
	}

	if err := e.sender.Send(ctx, phone, e.steps[StepWelcome].Prompt); err != nil {
		return nil, fmt.Errorf("send welcome prompt: %w", err)
	}

	e.logger.Info("verification flow started",
		zap.String("patient_id", patientID),
		zap.String("state_id", state.ID))
	return state, nil
}

// Advance processes one inbound message against the flow. The expiry
// check runs first: any attempt past the flow ceiling deactivates the
// state regardless of which step it sits on.
func (e *Engine) Advance(ctx context.Context, state *State, message string) (Outcome, error) {
	now := e.now()

	if state.Expired(now) {
		if err := e.states.Deactivate(ctx, state.ID); err != nil {
			e.logger.Error("deactivate expired flow failed", zap.Error(err))
		}
		e.logger.Info("verification flow expired",
			zap.String("state_id", state.ID),
			zap.Time("expires_at", state.ExpiresAt))
		return OutcomeExpired, ErrFlowExpired
	}

	if isStop(message) {
		if err := e.states.Deactivate(ctx, state.ID); err != nil {
			return "", fmt.Errorf("deactivate cancelled flow: %w", err)
		}
		return OutcomeCancelled, nil
	}

	var data FlowData
	if err := json.Unmarshal(state.StateData, &data); err != nil {
		return "", fmt.Errorf("decode flow state: %w", err)
	}

	spec, ok := e.steps[data.Step]
	if !ok {
		return "", fmt.Errorf("flow state %s has unknown step %q", state.ID, data.Step)
	}

	if !spec.Validate(message) {
		// Resend the current prompt unchanged; the flow ceiling is the
		// only bound on retries.
		data.Attempts++
		if err := e.saveData(ctx, state, data); err != nil {
			return "", err
		}
		if err := e.sender.Send(ctx, state.PhoneNumber, spec.Prompt); err != nil {
			return "", fmt.Errorf("resend step prompt: %w", err)
		}
		return OutcomeRetried, nil
	}

	if spec.Next == "" {
		// Terminal step: completing the flow and flipping the patient's
		// verified flag belong to the same logical operation.
		if err := e.verifier.MarkVerified(ctx, state.PatientID); err != nil {
			return "", fmt.Errorf("mark patient verified: %w", err)
		}
		if err := e.states.Deactivate(ctx, state.ID); err != nil {
			return "", fmt.Errorf("deactivate completed flow: %w", err)
		}
		e.logger.Info("verification flow completed",
			zap.String("patient_id", state.PatientID))
		return OutcomeCompleted, nil
	}

	data.Step = spec.Next
	data.StepEnteredAt = now
	data.Attempts = 0
	data.Nudged = false
	if err := e.saveData(ctx, state, data); err != nil {
		return "", err
	}

	nextSpec := e.steps[spec.Next]
	if err := e.sender.Send(ctx, state.PhoneNumber, nextSpec.Prompt); err != nil {
		return "", fmt.Errorf("send next step prompt: %w", err)
	}
	return OutcomeAdvanced, nil
}

// NudgeStale resends the current prompt for flows whose step timeout
// has passed. The nudge is advisory and does not expire anything; each
// step nudges at most once.
func (e *Engine) NudgeStale(ctx context.Context) (int, error) {
	now := e.now()
	// Coarse pre-filter; the exact per-step timeout check happens below.
	states, err := e.states.ListStale(ctx, now.Add(-nudgeScanFloor))
	if err != nil {
		return 0, fmt.Errorf("list stale flows: %w", err)
	}

	nudged := 0
	for _, state := range states {
		if state.Expired(now) {
			if err := e.states.Deactivate(ctx, state.ID); err != nil {
				e.logger.Error("deactivate expired flow failed", zap.Error(err))
			}
			continue
		}

		var data FlowData
		if err := json.Unmarshal(state.StateData, &data); err != nil {
			e.logger.Error("undecodable flow state", zap.String("state_id", state.ID), zap.Error(err))
			continue
		}

		spec, ok := e.steps[data.Step]
		if !ok || data.Nudged || now.Sub(data.StepEnteredAt) < spec.Timeout {
			continue
		}

		data.Nudged = true
		if err := e.saveData(ctx, state, data); err != nil {
			e.logger.Error("persist nudge marker failed", zap.Error(err))
			continue
		}
		if err := e.sender.Send(ctx, state.PhoneNumber, spec.Prompt); err != nil {
			e.logger.Warn("nudge send failed", zap.String("state_id", state.ID), zap.Error(err))
			continue
		}
		nudged++
	}
	return nudged, nil
}

func (e *Engine) saveData(ctx context.Context, state *State, data FlowData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode flow state: %w", err)
	}
	state.StateData = raw
	state.UpdatedAt = e.now()
	if err := e.states.Upsert(ctx, state); err != nil {
		return fmt.Errorf("persist flow state: %w", err)
	}
	return nil
}
