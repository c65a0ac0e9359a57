// Package confirm turns inbound patient replies into confirmation
// outcomes. A reply either advances an in-flight verification flow or
// is classified against the patient's most recent reminder; anything
// the classifier cannot settle is escalated to a volunteer.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/classify"
	"github.com/temansehat/careline/internal/dispatch"
	"github.com/temansehat/careline/internal/domain/conversation"
	"github.com/temansehat/careline/internal/domain/escalation"
	"github.com/temansehat/careline/internal/domain/patient"
	"github.com/temansehat/careline/internal/domain/reminder"
	"github.com/temansehat/careline/internal/observability/metrics"
)

// PatientResolver maps an inbound phone number to a patient record.
type PatientResolver interface {
	ByPhone(ctx context.Context, phone string) (*patient.Patient, error)
}

// ConfirmationStore is the slice of the reminder repository the
// processor needs.
type ConfirmationStore interface {
	LatestDeliveredLog(ctx context.Context, patientID string, since time.Time) (*reminder.DeliveryLog, error)
	EnsureConfirmation(ctx context.Context, deliveryLogID, patientID string) (*reminder.Confirmation, error)
	ResolveConfirmation(ctx context.Context, id string, status reminder.ConfirmationStatus, responseText, resolvedBy string, at time.Time) error
	RecordReply(ctx context.Context, id, responseText string, at time.Time) error
}

// Escalator hands a message off to the volunteer queue.
type Escalator interface {
	Create(ctx context.Context, n *escalation.Notification) error
}

// FlowStates exposes active conversation lookup for routing.
type FlowStates interface {
	ActiveByPhone(ctx context.Context, phone string) (*conversation.State, error)
}

// FlowEngine advances an in-flight verification flow.
type FlowEngine interface {
	Advance(ctx context.Context, state *conversation.State, message string) (conversation.Outcome, error)
}

// Disposition says what ProcessReply did with a message.
type Disposition string

const (
	// DispositionVerification means the reply fed the verification flow.
	DispositionVerification Disposition = "verification"
	// DispositionConfirmed and DispositionMissed are terminal
	// classifier resolutions.
	DispositionConfirmed Disposition = "confirmed"
	DispositionMissed    Disposition = "missed"
	// DispositionEscalated means a volunteer was notified and the
	// confirmation stays open.
	DispositionEscalated Disposition = "escalated"
	// DispositionDuplicate means another path resolved the confirmation
	// first.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionIgnored covers unknown senders.
	DispositionIgnored Disposition = "ignored"
)

// Outcome reports one processed reply.
type Outcome struct {
	Disposition    Disposition `json:"disposition"`
	PatientID      string      `json:"patientId,omitempty"`
	ConfirmationID string      `json:"confirmationId,omitempty"`
	NotificationID string      `json:"notificationId,omitempty"`
	FlowOutcome    string      `json:"flowOutcome,omitempty"`
}

// Config holds processor tuning.
type Config struct {
	// ConfidenceThreshold is the minimum classifier confidence for an
	// automatic resolution. Anything below it goes to a volunteer.
	ConfidenceThreshold float64
}

// DefaultConfig returns processor defaults.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.7}
}

// Processor routes and resolves inbound replies.
type Processor struct {
	config     Config
	patients   PatientResolver
	store      ConfirmationStore
	classifier classify.Classifier
	escalator  Escalator
	flows      FlowStates
	engine     FlowEngine
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a reply processor. metrics may be nil.
func New(cfg Config, patients PatientResolver, store ConfirmationStore, classifier classify.Classifier, escalator Escalator, flows FlowStates, engine FlowEngine, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	return &Processor{
		config:     cfg,
		patients:   patients,
		store:      store,
		classifier: classifier,
		escalator:  escalator,
		flows:      flows,
		engine:     engine,
		metrics:    m,
		now:        time.Now,
		logger:     logger,
	}
}

// ProcessReply handles one inbound message. It never fails on business
// outcomes — unknown senders, duplicate resolutions, and classifier
// degradation all produce a Disposition — only infrastructure errors
// come back as errors.
func (p *Processor) ProcessReply(ctx context.Context, phone, message string) (*Outcome, error) {
	pat, err := p.patients.ByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			p.logger.Info("reply from unknown number dropped", zap.String("phone", phone))
			return &Outcome{Disposition: DispositionIgnored}, nil
		}
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	// An in-flight verification flow owns every message from its phone
	// until it completes, cancels, or expires.
	state, err := p.flows.ActiveByPhone(ctx, phone)
	if err != nil && !errors.Is(err, conversation.ErrNoActiveState) {
		return nil, fmt.Errorf("lookup conversation state: %w", err)
	}
	if state != nil && state.Context == conversation.ContextVerification {
		flowOutcome, err := p.engine.Advance(ctx, state, message)
		if err != nil && !errors.Is(err, conversation.ErrFlowExpired) {
			return nil, fmt.Errorf("advance verification flow: %w", err)
		}
		if p.metrics != nil && flowOutcome == conversation.OutcomeCompleted {
			p.metrics.VerificationsComplete.Inc()
		}
		return &Outcome{
			Disposition: DispositionVerification,
			PatientID:   pat.ID,
			FlowOutcome: string(flowOutcome),
		}, nil
	}

	return p.resolveAgainstReminder(ctx, pat, message)
}

func (p *Processor) resolveAgainstReminder(ctx context.Context, pat *patient.Patient, message string) (*Outcome, error) {
	now := p.now().UTC()

	log, err := p.store.LatestDeliveredLog(ctx, pat.ID, dispatch.LookbackStart(now))
	if err != nil {
		if errors.Is(err, reminder.ErrNotFound) {
			// No reminder to confirm against. Still a patient talking to
			// us, so a human picks it up.
			return p.escalate(ctx, pat, message, "", escalation.ReasonComplexInquiry, escalation.PriorityNormal, 0)
		}
		return nil, fmt.Errorf("find recent reminder: %w", err)
	}

	confirmation, err := p.store.EnsureConfirmation(ctx, log.ID, pat.ID)
	if err != nil {
		return nil, err
	}
	if !confirmation.CanResolve() {
		p.logger.Info("reply for already-resolved confirmation",
			zap.String("confirmation_id", confirmation.ID),
			zap.String("status", string(confirmation.Status)))
		return &Outcome{
			Disposition:    DispositionDuplicate,
			PatientID:      pat.ID,
			ConfirmationID: confirmation.ID,
		}, nil
	}

	result := p.classifier.Classify(ctx, message, classify.PatientContext{
		PatientID:    pat.ID,
		LastReminder: log.MessageText,
	})

	if result.Emergency {
		// Emergency beats any intent label. The reply is recorded but the
		// confirmation stays PENDING for a caregiver to resolve by hand.
		if err := p.park(ctx, confirmation.ID, message, now); err != nil {
			return nil, err
		}
		return p.escalate(ctx, pat, message, confirmation.ID,
			escalation.ReasonEmergencyDetection, escalation.PriorityHigh, result.Confidence)
	}

	if result.Confidence >= p.config.ConfidenceThreshold {
		switch result.Intent {
		case classify.IntentConfirmed:
			return p.resolve(ctx, pat, confirmation.ID, reminder.ConfirmationConfirmed, message, now)
		case classify.IntentMissed:
			return p.resolve(ctx, pat, confirmation.ID, reminder.ConfirmationMissed, message, now)
		}
	}

	if err := p.park(ctx, confirmation.ID, message, now); err != nil {
		return nil, err
	}
	return p.escalate(ctx, pat, message, confirmation.ID,
		escalation.ReasonLowConfidence, escalation.PriorityNormal, result.Confidence)
}

func (p *Processor) resolve(ctx context.Context, pat *patient.Patient, confirmationID string, status reminder.ConfirmationStatus, message string, at time.Time) (*Outcome, error) {
	err := p.store.ResolveConfirmation(ctx, confirmationID, status, message, "classifier", at)
	if err != nil {
		if errors.Is(err, reminder.ErrAlreadyResolved) {
			// First resolver wins; this reply arrived second.
			return &Outcome{
				Disposition:    DispositionDuplicate,
				PatientID:      pat.ID,
				ConfirmationID: confirmationID,
			}, nil
		}
		return nil, err
	}

	disposition := DispositionConfirmed
	if status == reminder.ConfirmationMissed {
		disposition = DispositionMissed
	}
	if p.metrics != nil {
		p.metrics.ConfirmationsResolved.WithLabelValues(string(status), "classifier").Inc()
	}
	p.logger.Info("confirmation resolved",
		zap.String("confirmation_id", confirmationID),
		zap.String("patient_id", pat.ID),
		zap.String("status", string(status)))
	return &Outcome{
		Disposition:    disposition,
		PatientID:      pat.ID,
		ConfirmationID: confirmationID,
	}, nil
}

// park records the reply text on the confirmation while leaving its
// status PENDING, so the volunteer or caregiver who picks it up still
// owns the resolution. Losing a race to a concurrent resolver is
// harmless.
func (p *Processor) park(ctx context.Context, confirmationID, message string, at time.Time) error {
	err := p.store.RecordReply(ctx, confirmationID, message, at)
	if err != nil && !errors.Is(err, reminder.ErrAlreadyResolved) {
		return fmt.Errorf("park confirmation: %w", err)
	}
	return nil
}

func (p *Processor) escalate(ctx context.Context, pat *patient.Patient, message, confirmationID string, reason escalation.Reason, priority escalation.Priority, confidence float64) (*Outcome, error) {
	n := &escalation.Notification{
		PatientID:  pat.ID,
		Message:    message,
		Priority:   priority,
		Reason:     reason,
		Confidence: confidence,
	}
	if err := p.escalator.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create volunteer notification: %w", err)
	}
	if p.metrics != nil {
		p.metrics.Escalations.WithLabelValues(string(reason)).Inc()
	}
	p.logger.Info("reply escalated",
		zap.String("patient_id", pat.ID),
		zap.String("reason", string(reason)),
		zap.Float64("confidence", confidence))
	return &Outcome{
		Disposition:    DispositionEscalated,
		PatientID:      pat.ID,
		ConfirmationID: confirmationID,
		NotificationID: n.ID,
	}, nil
}

// ManualOverride lets a caregiver set the final status directly. Only
// terminal statuses are accepted; races surface as ErrAlreadyResolved
// for the transport layer to map to a conflict.
func (p *Processor) ManualOverride(ctx context.Context, confirmationID string, status reminder.ConfirmationStatus, note, caregiverID string) error {
	if status != reminder.ConfirmationConfirmed && status != reminder.ConfirmationMissed {
		return fmt.Errorf("status %q is not a valid override target", status)
	}
	if caregiverID == "" {
		return errors.New("override requires a caregiver identifier")
	}
	if err := p.store.ResolveConfirmation(ctx, confirmationID, status, note, caregiverID, p.now().UTC()); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.ConfirmationsResolved.WithLabelValues(string(status), "manual").Inc()
	}
	p.logger.Info("confirmation overridden",
		zap.String("confirmation_id", confirmationID),
		zap.String("status", string(status)),
		zap.String("caregiver", caregiverID))
	return nil
}
