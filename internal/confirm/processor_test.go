package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/temansehat/careline/internal/classify"
	"github.com/temansehat/careline/internal/domain/conversation"
	"github.com/temansehat/careline/internal/domain/escalation"
	"github.com/temansehat/careline/internal/domain/patient"
	"github.com/temansehat/careline/internal/domain/reminder"
	"github.com/temansehat/careline/internal/observability/metrics"
)

type fakePatients struct {
	byPhone map[string]*patient.Patient
}

func (f *fakePatients) ByPhone(_ context.Context, phone string) (*patient.Patient, error) {
	if p, ok := f.byPhone[phone]; ok {
		return p, nil
	}
	return nil, patient.ErrNotFound
}

type memConfirmations struct {
	latestLog     *reminder.DeliveryLog
	confirmations map[string]*reminder.Confirmation
	resolveErr    error
}

func newMemConfirmations(log *reminder.DeliveryLog) *memConfirmations {
	return &memConfirmations{
		latestLog:     log,
		confirmations: map[string]*reminder.Confirmation{},
	}
}

func (m *memConfirmations) LatestDeliveredLog(_ context.Context, patientID string, _ time.Time) (*reminder.DeliveryLog, error) {
	if m.latestLog == nil || m.latestLog.PatientID != patientID {
		return nil, reminder.ErrNotFound
	}
	return m.latestLog, nil
}

func (m *memConfirmations) EnsureConfirmation(_ context.Context, deliveryLogID, patientID string) (*reminder.Confirmation, error) {
	for _, c := range m.confirmations {
		if c.DeliveryLogID == deliveryLogID {
			return c, nil
		}
	}
	c := &reminder.Confirmation{
		ID:            "conf-" + deliveryLogID,
		DeliveryLogID: deliveryLogID,
		PatientID:     patientID,
		Status:        reminder.ConfirmationPending,
	}
	m.confirmations[c.ID] = c
	return c, nil
}

func (m *memConfirmations) ResolveConfirmation(_ context.Context, id string, status reminder.ConfirmationStatus, responseText, resolvedBy string, at time.Time) error {
	if m.resolveErr != nil {
		return m.resolveErr
	}
	c, ok := m.confirmations[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if !c.CanResolve() {
		return reminder.ErrAlreadyResolved
	}
	c.Status = status
	c.ResponseText = responseText
	c.ResolvedBy = resolvedBy
	c.RespondedAt = &at
	return nil
}

func (m *memConfirmations) RecordReply(_ context.Context, id, responseText string, at time.Time) error {
	c, ok := m.confirmations[id]
	if !ok {
		return reminder.ErrNotFound
	}
	if c.Status != reminder.ConfirmationPending {
		return reminder.ErrAlreadyResolved
	}
	c.ResponseText = responseText
	c.RespondedAt = &at
	return nil
}

type scriptedClassifier struct {
	result *classify.Result
	calls  int
}

func (s *scriptedClassifier) Classify(context.Context, string, classify.PatientContext) *classify.Result {
	s.calls++
	return s.result
}

type memEscalator struct {
	created []*escalation.Notification
}

func (m *memEscalator) Create(_ context.Context, n *escalation.Notification) error {
	n.ID = "notif-1"
	m.created = append(m.created, n)
	return nil
}

type fakeFlows struct {
	state *conversation.State
}

func (f *fakeFlows) ActiveByPhone(context.Context, string) (*conversation.State, error) {
	if f.state == nil {
		return nil, conversation.ErrNoActiveState
	}
	return f.state, nil
}

type fakeEngine struct {
	outcome  conversation.Outcome
	advanced int
}

func (f *fakeEngine) Advance(context.Context, *conversation.State, string) (conversation.Outcome, error) {
	f.advanced++
	return f.outcome, nil
}

const (
	testPhone     = "6281234567890"
	testPatientID = "patient-1"
)

func fixture(result *classify.Result) (*Processor, *memConfirmations, *memEscalator, *scriptedClassifier, *fakeEngine) {
	patients := &fakePatients{byPhone: map[string]*patient.Patient{
		testPhone: {ID: testPatientID, Name: "Budi", PhoneNumber: testPhone, Verified: true},
	}}
	store := newMemConfirmations(&reminder.DeliveryLog{
		ID:          "log-1",
		PatientID:   testPatientID,
		Status:      reminder.DeliveryDelivered,
		MessageText: "Waktunya minum obat jam 14:00",
		SentAt:      time.Now().UTC().Add(-time.Hour),
	})
	classifier := &scriptedClassifier{result: result}
	escalator := &memEscalator{}
	engine := &fakeEngine{outcome: conversation.OutcomeAdvanced}

	p := New(DefaultConfig(), patients, store, classifier, escalator, &fakeFlows{}, engine, nil, nil)
	return p, store, escalator, classifier, engine
}

func TestHighConfidenceConfirmedResolvesWithoutEscalation(t *testing.T) {
	p, store, escalator, _, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.95})

	out, err := p.ProcessReply(context.Background(), testPhone, "sudah minum")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionConfirmed {
		t.Fatalf("disposition = %s, want confirmed", out.Disposition)
	}

	c := store.confirmations[out.ConfirmationID]
	if c.Status != reminder.ConfirmationConfirmed || c.ResolvedBy != "classifier" {
		t.Fatalf("confirmation = %+v", c)
	}
	if len(escalator.created) != 0 {
		t.Fatal("high-confidence resolution must not escalate")
	}
}

func TestHighConfidenceMissedResolvesMissed(t *testing.T) {
	p, store, _, _, _ := fixture(&classify.Result{Intent: classify.IntentMissed, Confidence: 0.9})

	out, err := p.ProcessReply(context.Background(), testPhone, "belum, lupa")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionMissed {
		t.Fatalf("disposition = %s, want missed", out.Disposition)
	}
	if store.confirmations[out.ConfirmationID].Status != reminder.ConfirmationMissed {
		t.Fatal("confirmation not MISSED")
	}
}

func TestLowConfidenceParksAndEscalates(t *testing.T) {
	p, store, escalator, _, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.2})

	out, err := p.ProcessReply(context.Background(), testPhone, "entahlah")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionEscalated {
		t.Fatalf("disposition = %s, want escalated", out.Disposition)
	}
	if len(escalator.created) != 1 {
		t.Fatal("expected one volunteer notification")
	}
	n := escalator.created[0]
	if n.Reason != escalation.ReasonLowConfidence || n.Priority != escalation.PriorityNormal {
		t.Fatalf("notification = %+v", n)
	}
	c := store.confirmations[out.ConfirmationID]
	if c.Status != reminder.ConfirmationPending {
		t.Fatalf("confirmation status = %s, want PENDING until a volunteer resolves it", c.Status)
	}
	if c.ResponseText != "entahlah" || c.RespondedAt == nil {
		t.Fatalf("parked reply not recorded: %+v", c)
	}
	if !c.CanResolve() {
		t.Fatal("parked confirmation must remain resolvable by a human")
	}
}

func TestClassifierDegradationEscalates(t *testing.T) {
	p, _, escalator, _, _ := fixture(&classify.Result{Intent: classify.IntentUnknown, Confidence: 0})

	out, err := p.ProcessReply(context.Background(), testPhone, "???")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionEscalated || len(escalator.created) != 1 {
		t.Fatalf("degraded classifier must escalate: %+v", out)
	}
}

func TestEmergencyEscalatesHighPriority(t *testing.T) {
	p, store, escalator, _, _ := fixture(&classify.Result{Intent: classify.IntentUnknown, Confidence: 0.9, Emergency: true})

	out, err := p.ProcessReply(context.Background(), testPhone, "tolong, sesak napas")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionEscalated {
		t.Fatalf("disposition = %s", out.Disposition)
	}
	n := escalator.created[0]
	if n.Reason != escalation.ReasonEmergencyDetection || n.Priority != escalation.PriorityHigh {
		t.Fatalf("notification = %+v", n)
	}
	if store.confirmations[out.ConfirmationID].Status != reminder.ConfirmationPending {
		t.Fatal("emergency must park the confirmation PENDING, not resolve it")
	}
}

func TestUnknownSenderIgnored(t *testing.T) {
	p, _, escalator, classifier, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.9})

	out, err := p.ProcessReply(context.Background(), "628999999999", "sudah")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionIgnored {
		t.Fatalf("disposition = %s, want ignored", out.Disposition)
	}
	if classifier.calls != 0 || len(escalator.created) != 0 {
		t.Fatal("unknown sender must not classify or escalate")
	}
}

func TestNoRecentReminderEscalatesAsInquiry(t *testing.T) {
	p, store, escalator, _, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.9})
	store.latestLog = nil

	out, err := p.ProcessReply(context.Background(), testPhone, "jadwal saya kapan?")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionEscalated {
		t.Fatalf("disposition = %s", out.Disposition)
	}
	if escalator.created[0].Reason != escalation.ReasonComplexInquiry {
		t.Fatalf("reason = %s, want complex_inquiry", escalator.created[0].Reason)
	}
}

func TestActiveVerificationFlowOwnsTheMessage(t *testing.T) {
	p, _, _, classifier, engine := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.9})
	p.flows = &fakeFlows{state: &conversation.State{
		ID:          "state-1",
		PatientID:   testPatientID,
		PhoneNumber: testPhone,
		Context:     conversation.ContextVerification,
		Active:      true,
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	out, err := p.ProcessReply(context.Background(), testPhone, "ya")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionVerification || out.FlowOutcome != string(conversation.OutcomeAdvanced) {
		t.Fatalf("outcome = %+v", out)
	}
	if engine.advanced != 1 || classifier.calls != 0 {
		t.Fatal("verification reply must go to the flow engine, not the classifier")
	}
}

func TestSecondReplyAfterResolutionIsDuplicate(t *testing.T) {
	p, _, escalator, classifier, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.95})

	if _, err := p.ProcessReply(context.Background(), testPhone, "sudah"); err != nil {
		t.Fatal(err)
	}
	classifier.calls = 0

	out, err := p.ProcessReply(context.Background(), testPhone, "sudah ya")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionDuplicate {
		t.Fatalf("disposition = %s, want duplicate", out.Disposition)
	}
	if classifier.calls != 0 || len(escalator.created) != 0 {
		t.Fatal("resolved confirmation must short-circuit before classification")
	}
}

func TestResolveRaceLoserGetsDuplicate(t *testing.T) {
	p, store, _, _, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.95})
	store.resolveErr = reminder.ErrAlreadyResolved

	out, err := p.ProcessReply(context.Background(), testPhone, "sudah")
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != DispositionDuplicate {
		t.Fatalf("disposition = %s, want duplicate", out.Disposition)
	}
}

func TestManualOverride(t *testing.T) {
	p, store, _, _, _ := fixture(&classify.Result{Intent: classify.IntentUnknown, Confidence: 0})

	out, err := p.ProcessReply(context.Background(), testPhone, "entah")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.ManualOverride(context.Background(), out.ConfirmationID, reminder.ConfirmationConfirmed, "spoke to patient", "caregiver-7"); err != nil {
		t.Fatal(err)
	}
	c := store.confirmations[out.ConfirmationID]
	if c.Status != reminder.ConfirmationConfirmed || c.ResolvedBy != "caregiver-7" {
		t.Fatalf("confirmation = %+v", c)
	}

	// Second override loses.
	err = p.ManualOverride(context.Background(), out.ConfirmationID, reminder.ConfirmationMissed, "", "caregiver-8")
	if !errors.Is(err, reminder.ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestProcessorRecordsMetrics(t *testing.T) {
	p, _, _, _, _ := fixture(&classify.Result{Intent: classify.IntentConfirmed, Confidence: 0.1})
	m := metrics.NewWith(prometheus.NewRegistry())
	p.metrics = m

	if _, err := p.ProcessReply(context.Background(), testPhone, "entahlah"); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.Escalations.WithLabelValues(string(escalation.ReasonLowConfidence))); got != 1 {
		t.Errorf("escalations_total{low_confidence} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfirmationsResolved.WithLabelValues(string(reminder.ConfirmationConfirmed), "classifier")); got != 0 {
		t.Errorf("confirmations_resolved_total = %v, want 0", got)
	}
}

func TestManualOverrideRejectsNonTerminalStatus(t *testing.T) {
	p, _, _, _, _ := fixture(&classify.Result{Intent: classify.IntentUnknown, Confidence: 0})

	if err := p.ManualOverride(context.Background(), "conf-x", reminder.ConfirmationPending, "", "caregiver-7"); err == nil {
		t.Fatal("PENDING must not be an override target")
	}
	if err := p.ManualOverride(context.Background(), "conf-x", reminder.ConfirmationConfirmed, "", ""); err == nil {
		t.Fatal("override without caregiver must fail")
	}
}
