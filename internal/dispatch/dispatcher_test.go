package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/temansehat/careline/internal/domain/reminder"
	"github.com/temansehat/careline/internal/gateway"
	"github.com/temansehat/careline/internal/observability/metrics"
)

// memSchedules is an in-memory ScheduleStore enforcing the same
// one-DELIVERED-per-occurrence invariant as the Postgres partial
// unique index.
type memSchedules struct {
	mu          sync.Mutex
	occurrences []*reminder.Occurrence
	logs        []*reminder.DeliveryLog
	insertErr   error
}

func (m *memSchedules) delivered(occurrenceID string) bool {
	for _, log := range m.logs {
		if log.OccurrenceID == occurrenceID && log.Status == reminder.DeliveryDelivered {
			return true
		}
	}
	return false
}

func (m *memSchedules) candidates(from, to time.Time) []*reminder.Occurrence {
	var out []*reminder.Occurrence
	for _, occ := range m.occurrences {
		if !occ.Active || occ.DeletedAt != nil {
			continue
		}
		if occ.Date.Before(from) || !occ.Date.Before(to) {
			continue
		}
		if m.delivered(occ.ID) {
			continue
		}
		out = append(out, occ)
	}
	return out
}

func (m *memSchedules) CountDueUndelivered(_ context.Context, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates(from, to)), nil
}

func (m *memSchedules) DueUndelivered(_ context.Context, from, to time.Time, afterID string, limit int) ([]*reminder.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.candidates(from, to)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var page []*reminder.Occurrence
	for _, occ := range all {
		if occ.ID <= afterID {
			continue
		}
		page = append(page, occ)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (m *memSchedules) InsertDeliveryLog(_ context.Context, log *reminder.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if log.Status == reminder.DeliveryDelivered && m.delivered(log.OccurrenceID) {
		return reminder.ErrAlreadyDelivered
	}
	copied := *log
	m.logs = append(m.logs, &copied)
	return nil
}

type countingSender struct {
	mu    sync.Mutex
	sends int
	err   error
}

func (c *countingSender) Send(_ context.Context, _, _ string) (*gateway.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.sends++
	return &gateway.SendResult{ProviderMessageID: "MSG-1", Provider: "wago"}, nil
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

// nowAt returns 14:00 WIB on June 10 2025 as UTC.
func nowAt(hhmm string) time.Time {
	t, _ := time.ParseInLocation("2006-01-02 15:04", "2025-06-10 "+hhmm, Zone)
	return t.UTC()
}

func occurrenceAt(id, hhmm string) *reminder.Occurrence {
	return &reminder.Occurrence{
		ID:            id,
		PatientID:     "patient-1",
		ScheduleID:    "sched-1",
		ScheduledTime: hhmm,
		Date:          nowAt("00:00"),
		Message:       "Waktunya minum obat",
		Active:        true,
		PatientPhone:  "6281234567890",
	}
}

func newTestDispatcher(store ScheduleStore, limiter SendLimiter, sender gateway.Sender) *Dispatcher {
	cfg := DefaultConfig()
	cfg.BatchPause = 0
	d := New(cfg, store, limiter, sender, nil, nil)
	d.sleep = func(time.Duration) {}
	return d
}

func TestCycleSendsDueOccurrenceOnce(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "14:00")}}
	sender := &countingSender{}
	d := newTestDispatcher(store, allowAll{}, sender)

	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if summary.Sent != 1 || sender.sends != 1 {
		t.Fatalf("sent = %d, provider sends = %d, want 1 and 1", summary.Sent, sender.sends)
	}
	if len(store.logs) != 1 || store.logs[0].Status != reminder.DeliveryDelivered {
		t.Fatalf("expected exactly one DELIVERED log, got %+v", store.logs)
	}
}

func TestSecondCycleSameDayIsNoop(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "14:00")}}
	sender := &countingSender{}
	d := newTestDispatcher(store, allowAll{}, sender)

	if _, err := d.RunCycle(context.Background(), nowAt("14:00")); err != nil {
		t.Fatal(err)
	}

	summary, err := d.RunCycle(context.Background(), nowAt("14:05"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.SchedulesFound != 0 || summary.Sent != 0 || sender.sends != 1 {
		t.Fatalf("second cycle must be a no-op: %+v, sends=%d", summary, sender.sends)
	}
	if len(store.logs) != 1 {
		t.Fatalf("expected one log total, got %d", len(store.logs))
	}
}

func TestNotYetDueIsSkippedNotLogged(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "18:00")}}
	sender := &countingSender{}
	d := newTestDispatcher(store, allowAll{}, sender)

	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 1 || summary.Sent != 0 || len(store.logs) != 0 {
		t.Fatalf("future occurrence mishandled: %+v logs=%d", summary, len(store.logs))
	}
}

func TestLimiterRejectDefersWithoutFailure(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "14:00")}}
	sender := &countingSender{}
	d := newTestDispatcher(store, denyAll{}, sender)

	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 0 || summary.Sent != 0 || summary.Skipped != 1 {
		t.Fatalf("limiter reject mishandled: %+v", summary)
	}
	if len(store.logs) != 0 {
		t.Fatal("limiter reject must not write a delivery log")
	}
}

func TestProviderFailureLogsFailedAndStaysEligible(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "14:00")}}
	sender := &countingSender{err: errors.New("upstream 503")}
	d := newTestDispatcher(store, allowAll{}, sender)

	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}
	if len(store.logs) != 1 || store.logs[0].Status != reminder.DeliveryFailed {
		t.Fatalf("expected one FAILED log, got %+v", store.logs)
	}

	// More failing cycles pass; the occurrence keeps being attempted,
	// well past the cycle period it was first due in.
	if _, err := d.RunCycle(context.Background(), nowAt("14:35")); err != nil {
		t.Fatal(err)
	}
	if got := len(store.logs); got != 2 {
		t.Fatalf("expected a second FAILED log, got %d logs", got)
	}

	// Provider recovers hours later; the occurrence is still due.
	sender.err = nil
	summary, err = d.RunCycle(context.Background(), nowAt("16:30"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 || summary.Skipped != 0 {
		t.Fatalf("late retry cycle sent = %d skipped = %d, want 1 and 0", summary.Sent, summary.Skipped)
	}
}

func TestUnsentOccurrenceStaysDueAllDay(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{occurrenceAt("occ-1", "08:00")}}
	sender := &countingSender{}
	d := newTestDispatcher(store, allowAll{}, sender)

	// First cycle to see the occurrence runs hours after its minute:
	// the service was down all morning. It must still go out.
	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 1 || sender.sends != 1 {
		t.Fatalf("sent = %d, provider sends = %d, want 1 and 1", summary.Sent, sender.sends)
	}
}

func TestMissingPhoneCountsAsError(t *testing.T) {
	occ := occurrenceAt("occ-1", "14:00")
	occ.PatientPhone = ""
	store := &memSchedules{occurrences: []*reminder.Occurrence{occ}}
	d := newTestDispatcher(store, allowAll{}, &countingSender{})

	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Errors != 1 || len(store.logs) != 0 {
		t.Fatalf("missing phone mishandled: %+v logs=%d", summary, len(store.logs))
	}
}

func TestOverlappingCyclesNeverDoubleLog(t *testing.T) {
	var occurrences []*reminder.Occurrence
	for _, id := range []string{"occ-1", "occ-2", "occ-3", "occ-4", "occ-5"} {
		occurrences = append(occurrences, occurrenceAt(id, "14:00"))
	}
	store := &memSchedules{occurrences: occurrences}
	sender := &countingSender{}
	d := newTestDispatcher(store, allowAll{}, sender)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunCycle(context.Background(), nowAt("14:00")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, log := range store.logs {
		if log.Status == reminder.DeliveryDelivered {
			seen[log.OccurrenceID]++
		}
	}
	for id, count := range seen {
		if count > 1 {
			t.Errorf("occurrence %s has %d DELIVERED logs", id, count)
		}
	}
	if len(seen) != 5 {
		t.Errorf("delivered %d distinct occurrences, want 5", len(seen))
	}
}

func TestLargeCandidateSetIsPaged(t *testing.T) {
	var occurrences []*reminder.Occurrence
	for i := 0; i < 120; i++ {
		occurrences = append(occurrences, occurrenceAt(fmt.Sprintf("occ-%03d", i), "14:00"))
	}
	store := &memSchedules{occurrences: occurrences}
	sender := &countingSender{}

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	cfg.BatchSize = 50
	d := New(cfg, store, allowAll{}, sender, nil, nil)
	d.sleep = func(time.Duration) {}

	// Every delivery shrinks the undelivered set between pages; the
	// keyset cursor must still reach all 120 in one cycle.
	summary, err := d.RunCycle(context.Background(), nowAt("14:00"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Sent != 120 {
		t.Fatalf("sent = %d, want all 120 across pages", summary.Sent)
	}
}

func TestCycleRecordsMetrics(t *testing.T) {
	store := &memSchedules{occurrences: []*reminder.Occurrence{
		occurrenceAt("occ-1", "14:00"),
		occurrenceAt("occ-2", "18:00"),
	}}
	m := metrics.NewWith(prometheus.NewRegistry())

	cfg := DefaultConfig()
	cfg.BatchPause = 0
	d := New(cfg, store, allowAll{}, &countingSender{}, m, nil)
	d.sleep = func(time.Duration) {}

	if _, err := d.RunCycle(context.Background(), nowAt("14:00")); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.RemindersSent); got != 1 {
		t.Errorf("reminders_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RemindersSkipped); got != 1 {
		t.Errorf("reminders_skipped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RemindersFailed); got != 0 {
		t.Errorf("reminders_failed_total = %v, want 0", got)
	}
}
