package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/temansehat/careline/internal/domain/reminder"
	"github.com/temansehat/careline/internal/gateway"
	"github.com/temansehat/careline/internal/observability/metrics"
)

// ScheduleStore is the slice of the reminder repository the dispatcher
// needs. DueUndelivered pages by keyset (occurrences with ID after
// afterID): the candidate set shrinks as pages are delivered, so offset
// paging would skip rows mid-cycle.
type ScheduleStore interface {
	CountDueUndelivered(ctx context.Context, from, to time.Time) (int, error)
	DueUndelivered(ctx context.Context, from, to time.Time, afterID string, limit int) ([]*reminder.Occurrence, error)
	InsertDeliveryLog(ctx context.Context, log *reminder.DeliveryLog) error
}

// SendLimiter gates outbound volume. Allow both records and checks.
type SendLimiter interface {
	Allow(ctx context.Context, bucket string) bool
}

// Config holds dispatcher tuning.
type Config struct {
	// BatchThreshold is the candidate count above which the cycle pages
	// instead of loading everything at once.
	BatchThreshold int
	// BatchSize is the page size when paging.
	BatchSize int
	// BatchPause bounds store load between pages.
	BatchPause time.Duration
	// LimiterBucket is the shared rate-limit bucket for sends.
	LimiterBucket string
}

// DefaultConfig returns defaults for a five-minute dispatch cycle.
func DefaultConfig() Config {
	return Config{
		BatchThreshold: 50,
		BatchSize:      50,
		BatchPause:     2 * time.Second,
		LimiterBucket:  "messaging",
	}
}

// CycleSummary reports what one dispatch cycle did.
type CycleSummary struct {
	SchedulesFound int           `json:"schedulesFound"`
	Processed      int           `json:"processed"`
	Sent           int           `json:"sent"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"-"`
}

// Dispatcher runs the periodic reminder dispatch cycle. It holds no
// cross-cycle state: overlapping invocations coordinate only through
// the store's delivered-log invariant.
type Dispatcher struct {
	config  Config
	store   ScheduleStore
	limiter SendLimiter
	sender  gateway.Sender
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New creates a dispatcher. metrics may be nil.
func New(cfg Config, store ScheduleStore, limiter SendLimiter, sender gateway.Sender, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.LimiterBucket == "" {
		cfg.LimiterBucket = DefaultConfig().LimiterBucket
	}
	return &Dispatcher{
		config:  cfg,
		store:   store,
		limiter: limiter,
		sender:  sender,
		metrics: m,
		tracer:  otel.Tracer("dispatcher"),
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// RunCycle finds today's due, undelivered occurrences and sends them.
// Per-occurrence failures never abort the cycle; they are counted and
// the occurrence stays eligible for the next cycle.
func (d *Dispatcher) RunCycle(ctx context.Context, nowUTC time.Time) (*CycleSummary, error) {
	started := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch_cycle")
	defer span.End()

	windowStart, windowEnd := DayWindow(nowUTC)
	summary := &CycleSummary{}

	total, err := d.store.CountDueUndelivered(ctx, windowStart, windowEnd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	summary.SchedulesFound = total
	span.SetAttributes(attribute.Int("candidates", total))

	pageSize := total
	if total > d.config.BatchThreshold {
		pageSize = d.config.BatchSize
	}

	afterID := ""
	for page := 0; pageSize > 0; page++ {
		if page > 0 && d.config.BatchPause > 0 {
			d.sleep(d.config.BatchPause)
		}

		occurrences, err := d.store.DueUndelivered(ctx, windowStart, windowEnd, afterID, pageSize)
		if err != nil {
			// Without the page there is no cursor to continue from; the
			// rest of the set waits for the next cycle.
			d.logger.Error("due occurrence page failed",
				zap.String("after_id", afterID),
				zap.Error(err))
			summary.Errors++
			break
		}
		if len(occurrences) == 0 {
			break
		}

		for _, occ := range occurrences {
			d.processOccurrence(ctx, nowUTC, occ, summary)
		}

		afterID = occurrences[len(occurrences)-1].ID
		if len(occurrences) < pageSize {
			break
		}
	}

	summary.Duration = time.Since(started)
	if d.metrics != nil {
		d.metrics.DispatchCycleDuration.Observe(summary.Duration.Seconds())
	}
	d.logger.Info("dispatch cycle finished",
		zap.Int("schedules_found", summary.SchedulesFound),
		zap.Int("processed", summary.Processed),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func (d *Dispatcher) processOccurrence(ctx context.Context, nowUTC time.Time, occ *reminder.Occurrence, summary *CycleSummary) {
	if !IsDue(nowUTC, occ.ScheduledTime) {
		// Not yet due; the next cycle reconsiders it.
		summary.Skipped++
		if d.metrics != nil {
			d.metrics.RemindersSkipped.Inc()
		}
		return
	}
	summary.Processed++

	if occ.PatientPhone == "" {
		d.logger.Warn("occurrence has no phone number",
			zap.String("occurrence_id", occ.ID),
			zap.String("patient_id", occ.PatientID))
		summary.Errors++
		return
	}

	if !d.limiter.Allow(ctx, d.config.LimiterBucket) {
		// Over budget this window. Not a failure: no log row is
		// written, so the occurrence is retried next cycle.
		d.logger.Info("send deferred by rate limit",
			zap.String("occurrence_id", occ.ID))
		summary.Skipped++
		summary.Processed--
		if d.metrics != nil {
			d.metrics.RemindersSkipped.Inc()
			d.metrics.RateLimitRejections.WithLabelValues(d.config.LimiterBucket).Inc()
		}
		return
	}

	log := &reminder.DeliveryLog{
		ID:           uuid.New().String(),
		OccurrenceID: occ.ID,
		PatientID:    occ.PatientID,
		SentAt:       time.Now().UTC(),
		MessageText:  occ.Message,
		PhoneNumber:  occ.PatientPhone,
	}

	result, sendErr := d.sender.Send(ctx, occ.PatientPhone, occ.Message)
	if sendErr != nil {
		log.Status = reminder.DeliveryFailed
		log.ErrorDetail = sendErr.Error()
		summary.Failed++
		if d.metrics != nil {
			d.metrics.RemindersFailed.Inc()
		}
		d.logger.Warn("reminder send failed",
			zap.String("occurrence_id", occ.ID),
			zap.Error(sendErr))
	} else {
		log.Status = reminder.DeliveryDelivered
		log.ProviderMessageID = result.ProviderMessageID
		log.Provider = result.Provider
		summary.Sent++
	}

	if err := d.store.InsertDeliveryLog(ctx, log); err != nil {
		if errors.Is(err, reminder.ErrAlreadyDelivered) {
			// A concurrent cycle beat us to this occurrence. The store
			// rejected the duplicate row; the patient may have received
			// the message twice but the log stays consistent.
			d.logger.Warn("duplicate delivery detected",
				zap.String("occurrence_id", occ.ID))
			summary.Sent--
			summary.Skipped++
			if d.metrics != nil {
				d.metrics.RemindersSkipped.Inc()
			}
			return
		}
		d.logger.Error("delivery log write failed",
			zap.String("occurrence_id", occ.ID),
			zap.Error(err))
		summary.Errors++
		return
	}
	if d.metrics != nil && log.Status == reminder.DeliveryDelivered {
		d.metrics.RemindersSent.Inc()
	}
}
