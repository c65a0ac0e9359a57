package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frequency is a supported recurrence pattern.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// MaxOccurrences bounds how many concrete occurrences a single rule may
// expand into, regardless of frequency.
const MaxOccurrences = 366

// Rule describes a caregiver-defined reminder before expansion.
type Rule struct {
	PatientID     string
	ScheduledTime string // "HH:MM"
	StartDate     time.Time
	Frequency     Frequency
	Count         int
	Message       string
}

// Validate checks the rule before expansion.
func (r *Rule) Validate() error {
	if r.PatientID == "" {
		return fmt.Errorf("patient id is required")
	}
	if _, err := ParseClock(r.ScheduledTime); err != nil {
		return err
	}
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return fmt.Errorf("unsupported frequency %q", r.Frequency)
	}
	if r.Count <= 0 || r.Count > MaxOccurrences {
		return fmt.Errorf("occurrence count must be between 1 and %d", MaxOccurrences)
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// Expand materializes the rule into dated occurrences. The schedule ID
// groups the batch so a rule can be deactivated as a unit.
func (r *Rule) Expand() ([]*Occurrence, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	scheduleID := uuid.New().String()
	now := time.Now().UTC()
	occurrences := make([]*Occurrence, 0, r.Count)

	date := r.StartDate
	for i := 0; i < r.Count; i++ {
		occurrences = append(occurrences, &Occurrence{
			ID:            uuid.New().String(),
			PatientID:     r.PatientID,
			ScheduleID:    scheduleID,
			ScheduledTime: r.ScheduledTime,
			Date:          date,
			Message:       r.Message,
			Active:        true,
			CreatedAt:     now,
		})

		switch r.Frequency {
		case FrequencyDaily:
			date = date.AddDate(0, 0, 1)
		case FrequencyWeekly:
			date = date.AddDate(0, 0, 7)
		case FrequencyMonthly:
			date = date.AddDate(0, 1, 0)
		}
	}

	return occurrences, nil
}

// ParseClock parses an "HH:MM" wall-clock string.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
