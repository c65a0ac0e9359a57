package dispatch

import (
	"testing"
	"time"
)

func TestDayWindowMidday(t *testing.T) {
	// 2025-06-10 07:00 UTC is 14:00 WIB.
	now := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	start, end := DayWindow(now)

	wantStart := time.Date(2025, 6, 9, 17, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestDayWindowCrossesUTCMidnight(t *testing.T) {
	// 2025-06-10 20:00 UTC is already 2025-06-11 03:00 WIB.
	now := time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC)
	start, _ := DayWindow(now)

	wantStart := time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v (WIB day of June 11)", start, wantStart)
	}
}

func TestDayWindowBoundaryInstant(t *testing.T) {
	// Exactly 17:00 UTC belongs to the next WIB day.
	now := time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC)
	start, end := DayWindow(now)
	if !start.Equal(now) {
		t.Errorf("17:00 UTC should start the next civil day, got start %v", start)
	}
	if !end.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("end = %v", end)
	}
}

func TestIsDue(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time // UTC
		hhmm string
		want bool
	}{
		{"exact minute", time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC), "14:00", true},
		{"minutes past", time.Date(2025, 6, 10, 7, 4, 59, 0, time.UTC), "14:00", true},
		{"hours past, still due", time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC), "14:00", true},
		{"one minute early", time.Date(2025, 6, 10, 6, 59, 0, 0, time.UTC), "14:00", false},
		{"malformed time", time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC), "25:99", false},
		{"midnight schedule", time.Date(2025, 6, 9, 17, 0, 30, 0, time.UTC), "00:00", true},
	}

	for _, tc := range cases {
		if got := IsDue(tc.now, tc.hhmm); got != tc.want {
			t.Errorf("%s: IsDue(%v, %q) = %v, want %v", tc.name, tc.now, tc.hhmm, got, tc.want)
		}
	}
}

func TestLookbackStart(t *testing.T) {
	now := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	got := LookbackStart(now)
	want := time.Date(2025, 6, 8, 17, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("LookbackStart = %v, want %v", got, want)
	}
}
