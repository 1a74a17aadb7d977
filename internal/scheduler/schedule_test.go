package scheduler

import (
	"testing"
	"time"

	"github.com/mailtide/mailtide/internal/store"
)

func TestEligibleAtNilScheduleAlwaysEligible(t *testing.T) {
	ok, err := EligibleAt(nil, time.Now())
	if err != nil || !ok {
		t.Fatalf("nil schedule: ok=%v err=%v", ok, err)
	}
}

func TestEligibleAtWeekdayAndClockWindow(t *testing.T) {
	// Mondays 09:00 to 17:00, New York time.
	s := &store.Schedule{
		FromTime: "09:00",
		ToTime:   "17:00",
		Timezone: "America/New_York",
		Days:     []string{"monday"},
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	// 2026-03-02 is a Monday.
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday before window", time.Date(2026, 3, 2, 8, 59, 0, 0, loc), false},
		{"monday window opens", time.Date(2026, 3, 2, 9, 0, 0, 0, loc), true},
		{"monday midday", time.Date(2026, 3, 2, 12, 30, 0, 0, loc), true},
		{"monday window closes", time.Date(2026, 3, 2, 17, 0, 0, 0, loc), true},
		{"monday after window", time.Date(2026, 3, 2, 17, 1, 0, 0, loc), false},
		{"tuesday midday", time.Date(2026, 3, 3, 12, 0, 0, 0, loc), false},
		{"sunday midday", time.Date(2026, 3, 1, 12, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := EligibleAt(s, tt.at)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("EligibleAt = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestEligibleAtTimezoneConversion(t *testing.T) {
	// Window is evaluated in the schedule's zone, not the instant's zone.
	s := &store.Schedule{
		FromTime: "09:00",
		ToTime:   "17:00",
		Timezone: "America/New_York",
	}

	// 14:00 UTC on 2026-03-02 is 09:00 in New York (EST).
	ok, err := EligibleAt(s, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("09:00 local should be inside the window")
	}

	// 13:59 UTC is 08:59 local.
	ok, err = EligibleAt(s, time.Date(2026, 3, 2, 13, 59, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("08:59 local should be outside the window")
	}
}

func TestEligibleAtDateRange(t *testing.T) {
	s := &store.Schedule{
		StartDate: "2026-03-02",
		EndDate:   "2026-03-04",
	}

	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		ok, err := EligibleAt(s, tt.at)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.want {
			t.Errorf("EligibleAt(%v) = %v, want %v", tt.at, ok, tt.want)
		}
	}
}

func TestEligibleAtInvalidTimezone(t *testing.T) {
	s := &store.Schedule{Timezone: "Mars/Olympus_Mons"}
	if _, err := EligibleAt(s, time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}
