// Package scheduler turns warmup mailboxes and running campaigns into
// delivery jobs. Schedulers are pure producers; pacing and retries are the
// queue's and the delivery pool's business.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/mailtide/mailtide/internal/store"
)

// EligibleAt reports whether a campaign schedule permits sending at the given
// instant. A nil schedule always permits. Dates and clock times are evaluated
// in the schedule's timezone; both ends of every range are inclusive.
func EligibleAt(s *store.Schedule, now time.Time) (bool, error) {
	if s == nil {
		return true, nil
	}

	loc := time.UTC
	if s.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid schedule timezone %q: %w", s.Timezone, err)
		}
	}
	local := now.In(loc)

	if s.StartDate != "" {
		start, err := time.ParseInLocation("2006-01-02", s.StartDate, loc)
		if err != nil {
			return false, fmt.Errorf("invalid schedule start date %q: %w", s.StartDate, err)
		}
		if local.Before(start) {
			return false, nil
		}
	}
	if s.EndDate != "" {
		end, err := time.ParseInLocation("2006-01-02", s.EndDate, loc)
		if err != nil {
			return false, fmt.Errorf("invalid schedule end date %q: %w", s.EndDate, err)
		}
		// Inclusive: the whole end day still counts.
		if !local.Before(end.AddDate(0, 0, 1)) {
			return false, nil
		}
	}

	if len(s.Days) > 0 {
		match := false
		for _, d := range s.Days {
			if strings.EqualFold(d, local.Weekday().String()) {
				match = true
				break
			}
		}
		if !match {
			return false, nil
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	if s.FromTime != "" {
		from, err := parseClock(s.FromTime)
		if err != nil {
			return false, err
		}
		if minutes < from {
			return false, nil
		}
	}
	if s.ToTime != "" {
		to, err := parseClock(s.ToTime)
		if err != nil {
			return false, err
		}
		if minutes > to {
			return false, nil
		}
	}

	return true, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule time %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// dayBounds returns the half-open interval covering the calendar day of now
// in the given location.
func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
