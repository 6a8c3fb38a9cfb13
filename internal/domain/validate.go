package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidItem = errors.New("invalid item")

// Validate checks the loosely-typed document fields. Stores call it on
// every decode and write so business logic can trust the shape.
func (it Item) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(it.ID) == "" {
		add("id is required")
	}
	if !it.Collection.Valid() {
		add("collection %q unknown", it.Collection)
	}
	if strings.TrimSpace(it.OwnerID) == "" {
		add("owner_id is required")
	}
	if it.StartTime.IsZero() {
		add("start_time is required")
	}
	if !it.EndTime.IsZero() && it.EndTime.Before(it.StartTime) {
		add("end_time before start_time")
	}
	switch it.Subtype {
	case "", SubtypeMeeting, SubtypeBooking, SubtypeCelebration, SubtypeTask, SubtypeOther:
	default:
		add("subtype %q unknown", it.Subtype)
	}

	for i, r := range it.Reminders {
		if !r.Kind.Valid() {
			add("reminders[%d].kind %q unknown", i, r.Kind)
		}
		if r.Offset.Unit != "" && !r.Offset.Unit.Valid() {
			add("reminders[%d].offset.unit %q unknown", i, r.Offset.Unit)
		}
	}

	rr := it.Repeat
	if !rr.Frequency.Valid() {
		add("repeat.frequency %q unknown", rr.Frequency)
	}
	if !rr.End.Valid() {
		add("repeat.end %q unknown", rr.End)
	}
	if rr.Interval < 0 {
		add("repeat.interval must be >= 0")
	}
	if rr.End == EndUntil && rr.Until == nil {
		add("repeat.until required when end=until")
	}
	if rr.End == EndAfter && rr.Remaining < 0 {
		add("repeat.remaining must be >= 0")
	}
	if p := rr.Custom; p != nil {
		for _, d := range p.DaysOfWeek {
			if d < 0 || d > 6 {
				add("repeat.custom.days_of_week value %d out of range", d)
			}
		}
		for _, d := range p.DaysOfMonth {
			if d < 1 || d > 31 {
				add("repeat.custom.days_of_month value %d out of range", d)
			}
		}
		for _, m := range p.MonthsOfYear {
			if m < 0 || m > 11 {
				add("repeat.custom.months_of_year value %d out of range", m)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidItem, it.ID, strings.Join(problems, "; "))
	}
	return nil
}
