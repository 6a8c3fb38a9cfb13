// Package recurrence computes the next occurrence of a repeat rule.
//
// Calendar arithmetic runs in the location of the instant passed in, so
// callers convert the last occurrence into the owner's zone first. Results
// depend only on the inputs.
package recurrence

import (
	"sort"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/timemath"
)

// Next returns the occurrence after last. For non-repeating rules it returns
// last unchanged and false.
func Next(rule domain.RepeatRule, last time.Time) (time.Time, bool) {
	if !rule.Repeating || rule.Frequency == "" || rule.Frequency == domain.FrequencyNone {
		return last, false
	}
	step := rule.Step()

	switch rule.Frequency {
	case domain.FrequencyDaily:
		return timemath.AddDays(last, step), true
	case domain.FrequencyWeekly:
		return timemath.AddDays(last, 7*step), true
	case domain.FrequencyMonthly:
		return timemath.AddMonthsClamped(last, step), true
	case domain.FrequencyYearly:
		return timemath.AddYearsClamped(last, step), true
	case domain.FrequencyCustom:
		return nextCustom(rule.Custom, step, last), true
	}
	return last, false
}

func nextCustom(p *domain.CustomPattern, step int, last time.Time) time.Time {
	if p == nil {
		return timemath.AddDays(last, step)
	}
	switch {
	case len(p.DaysOfWeek) > 0:
		return nextWeekday(p.DaysOfWeek, step, last)
	case len(p.DaysOfMonth) > 0:
		return nextMonthDay(p.DaysOfMonth, step, last)
	case len(p.MonthsOfYear) > 0:
		return nextMonth(p.MonthsOfYear, step, last)
	}
	return timemath.AddDays(last, step)
}

// nextWeekday scans at most seven days forward. Wrapping into the following
// week skips step-1 further weeks.
func nextWeekday(days []int, step int, last time.Time) time.Time {
	want := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		want[time.Weekday(d)] = true
	}
	for i := 1; i <= 7; i++ {
		c := timemath.AddDays(last, i)
		if !want[c.Weekday()] {
			continue
		}
		if c.Weekday() <= last.Weekday() && step > 1 {
			c = timemath.AddDays(c, 7*(step-1))
		}
		return c
	}
	return timemath.AddDays(last, 1)
}

func nextMonthDay(days []int, step int, last time.Time) time.Time {
	ds := sortedUnique(days)
	y, m, d := last.Date()
	hh, mm, ss := last.Clock()
	loc := last.Location()

	limit := timemath.DaysIn(y, m)
	for _, want := range ds {
		if want > d && want <= limit {
			return time.Date(y, m, want, hh, mm, ss, last.Nanosecond(), loc)
		}
	}

	first := time.Date(y, m, 1, hh, mm, ss, last.Nanosecond(), loc)
	target := timemath.AddMonthsClamped(first, step)
	ty, tm, _ := target.Date()
	day := ds[0]
	if lim := timemath.DaysIn(ty, tm); day > lim {
		day = lim
	}
	return time.Date(ty, tm, day, hh, mm, ss, last.Nanosecond(), loc)
}

func nextMonth(months []int, step int, last time.Time) time.Time {
	ms := sortedUnique(months)
	y, m, d := last.Date()
	hh, mm, ss := last.Clock()
	loc := last.Location()

	at := func(year int, month time.Month) time.Time {
		day := d
		if lim := timemath.DaysIn(year, month); day > lim {
			day = lim
		}
		return time.Date(year, month, day, hh, mm, ss, last.Nanosecond(), loc)
	}

	cur := int(m) - 1
	for _, want := range ms {
		if want > cur {
			return at(y, time.Month(want+1))
		}
	}
	return at(y+step, time.Month(ms[0]+1))
}

func sortedUnique(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

// ShouldEnd reports whether next lies past the rule's end condition.
func ShouldEnd(rule domain.RepeatRule, next time.Time) bool {
	switch rule.End {
	case domain.EndAfter:
		return rule.Remaining <= 0
	case domain.EndUntil:
		return rule.Until != nil && next.After(*rule.Until)
	}
	return false
}

// Result describes one series advance.
type Result struct {
	// Next is the new occurrence start; zero when the series ended or the
	// rule does not repeat.
	Next  time.Time
	Ended bool
}

// Advance moves the rule past last. The after-count is decremented first, so
// a rule with one remaining occurrence ends on its first advance.
func Advance(rule domain.RepeatRule, last time.Time) (domain.RepeatRule, Result) {
	out := rule.Clone()
	if !out.Active() {
		return out, Result{}
	}

	cand, ok := Next(out, last)
	if !ok {
		return out, Result{}
	}
	if out.End == domain.EndAfter {
		out.Remaining--
	}
	if ShouldEnd(out, cand) {
		out.NextRun = nil
		out.Ended = true
		if out.Remaining < 0 {
			out.Remaining = 0
		}
		return out, Result{Ended: true}
	}
	out.NextRun = &cand
	return out, Result{Next: cand}
}
