// Package timemath is pure date and timezone arithmetic. Nothing here reads
// the clock.
package timemath

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"reminderd/internal/domain"
	"reminderd/pkg/logx"
)

// UnitDuration returns the linear length of one unit.
func UnitDuration(u domain.Unit) (time.Duration, bool) {
	switch u {
	case domain.UnitMinutes:
		return time.Minute, true
	case domain.UnitHours:
		return time.Hour, true
	case domain.UnitDays:
		return 24 * time.Hour, true
	case domain.UnitWeeks:
		return 7 * 24 * time.Hour, true
	}
	return 0, false
}

// AddUnits adds amount units to t without any zone shifting. A day is always
// 24h here, across DST changes too. Unknown units leave t unchanged.
func AddUnits(t time.Time, u domain.Unit, amount int) time.Time {
	d, ok := UnitDuration(u)
	if !ok {
		return t
	}
	return t.Add(time.Duration(amount) * d)
}

var zoneCache sync.Map // name -> *time.Location

// LoadZone resolves an IANA zone name, caching successful lookups.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("timezone: empty name")
	}
	if v, ok := zoneCache.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	zoneCache.Store(name, loc)
	return loc, nil
}

// IsValidZone reports whether name loads as an IANA zone. Empty is not valid.
func IsValidZone(name string) bool {
	_, err := LoadZone(name)
	return err == nil
}

// ConvertToZone expresses t in the named zone. The instant never changes,
// only the wall-clock fields. An empty or unresolvable zone returns t as-is;
// the latter logs a warning.
func ConvertToZone(t time.Time, zone string, log logx.Logger) time.Time {
	if strings.TrimSpace(zone) == "" {
		return t
	}
	loc, err := LoadZone(zone)
	if err != nil {
		log.Warn("invalid timezone, using instant as-is", logx.String("zone", zone), logx.Err(err))
		return t
	}
	return t.In(loc)
}

// HumanDuration renders b-a in its coarsest non-zero unit: "2 days",
// "1 hour", "45 minutes". Zero or negative spans are "0 minutes".
func HumanDuration(a, b time.Time) string {
	d := b.Sub(a)
	if d <= 0 {
		return "0 minutes"
	}
	if days := int64(d / (24 * time.Hour)); days > 0 {
		return plural(days, "day")
	}
	if hours := int64(d / time.Hour); hours > 0 {
		return plural(hours, "hour")
	}
	return plural(int64(d/time.Minute), "minute")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped adds n calendar months in t's location, keeping the
// day-of-month where the target month has it and clamping to the month's
// last day otherwise (Jan 31 + 1 month = Feb 28/29).
func AddMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	total := int(m) - 1 + n
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	tm := time.Month(total + 1)
	if last := DaysIn(y, tm); d > last {
		d = last
	}
	return time.Date(y, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// AddYearsClamped adds n years, clamping Feb 29 to Feb 28 off leap years.
func AddYearsClamped(t time.Time, n int) time.Time {
	return AddMonthsClamped(t, 12*n)
}

// AddDays adds n calendar days keeping the wall clock in t's location.
func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// AllDayEnd is the offset of the last representable instant of an all-day
// window from its local midnight.
const AllDayEnd = 24*time.Hour - time.Millisecond

// NormalizeAllDay returns local midnight and 23:59:59.999 of t's date in loc.
// The window always spans 24h of wall clock.
func NormalizeAllDay(t time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = t.Location()
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	end = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), loc)
	return start, end
}
