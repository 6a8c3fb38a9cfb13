// Package reminder computes reminder trigger times and delivers due
// reminders, advancing repeating items once their occurrence is done.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/timemath"
	"reminderd/pkg/logx"
)

// ErrInvalidOffset reports a reminder whose offset cannot be computed.
var ErrInvalidOffset = errors.New("reminder: invalid offset")

// presetMinutes are the offsets a fixed reminder may use.
var presetMinutes = map[int]bool{
	15:    true,
	30:    true,
	60:    true,
	120:   true,
	1440:  true,
	2880:  true,
	10080: true,
}

func offsetMinutes(o domain.Offset) (int, bool) {
	d, ok := timemath.UnitDuration(o.Unit)
	if !ok || o.Amount <= 0 {
		return 0, false
	}
	return o.Amount * int(d/time.Minute), true
}

func offset(r domain.Reminder) (time.Duration, error) {
	switch r.Kind {
	case domain.KindAtTime:
		return 0, nil
	case domain.KindFixed:
		m, ok := offsetMinutes(r.Offset)
		if !ok || !presetMinutes[m] {
			return 0, fmt.Errorf("%w: fixed offset %d %s is not a preset", ErrInvalidOffset, r.Offset.Amount, r.Offset.Unit)
		}
		return time.Duration(m) * time.Minute, nil
	case domain.KindCustom:
		if r.Offset.Amount <= 0 || !r.Offset.Unit.Valid() {
			return 0, fmt.Errorf("%w: custom offset needs a positive amount and a unit", ErrInvalidOffset)
		}
		d, _ := timemath.UnitDuration(r.Offset.Unit)
		return time.Duration(r.Offset.Amount) * d, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOffset, r.Kind)
}

// TriggerTime returns when r fires for an occurrence starting at start.
// The start is first expressed in zone; an unusable zone only logs.
func TriggerTime(start time.Time, r domain.Reminder, zone string, log logx.Logger) (time.Time, error) {
	local := timemath.ConvertToZone(start, zone, log)
	d, err := offset(r)
	if err != nil {
		return time.Time{}, err
	}
	return local.Add(-d), nil
}

// MinutesBefore is the display offset. It is only set for the presets and
// for custom reminders counted in minutes.
func MinutesBefore(r domain.Reminder) *int {
	var m int
	switch r.Kind {
	case domain.KindAtTime:
		return nil
	case domain.KindFixed:
		v, ok := offsetMinutes(r.Offset)
		if !ok || !presetMinutes[v] {
			return nil
		}
		m = v
	case domain.KindCustom:
		if r.Offset.Unit != domain.UnitMinutes || r.Offset.Amount <= 0 {
			return nil
		}
		m = r.Offset.Amount
	default:
		return nil
	}
	return &m
}

// ItemZone picks the zone reminders of it are computed in: the item
// override, then the owner's zone, then def.
func ItemZone(it domain.Item, owner domain.Owner, def string) string {
	switch {
	case it.Timezone != "":
		return it.Timezone
	case owner.Timezone != "":
		return owner.Timezone
	}
	return def
}

// Schedule recomputes every reminder of it for its current start. Invalid
// reminders fall back to the start time. Triggered state is left alone.
func Schedule(it *domain.Item, zone string, log logx.Logger) {
	for i := range it.Reminders {
		r := &it.Reminders[i]
		at, err := TriggerTime(it.StartTime, *r, zone, log)
		if err != nil {
			log.Warn("reminder offset invalid, firing at start time",
				logx.String("item", it.ID), logx.Int("index", i), logx.Err(err))
			at = timemath.ConvertToZone(it.StartTime, zone, log)
		}
		r.TriggerTime = at
		r.MinutesBefore = MinutesBefore(*r)
	}
}

// Prepare readies a new item for storage: all-day windows are normalised,
// every trigger time is computed and a repeating rule gets its first
// NextRun. It never fails.
func Prepare(it domain.Item, zone string, log logx.Logger) domain.Item {
	out := it.Clone()
	if out.AllDay {
		loc, err := timemath.LoadZone(zone)
		if err != nil {
			loc = time.UTC
		}
		out.StartTime, out.EndTime = timemath.NormalizeAllDay(out.StartTime, loc)
	}
	if out.EndTime.IsZero() {
		out.EndTime = out.StartTime
	}
	Schedule(&out, zone, log)
	if out.Repeat.Active() {
		st := out.StartTime
		out.Repeat.NextRun = &st
		if out.Repeat.Interval <= 0 {
			out.Repeat.Interval = 1
		}
	} else {
		out.Repeat.NextRun = nil
	}
	return out
}
