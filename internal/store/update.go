package store

import (
	"fmt"
	"sort"
	"time"

	"reminderd/internal/domain"
)

// ItemUpdate is a partial write. Nil fields are left untouched.
//
// NextRun is a pointer to a pointer so callers can distinguish:
//   - nil: don't update repeat.nextRun
//   - pointer to nil: clear repeat.nextRun (series ended)
//   - pointer to a time: set repeat.nextRun to that time
type ItemUpdate struct {
	// Reminders replaces reminders[i] for every key i.
	Reminders map[int]domain.Reminder

	StartTime *time.Time
	EndTime   *time.Time

	NextRun   **time.Time
	Remaining *int
	Ended     *bool

	// ExpectedVersion, when set, makes the write fail with ErrConflict if
	// the stored item moved on since it was read.
	ExpectedVersion *int64
}

func (u ItemUpdate) Empty() bool {
	return len(u.Reminders) == 0 && u.StartTime == nil && u.EndTime == nil &&
		u.NextRun == nil && u.Remaining == nil && u.Ended == nil
}

// ReminderIndexes returns the patched indexes in ascending order.
func (u ItemUpdate) ReminderIndexes() []int {
	out := make([]int, 0, len(u.Reminders))
	for i := range u.Reminders {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Apply mutates it in place. It bumps Version and stamps UpdatedAt.
func (u ItemUpdate) Apply(it *domain.Item, now time.Time) error {
	for _, i := range u.ReminderIndexes() {
		if i < 0 || i >= len(it.Reminders) {
			return fmt.Errorf("store: reminder index %d out of range (item %s has %d)", i, it.ID, len(it.Reminders))
		}
		it.Reminders[i] = u.Reminders[i].Clone()
	}
	if u.StartTime != nil {
		it.StartTime = *u.StartTime
	}
	if u.EndTime != nil {
		it.EndTime = *u.EndTime
	}
	if u.NextRun != nil {
		if *u.NextRun == nil {
			it.Repeat.NextRun = nil
		} else {
			v := **u.NextRun
			it.Repeat.NextRun = &v
		}
	}
	if u.Remaining != nil {
		it.Repeat.Remaining = *u.Remaining
	}
	if u.Ended != nil {
		it.Repeat.Ended = *u.Ended
	}
	it.Version++
	it.UpdatedAt = now
	return nil
}

// SetNextRun is a convenience for the double pointer.
func SetNextRun(u *ItemUpdate, t *time.Time) {
	u.NextRun = &t
}

// nextDue is the earliest pending trigger. ok is false when every reminder
// has triggered. A pending reminder without a trigger time counts as due
// from the epoch.
func nextDue(it domain.Item) (t time.Time, ok bool) {
	for _, r := range it.Reminders {
		if r.Triggered {
			continue
		}
		if r.TriggerTime.IsZero() {
			return time.Time{}, true
		}
		if !ok || r.TriggerTime.Before(t) {
			t = r.TriggerTime
			ok = true
		}
	}
	return t, ok
}
