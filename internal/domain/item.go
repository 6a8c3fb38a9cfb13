// Package domain holds the schedulable item model shared by the store,
// the reminder engine and the scheduler loop.
package domain

import "time"

// Collection names one of the independent item collections the
// scheduler polls.
type Collection string

const (
	CollectionEvents Collection = "events"
	CollectionTasks  Collection = "tasks"
)

// Collections lists every known collection in poll order.
func Collections() []Collection { return []Collection{CollectionEvents, CollectionTasks} }

// Valid reports whether c is one of Collections.
func (c Collection) Valid() bool {
	return c == CollectionEvents || c == CollectionTasks
}

type Subtype string

const (
	SubtypeMeeting     Subtype = "meeting"
	SubtypeBooking     Subtype = "booking"
	SubtypeCelebration Subtype = "celebration"
	SubtypeTask        Subtype = "task"
	SubtypeOther       Subtype = "other"
)

// Item is an event or task: one occurrence window, one repeat rule and the
// reminders attached to the current occurrence.
type Item struct {
	ID           string     `json:"id" bson:"_id"`
	Collection   Collection `json:"collection" bson:"collection"`
	OwnerID      string     `json:"owner_id" bson:"ownerId"`
	Participants []string   `json:"participants,omitempty" bson:"participants,omitempty"`
	Title        string     `json:"title" bson:"title"`
	Description  string     `json:"description,omitempty" bson:"description,omitempty"`
	Subtype      Subtype    `json:"subtype,omitempty" bson:"subtype,omitempty"`

	StartTime time.Time `json:"start_time" bson:"startTime"`
	EndTime   time.Time `json:"end_time" bson:"endTime"`
	AllDay    bool      `json:"all_day,omitempty" bson:"allDay,omitempty"`
	// Timezone overrides the owner's zone for this item when set.
	Timezone string `json:"timezone,omitempty" bson:"timezone,omitempty"`

	Repeat    RepeatRule `json:"repeat" bson:"repeat"`
	Reminders []Reminder `json:"reminders,omitempty" bson:"reminders,omitempty"`

	Version   int64     `json:"version" bson:"version"`
	CreatedAt time.Time `json:"created_at,omitempty" bson:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" bson:"updatedAt,omitempty"`
}

func (it Item) Duration() time.Duration {
	if it.EndTime.Before(it.StartTime) {
		return 0
	}
	return it.EndTime.Sub(it.StartTime)
}

// Clone returns a deep copy so callers can mutate reminders and the repeat
// rule without aliasing the original.
func (it Item) Clone() Item {
	cp := it
	if it.Participants != nil {
		cp.Participants = append([]string(nil), it.Participants...)
	}
	if it.Reminders != nil {
		cp.Reminders = make([]Reminder, len(it.Reminders))
		for i, r := range it.Reminders {
			cp.Reminders[i] = r.Clone()
		}
	}
	cp.Repeat = it.Repeat.Clone()
	return cp
}

// DueAt reports whether reminder i is selectable at now: untriggered and
// either past its trigger time or without one yet.
func (it Item) DueAt(i int, now time.Time) bool {
	if i < 0 || i >= len(it.Reminders) {
		return false
	}
	r := it.Reminders[i]
	if r.Triggered {
		return false
	}
	return r.TriggerTime.IsZero() || !r.TriggerTime.After(now)
}

// DueIndexes returns the indexes of every reminder due at now.
func (it Item) DueIndexes(now time.Time) []int {
	var out []int
	for i := range it.Reminders {
		if it.DueAt(i, now) {
			out = append(out, i)
		}
	}
	return out
}

// Owner is the directory entry used to resolve recipients and zones.
type Owner struct {
	ID             string `json:"id" bson:"_id"`
	Name           string `json:"name,omitempty" bson:"name,omitempty"`
	Email          string `json:"email,omitempty" bson:"email,omitempty"`
	Timezone       string `json:"timezone,omitempty" bson:"timezone,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty" bson:"telegramChatId,omitempty"`
}

// Notification is an in-app inbox entry.
type Notification struct {
	ID            string     `json:"id" bson:"_id"`
	RecipientID   string     `json:"recipient_id" bson:"recipientId"`
	Collection    Collection `json:"collection" bson:"collection"`
	ItemID        string     `json:"item_id" bson:"itemId"`
	ReminderIndex int        `json:"reminder_index" bson:"reminderIndex"`
	Title         string     `json:"title" bson:"title"`
	Body          string     `json:"body" bson:"body"`
	TriggerTime   time.Time  `json:"trigger_time" bson:"triggerTime"`
	CreatedAt     time.Time  `json:"created_at" bson:"createdAt"`
	Read          bool       `json:"read" bson:"read"`
}

// RunStats describes one scheduler poll cycle. It is never persisted.
type RunStats struct {
	RunID     string    `json:"run_id"`
	TotalDue  int       `json:"total_due"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	// Skipped is empty for runs that executed.
	Skipped  string `json:"skipped,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (s RunStats) Duration() time.Duration {
	if s.EndTime.IsZero() || s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
