package domain

import "time"

// Unit is a linear time unit for reminder offsets.
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
)

// Valid reports whether u is a known offset unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMinutes, UnitHours, UnitDays, UnitWeeks:
		return true
	}
	return false
}

type ReminderKind string

const (
	// KindAtTime fires at the item start.
	KindAtTime ReminderKind = "at_time"
	// KindFixed fires one of the preset offsets before the start.
	KindFixed ReminderKind = "fixed"
	// KindCustom fires an arbitrary amount of a unit before the start.
	KindCustom ReminderKind = "custom"
)

// Valid reports whether k is a known reminder kind.
func (k ReminderKind) Valid() bool {
	switch k {
	case KindAtTime, KindFixed, KindCustom:
		return true
	}
	return false
}

type Offset struct {
	Amount int  `json:"amount" bson:"amount"`
	Unit   Unit `json:"unit" bson:"unit"`
}

// Reminder is one reminder attached to an item's current occurrence.
type Reminder struct {
	Kind   ReminderKind `json:"kind" bson:"kind"`
	Offset Offset       `json:"offset,omitempty" bson:"offset,omitempty"`
	// CustomRecipient overrides the owner. It is either an email address or
	// a user ID.
	CustomRecipient string `json:"custom_recipient,omitempty" bson:"customRecipient,omitempty"`

	Triggered bool `json:"triggered" bson:"triggered"`
	// TriggerTime is zero until computed.
	TriggerTime   time.Time `json:"trigger_time,omitempty" bson:"triggerTime,omitempty"`
	MinutesBefore *int      `json:"minutes_before,omitempty" bson:"minutesBefore,omitempty"`

	Attempts      int        `json:"attempts,omitempty" bson:"attempts,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" bson:"lastAttemptAt,omitempty"`
	LastError     string     `json:"last_error,omitempty" bson:"lastError,omitempty"`
}

func (r Reminder) Clone() Reminder {
	cp := r
	if r.MinutesBefore != nil {
		v := *r.MinutesBefore
		cp.MinutesBefore = &v
	}
	if r.LastAttemptAt != nil {
		v := *r.LastAttemptAt
		cp.LastAttemptAt = &v
	}
	return cp
}
