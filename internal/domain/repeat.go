package domain

import "time"

type Frequency string

const (
	FrequencyNone    Frequency = "none"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
	FrequencyCustom  Frequency = "custom"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case "", FrequencyNone, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly, FrequencyCustom:
		return true
	}
	return false
}

type EndKind string

const (
	EndNever EndKind = "never"
	EndUntil EndKind = "until"
	EndAfter EndKind = "after"
)

// Valid reports whether e is a known end condition.
func (e EndKind) Valid() bool {
	switch e {
	case "", EndNever, EndUntil, EndAfter:
		return true
	}
	return false
}

// CustomPattern selects occurrences by calendar fields. MonthsOfYear is
// zero-based (0 = January); DaysOfWeek uses time.Weekday numbering.
type CustomPattern struct {
	DaysOfWeek   []int `json:"days_of_week,omitempty" bson:"daysOfWeek,omitempty"`
	DaysOfMonth  []int `json:"days_of_month,omitempty" bson:"daysOfMonth,omitempty"`
	MonthsOfYear []int `json:"months_of_year,omitempty" bson:"monthsOfYear,omitempty"`
	Interval     int   `json:"interval,omitempty" bson:"interval,omitempty"`
}

func (p *CustomPattern) Clone() *CustomPattern {
	if p == nil {
		return nil
	}
	cp := *p
	cp.DaysOfWeek = append([]int(nil), p.DaysOfWeek...)
	cp.DaysOfMonth = append([]int(nil), p.DaysOfMonth...)
	cp.MonthsOfYear = append([]int(nil), p.MonthsOfYear...)
	return &cp
}

type RepeatRule struct {
	Repeating bool      `json:"repeating" bson:"repeating"`
	Frequency Frequency `json:"frequency,omitempty" bson:"frequency,omitempty"`
	Interval  int       `json:"interval,omitempty" bson:"interval,omitempty"`

	End       EndKind    `json:"end,omitempty" bson:"end,omitempty"`
	Until     *time.Time `json:"until,omitempty" bson:"until,omitempty"`
	Remaining int        `json:"remaining,omitempty" bson:"remaining,omitempty"`

	Custom *CustomPattern `json:"custom,omitempty" bson:"custom,omitempty"`

	// NextRun is nil for non-repeating items and for ended series.
	NextRun *time.Time `json:"next_run,omitempty" bson:"nextRun,omitempty"`
	Ended   bool       `json:"ended,omitempty" bson:"ended,omitempty"`
}

// Active reports whether the rule describes a live series.
func (r RepeatRule) Active() bool {
	return r.Repeating && r.Frequency != "" && r.Frequency != FrequencyNone && !r.Ended
}

// Step is the effective interval, never below one.
func (r RepeatRule) Step() int {
	if r.Frequency == FrequencyCustom && r.Custom != nil && r.Custom.Interval > 0 {
		return r.Custom.Interval
	}
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

func (r RepeatRule) Clone() RepeatRule {
	cp := r
	if r.Until != nil {
		v := *r.Until
		cp.Until = &v
	}
	if r.NextRun != nil {
		v := *r.NextRun
		cp.NextRun = &v
	}
	cp.Custom = r.Custom.Clone()
	return cp
}
