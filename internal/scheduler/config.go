package scheduler

import (
	"time"

	"reminderd/internal/domain"
)

// Config controls the poll loop. Zero values take the defaults below.
type Config struct {
	// PollInterval is the tick cadence when Schedule is empty.
	PollInterval time.Duration
	// Schedule optionally replaces PollInterval with a cron expression,
	// an "@every" descriptor, a Go duration or HH:MM.
	Schedule string
	// Timezone is the cron location for Schedule.
	Timezone string

	MinCooldown time.Duration
	RunTimeout  time.Duration
	BatchSize   int

	// MaxConsecutiveFailures forces a store reconnect on the next run.
	MaxConsecutiveFailures int
	// FatalFailures escalates logging to error level. The loop keeps going.
	FatalFailures int

	ConnectTimeout  time.Duration
	ConnectPoll     time.Duration
	BatchRetryDelay time.Duration

	RunOnStart  bool
	Collections []domain.Collection
}

const (
	DefaultPollInterval           = 60 * time.Second
	DefaultMinCooldown            = 30 * time.Second
	DefaultRunTimeout             = 45 * time.Second
	DefaultBatchSize              = 50
	DefaultMaxConsecutiveFailures = 5
	DefaultFatalFailures          = 100
	DefaultConnectTimeout         = 30 * time.Second
	DefaultConnectPoll            = time.Second
	DefaultBatchRetryDelay        = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MinCooldown <= 0 {
		c.MinCooldown = DefaultMinCooldown
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.FatalFailures <= 0 {
		c.FatalFailures = DefaultFatalFailures
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectPoll <= 0 {
		c.ConnectPoll = DefaultConnectPoll
	}
	if c.BatchRetryDelay <= 0 {
		c.BatchRetryDelay = DefaultBatchRetryDelay
	}
	if len(c.Collections) == 0 {
		c.Collections = domain.Collections()
	}
	return c
}
