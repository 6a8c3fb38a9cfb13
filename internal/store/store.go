// Package store persists schedulable items, owners and in-app
// notifications.
//
// Backends:
//   - "mongo": MongoDB documents, one collection per item collection
//   - "sqlite": embedded SQLite with JSON documents and an indexed due column
//   - "memory": process-local maps, for tests and dry runs
//
// Every decoded item passes domain.Item.Validate before it reaches callers.
package store

import (
	"context"
	"errors"
	"time"

	"reminderd/internal/domain"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: version conflict")
	ErrDuplicate    = errors.New("store: duplicate id")
	ErrNotConnected = errors.New("store: not connected")
	ErrClosed       = errors.New("store: closed")
)

// ConnState is the coarse connection state the scheduler inspects before
// each run.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Connecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// Store is the persistence API used by the reminder engine.
type Store interface {
	// FindDueReminders returns items of coll holding at least one untriggered
	// reminder whose trigger time is at or before now, or not computed yet.
	// Results are ordered by item ID.
	FindDueReminders(ctx context.Context, coll domain.Collection, now time.Time, skip, limit int) ([]domain.Item, error)
	// AdvanceItem applies u atomically to one item.
	AdvanceItem(ctx context.Context, coll domain.Collection, id string, u ItemUpdate) error

	PutItem(ctx context.Context, it domain.Item) error
	GetItem(ctx context.Context, coll domain.Collection, id string) (domain.Item, error)

	LookupOwner(ctx context.Context, id string) (domain.Owner, error)
	PutOwner(ctx context.Context, o domain.Owner) error

	InsertNotification(ctx context.Context, n domain.Notification) error

	ConnectionState() ConnState
	// Reconnect drops the current connection and dials again.
	Reconnect(ctx context.Context) error
	Close() error
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports connection-level failures that should abort the
// current scheduler run and count toward a forced reconnect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te transientError
	return errors.As(err, &te)
}
