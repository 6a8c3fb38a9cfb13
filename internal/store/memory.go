package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reminderd/internal/domain"
)

// MemoryStore keeps everything in maps guarded by one mutex. Items are
// stored as deep copies.
type MemoryStore struct {
	mu            sync.Mutex
	items         map[domain.Collection]map[string]domain.Item
	owners        map[string]domain.Owner
	notifications []domain.Notification
	closed        bool

	now func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		items:  map[domain.Collection]map[string]domain.Item{},
		owners: map[string]domain.Owner{},
		now:    time.Now,
	}
}

func (s *MemoryStore) FindDueReminders(ctx context.Context, coll domain.Collection, now time.Time, skip, limit int) ([]domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(s.items[coll]))
	for id, it := range s.items[coll] {
		if len(it.DueIndexes(now)) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if skip < 0 {
		skip = 0
	}
	if skip >= len(ids) {
		return nil, nil
	}
	ids = ids[skip:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[coll][id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) AdvanceItem(ctx context.Context, coll domain.Collection, id string, u ItemUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	it, ok := s.items[coll][id]
	if !ok {
		return fmt.Errorf("advance %s/%s: %w", coll, id, ErrNotFound)
	}
	if u.ExpectedVersion != nil && *u.ExpectedVersion != it.Version {
		return fmt.Errorf("advance %s/%s: %w (have %d, want %d)", coll, id, ErrConflict, it.Version, *u.ExpectedVersion)
	}
	if u.Empty() {
		return nil
	}
	cp := it.Clone()
	if err := u.Apply(&cp, s.now()); err != nil {
		return err
	}
	s.items[coll][id] = cp
	return nil
}

func (s *MemoryStore) PutItem(ctx context.Context, it domain.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := it.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := s.items[it.Collection]
	if m == nil {
		m = map[string]domain.Item{}
		s.items[it.Collection] = m
	}
	m[it.ID] = it.Clone()
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, coll domain.Collection, id string) (domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return domain.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[coll][id]
	if !ok {
		return domain.Item{}, fmt.Errorf("get %s/%s: %w", coll, id, ErrNotFound)
	}
	return it.Clone(), nil
}

func (s *MemoryStore) LookupOwner(ctx context.Context, id string) (domain.Owner, error) {
	if err := ctx.Err(); err != nil {
		return domain.Owner{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[id]
	if !ok {
		return domain.Owner{}, fmt.Errorf("owner %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *MemoryStore) PutOwner(ctx context.Context, o domain.Owner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.ID] = o
	return nil
}

func (s *MemoryStore) InsertNotification(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, have := range s.notifications {
		if have.ID == n.ID {
			return fmt.Errorf("notification %s: %w", n.ID, ErrDuplicate)
		}
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns a copy of the inbox, oldest first.
func (s *MemoryStore) Notifications() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.notifications...)
}

func (s *MemoryStore) ConnectionState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Disconnected
	}
	return Connected
}

func (s *MemoryStore) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
