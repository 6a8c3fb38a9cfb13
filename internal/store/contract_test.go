package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"reminderd/internal/domain"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func mkItem(id string, reminders ...domain.Reminder) domain.Item {
	return domain.Item{
		ID:         id,
		Collection: domain.CollectionEvents,
		OwnerID:    "owner-1",
		Title:      "item " + id,
		StartTime:  t0,
		EndTime:    t0.Add(time.Hour),
		Reminders:  reminders,
		Version:    1,
	}
}

func pending(at time.Time) domain.Reminder {
	return domain.Reminder{Kind: domain.KindAtTime, TriggerTime: at}
}

func fired(at time.Time) domain.Reminder {
	return domain.Reminder{Kind: domain.KindAtTime, TriggerTime: at, Triggered: true}
}

func ids(items []domain.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	seed := []domain.Item{
		mkItem("a", pending(t0.Add(-time.Hour))),
		mkItem("b", fired(t0.Add(-time.Hour))),
		mkItem("c", pending(t0.Add(time.Hour))),
		mkItem("d", domain.Reminder{Kind: domain.KindFixed}), // trigger not computed yet
		mkItem("e", fired(t0.Add(-2*time.Hour)), pending(t0)),
	}
	for _, it := range seed {
		if err := s.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem(%s): %v", it.ID, err)
		}
	}
	task := mkItem("t1", pending(t0.Add(-time.Minute)))
	task.Collection = domain.CollectionTasks
	if err := s.PutItem(ctx, task); err != nil {
		t.Fatalf("PutItem(task): %v", err)
	}

	t.Run("due selection skips triggered", func(t *testing.T) {
		got, err := s.FindDueReminders(ctx, domain.CollectionEvents, t0, 0, 50)
		if err != nil {
			t.Fatalf("FindDueReminders: %v", err)
		}
		if fmt.Sprint(ids(got)) != "[a d e]" {
			t.Fatalf("due = %v, want [a d e]", ids(got))
		}
		for _, it := range got {
			if len(it.DueIndexes(t0)) == 0 {
				t.Fatalf("item %s returned without a due reminder", it.ID)
			}
		}
	})

	t.Run("collections are independent", func(t *testing.T) {
		got, err := s.FindDueReminders(ctx, domain.CollectionTasks, t0, 0, 50)
		if err != nil {
			t.Fatalf("FindDueReminders(tasks): %v", err)
		}
		if fmt.Sprint(ids(got)) != "[t1]" {
			t.Fatalf("tasks due = %v, want [t1]", ids(got))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		p1, err := s.FindDueReminders(ctx, domain.CollectionEvents, t0, 0, 2)
		if err != nil {
			t.Fatal(err)
		}
		p2, err := s.FindDueReminders(ctx, domain.CollectionEvents, t0, 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(ids(p1), ids(p2)) != "[a d] [e]" {
			t.Fatalf("pages = %v %v", ids(p1), ids(p2))
		}
	})

	t.Run("advance marks triggered and is never reselected", func(t *testing.T) {
		it, err := s.GetItem(ctx, domain.CollectionEvents, "a")
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		r := it.Reminders[0]
		r.Triggered = true
		r.Attempts = 1
		v := it.Version
		err = s.AdvanceItem(ctx, domain.CollectionEvents, "a", ItemUpdate{
			Reminders:       map[int]domain.Reminder{0: r},
			ExpectedVersion: &v,
		})
		if err != nil {
			t.Fatalf("AdvanceItem: %v", err)
		}
		for _, now := range []time.Time{t0, t0.Add(24 * time.Hour), t0.Add(365 * 24 * time.Hour)} {
			got, err := s.FindDueReminders(ctx, domain.CollectionEvents, now, 0, 50)
			if err != nil {
				t.Fatal(err)
			}
			for _, g := range got {
				if g.ID == "a" {
					t.Fatalf("triggered item a reselected at %v", now)
				}
			}
		}
		after, err := s.GetItem(ctx, domain.CollectionEvents, "a")
		if err != nil {
			t.Fatal(err)
		}
		if after.Version != v+1 || !after.Reminders[0].Triggered || after.Reminders[0].Attempts != 1 {
			t.Fatalf("after advance: version=%d reminder=%+v", after.Version, after.Reminders[0])
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		stale := int64(1)
		err := s.AdvanceItem(ctx, domain.CollectionEvents, "a", ItemUpdate{
			Reminders:       map[int]domain.Reminder{0: pending(t0)},
			ExpectedVersion: &stale,
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("AdvanceItem(stale) = %v, want ErrConflict", err)
		}
	})

	t.Run("missing item", func(t *testing.T) {
		err := s.AdvanceItem(ctx, domain.CollectionEvents, "nope", ItemUpdate{Ended: new(bool)})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("AdvanceItem(missing) = %v, want ErrNotFound", err)
		}
		if _, err := s.GetItem(ctx, domain.CollectionEvents, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetItem(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("series fields", func(t *testing.T) {
		next := t0.Add(7 * 24 * time.Hour)
		rem := 3
		ended := false
		end := next.Add(time.Hour)
		u := ItemUpdate{StartTime: &next, EndTime: &end, Remaining: &rem, Ended: &ended}
		SetNextRun(&u, &next)
		if err := s.AdvanceItem(ctx, domain.CollectionEvents, "c", u); err != nil {
			t.Fatalf("AdvanceItem: %v", err)
		}
		got, err := s.GetItem(ctx, domain.CollectionEvents, "c")
		if err != nil {
			t.Fatal(err)
		}
		if got.Repeat.NextRun == nil || !got.Repeat.NextRun.Equal(next) || got.Repeat.Remaining != 3 || !got.StartTime.Equal(next) {
			t.Fatalf("series fields not applied: %+v", got.Repeat)
		}

		u = ItemUpdate{}
		SetNextRun(&u, nil)
		if err := s.AdvanceItem(ctx, domain.CollectionEvents, "c", u); err != nil {
			t.Fatalf("AdvanceItem(clear): %v", err)
		}
		got, _ = s.GetItem(ctx, domain.CollectionEvents, "c")
		if got.Repeat.NextRun != nil {
			t.Fatalf("NextRun = %v, want cleared", got.Repeat.NextRun)
		}
	})

	t.Run("owners and notifications", func(t *testing.T) {
		if _, err := s.LookupOwner(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LookupOwner(ghost) = %v, want ErrNotFound", err)
		}
		o := domain.Owner{ID: "owner-1", Email: "o@example.com", Timezone: "Europe/Berlin"}
		if err := s.PutOwner(ctx, o); err != nil {
			t.Fatal(err)
		}
		got, err := s.LookupOwner(ctx, "owner-1")
		if err != nil || got.Email != o.Email || got.Timezone != o.Timezone {
			t.Fatalf("LookupOwner = %+v, %v", got, err)
		}
		n := domain.Notification{ID: "n1", RecipientID: "owner-1", Collection: domain.CollectionEvents, ItemID: "a", CreatedAt: t0}
		if err := s.InsertNotification(ctx, n); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
		dup := n
		dup.RecipientID = "owner-2"
		if err := s.InsertNotification(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("InsertNotification(dup id) = %v, want ErrDuplicate", err)
		}
	})

	if s.ConnectionState() != Connected {
		t.Fatalf("ConnectionState = %v, want connected", s.ConnectionState())
	}
}
