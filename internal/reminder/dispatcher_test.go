package reminder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/notifier"
	"reminderd/internal/store"
	"reminderd/pkg/logx"
)

type fakeNotifier struct {
	mu       sync.Mutex
	inapp    []string
	emails   []string
	inappErr error
	emailErr error
}

func (f *fakeNotifier) CreateNotification(_ context.Context, id string, _ domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inappErr != nil {
		return f.inappErr
	}
	f.inapp = append(f.inapp, id)
	return nil
}

func (f *fakeNotifier) SendEmail(_ context.Context, addr, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emails = append(f.emails, addr)
	return nil
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, nt *fakeNotifier, it domain.Item) (*Dispatcher, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.PutOwner(ctx, domain.Owner{ID: "u1", Email: "owner@example.com", Timezone: "UTC"}); err != nil {
		t.Fatalf("PutOwner: %v", err)
	}
	if err := st.PutOwner(ctx, domain.Owner{ID: "u2", Email: "guest@example.com"}); err != nil {
		t.Fatalf("PutOwner: %v", err)
	}
	if err := st.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	d := NewDispatcher(Config{}, st, nt, logx.Nop(), WithClock(func() time.Time { return t0 }))
	return d, st
}

func dueItem() domain.Item {
	return domain.Item{
		ID: "e1", Collection: domain.CollectionEvents, OwnerID: "u1",
		Title:     "Standup",
		Subtype:   domain.SubtypeMeeting,
		StartTime: t0.Add(30 * time.Minute),
		EndTime:   t0.Add(45 * time.Minute),
		Reminders: []domain.Reminder{{
			Kind:        domain.KindFixed,
			Offset:      domain.Offset{Amount: 30, Unit: domain.UnitMinutes},
			TriggerTime: t0,
		}},
	}
}

func get(t *testing.T, st *store.MemoryStore, id string) domain.Item {
	t.Helper()
	it, err := st.GetItem(context.Background(), domain.CollectionEvents, id)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	return it
}

func TestDispatchMarksTriggered(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	d, st := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if len(out) != 1 || len(out[0].Delivered) != 1 || out[0].Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	got := get(t, st, "e1")
	r := got.Reminders[0]
	if !r.Triggered || r.Attempts != 1 || r.LastAttemptAt == nil || r.LastError != "" {
		t.Fatalf("reminder = %+v", r)
	}
	if got.Version != it.Version+1 {
		t.Fatalf("version = %d", got.Version)
	}
	if len(nt.inapp) != 1 || nt.inapp[0] != "u1" || len(nt.emails) != 1 || nt.emails[0] != "owner@example.com" {
		t.Fatalf("deliveries inapp=%v emails=%v", nt.inapp, nt.emails)
	}
}

func TestDispatchAllFailuresLeaveUntriggered(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{inappErr: errors.New("inbox down"), emailErr: errors.New("smtp down")}
	it := dueItem()
	d, st := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if len(out[0].Failed) != 1 || len(out[0].Delivered) != 0 {
		t.Fatalf("outcome = %+v", out[0])
	}
	r := get(t, st, "e1").Reminders[0]
	if r.Triggered {
		t.Fatal("reminder must stay untriggered when every delivery failed")
	}
	if r.Attempts != 1 || r.LastError == "" {
		t.Fatalf("bookkeeping = %+v", r)
	}
}

func TestDispatchEmailDisabledStillDelivers(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{emailErr: notifier.ErrDisabled}
	it := dueItem()
	d, st := newFixture(t, nt, it)

	d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if !get(t, st, "e1").Reminders[0].Triggered {
		t.Fatal("in-app success alone should trigger the reminder")
	}
}

func TestDispatchParticipants(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Participants = []string{"u2", "u1", "ghost"}
	d, _ := newFixture(t, nt, it)

	d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if len(nt.inapp) != 3 {
		t.Fatalf("inapp = %v, want owner, u2 and ghost", nt.inapp)
	}
	if len(nt.emails) != 2 {
		t.Fatalf("emails = %v", nt.emails)
	}
}

func TestDispatchParticipantsEachGetInboxEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, store.Config{Path: filepath.Join(t.TempDir(), "reminderd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, o := range []domain.Owner{{ID: "u1", Timezone: "UTC"}, {ID: "u2"}} {
		if err := st.PutOwner(ctx, o); err != nil {
			t.Fatalf("PutOwner: %v", err)
		}
	}
	it := dueItem()
	it.Participants = []string{"u2"}
	if err := st.PutItem(ctx, it); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	nt := notifier.New(notifier.Config{}, st, logx.Nop(),
		notifier.WithSleep(func(context.Context, time.Duration) error { return nil }))
	d := NewDispatcher(Config{}, st, nt, logx.Nop(), WithClock(func() time.Time { return t0 }))

	out := d.DispatchDue(ctx, []Due{{Item: it, Index: 0}})
	if len(out) != 1 || len(out[0].Delivered) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	for _, id := range []string{"u1", "u2"} {
		inbox, err := st.ListNotifications(ctx, id, 10)
		if err != nil {
			t.Fatalf("ListNotifications(%s): %v", id, err)
		}
		if len(inbox) != 1 {
			t.Fatalf("inbox %s has %d notifications, want 1", id, len(inbox))
		}
	}
}

func TestDispatchCustomRecipient(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		override  string
		wantInApp []string
		wantEmail []string
	}{
		{"email", "boss@example.com", nil, []string{"boss@example.com"}},
		{"user id", "u2", []string{"u2"}, []string{"guest@example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			nt := &fakeNotifier{}
			it := dueItem()
			it.Reminders[0].CustomRecipient = tc.override
			d, _ := newFixture(t, nt, it)

			d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
			if !equal(nt.inapp, tc.wantInApp) || !equal(nt.emails, tc.wantEmail) {
				t.Fatalf("inapp=%v emails=%v", nt.inapp, nt.emails)
			}
		})
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDispatchAdvancesSeries(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Repeat = domain.RepeatRule{Repeating: true, Frequency: domain.FrequencyDaily, Interval: 1}
	d, st := newFixture(t, nt, it)
	bus := eventbus.New()
	d.bus = bus
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if !out[0].Advanced || out[0].SeriesEnded {
		t.Fatalf("outcome = %+v", out[0])
	}

	got := get(t, st, "e1")
	wantStart := it.StartTime.Add(24 * time.Hour)
	if !got.StartTime.Equal(wantStart) || got.Duration() != it.Duration() {
		t.Fatalf("window = %s..%s", got.StartTime, got.EndTime)
	}
	r := got.Reminders[0]
	if r.Triggered || r.Attempts != 0 || !r.TriggerTime.Equal(wantStart.Add(-30*time.Minute)) {
		t.Fatalf("reminder = %+v", r)
	}
	if got.Repeat.NextRun == nil || !got.Repeat.NextRun.Equal(wantStart) {
		t.Fatalf("next run = %v", got.Repeat.NextRun)
	}
	if got.Version != it.Version+1 {
		t.Fatalf("expected one write, version = %d", got.Version)
	}
	if e := <-ch; e.Type != eventbus.ReminderDelivered {
		t.Fatalf("event = %s", e.Type)
	}
}

func TestDispatchEndsSeries(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Repeat = domain.RepeatRule{Repeating: true, Frequency: domain.FrequencyWeekly, Interval: 1, End: domain.EndAfter, Remaining: 1}
	d, st := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if !out[0].SeriesEnded {
		t.Fatalf("outcome = %+v", out[0])
	}
	got := get(t, st, "e1")
	if !got.Repeat.Ended || got.Repeat.NextRun != nil || got.Repeat.Remaining != 0 {
		t.Fatalf("repeat = %+v", got.Repeat)
	}
	if !got.Reminders[0].Triggered || !got.StartTime.Equal(it.StartTime) {
		t.Fatal("an ended series keeps its last occurrence triggered")
	}
}

func TestDispatchWaitsForEveryReminder(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Repeat = domain.RepeatRule{Repeating: true, Frequency: domain.FrequencyDaily}
	it.Reminders = append(it.Reminders, domain.Reminder{Kind: domain.KindAtTime, TriggerTime: it.StartTime})
	d, st := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if out[0].Advanced {
		t.Fatal("series advanced with a reminder still pending")
	}
	got := get(t, st, "e1")
	if !got.Reminders[0].Triggered || got.Reminders[1].Triggered {
		t.Fatalf("reminders = %+v", got.Reminders)
	}
}

func TestDispatchLazyTriggerInFuture(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.StartTime = t0.Add(2 * time.Hour)
	it.EndTime = t0.Add(3 * time.Hour)
	it.Reminders[0].TriggerTime = time.Time{}
	d, st := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}})
	if len(out[0].Deferred) != 1 || len(nt.inapp) != 0 {
		t.Fatalf("outcome = %+v inapp=%v", out[0], nt.inapp)
	}
	r := get(t, st, "e1").Reminders[0]
	if r.Triggered || !r.TriggerTime.Equal(t0.Add(90*time.Minute)) {
		t.Fatalf("reminder = %+v", r)
	}
}

func TestDispatchStaleVersionConflicts(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Version = 3
	d, _ := newFixture(t, nt, it)

	stale := it
	stale.Version = 2
	out := d.DispatchDue(context.Background(), []Due{{Item: stale, Index: 0}})
	if !errors.Is(out[0].Err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", out[0].Err)
	}
}

func TestDispatchSkipsTriggered(t *testing.T) {
	t.Parallel()
	nt := &fakeNotifier{}
	it := dueItem()
	it.Reminders[0].Triggered = true
	d, _ := newFixture(t, nt, it)

	out := d.DispatchDue(context.Background(), []Due{{Item: it, Index: 0}, {Item: it, Index: 0}})
	if len(out) != 1 || len(out[0].Delivered) != 0 || len(nt.inapp) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}
