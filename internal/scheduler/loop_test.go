package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/reminder"
	"reminderd/internal/store"
	"reminderd/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu           sync.Mutex
	state        store.ConnState
	reconnectErr error
	items        map[domain.Collection][]domain.Item
	findErrs     map[domain.Collection][]error
	calls        []string
	// blockFind makes queries wait for their context to end.
	blockFind bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:    store.Connected,
		items:    map[domain.Collection][]domain.Item{},
		findErrs: map[domain.Collection][]error{},
	}
}

func (s *fakeStore) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) FindDueReminders(ctx context.Context, coll domain.Collection, _ time.Time, skip, limit int) ([]domain.Item, error) {
	s.record(fmt.Sprintf("find:%s:%d", coll, skip))
	if s.blockFind {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.findErrs[coll]; len(errs) > 0 {
		s.findErrs[coll] = errs[1:]
		return nil, errs[0]
	}
	all := s.items[coll]
	if skip >= len(all) {
		return nil, nil
	}
	end := skip + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]domain.Item(nil), all[skip:end]...), nil
}

func (s *fakeStore) remove(coll domain.Collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.items[coll]
	for i, it := range list {
		if it.ID == id {
			s.items[coll] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (s *fakeStore) ConnectionState() store.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStore) Reconnect(context.Context) error {
	s.record("reconnect")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectErr != nil {
		s.state = store.Disconnected
		return s.reconnectErr
	}
	s.state = store.Connected
	return nil
}

// fakeDispatcher delivers everything and drops delivered items from the
// store, the way a real triggered reminder leaves the due set.
type fakeDispatcher struct {
	st      *fakeStore
	entered chan struct{}
	release chan struct{}
	onCall  func()
	fail    bool
	// got lists the item ID of every reminder handed over, in order.
	got []string
}

func (d *fakeDispatcher) DispatchDue(_ context.Context, due []reminder.Due) []reminder.Outcome {
	if d.entered != nil {
		d.entered <- struct{}{}
		<-d.release
	}
	if d.onCall != nil {
		d.onCall()
	}
	var out []reminder.Outcome
	for _, x := range due {
		d.got = append(d.got, x.Item.ID)
		o := reminder.Outcome{Collection: x.Item.Collection, ItemID: x.Item.ID}
		if d.fail {
			o.Failed = []int{x.Index}
		} else {
			o.Delivered = []int{x.Index}
			d.st.remove(x.Item.Collection, x.Item.ID)
		}
		out = append(out, o)
	}
	return out
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func dueItems(coll domain.Collection, ids ...string) []domain.Item {
	var out []domain.Item
	for _, id := range ids {
		out = append(out, domain.Item{
			ID: id, Collection: coll, OwnerID: "u1", StartTime: epoch,
			Reminders: []domain.Reminder{{Kind: domain.KindAtTime, TriggerTime: epoch.Add(-time.Minute)}},
		})
	}
	return out
}

type fixture struct {
	loop   *Loop
	st     *fakeStore
	disp   *fakeDispatcher
	clk    *clock
	sleeps []time.Duration
}

func newLoop(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{st: newFakeStore(), clk: &clock{t: epoch}}
	f.disp = &fakeDispatcher{st: f.st}
	var mu sync.Mutex
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		f.sleeps = append(f.sleeps, d)
		mu.Unlock()
		f.clk.Advance(d)
		return ctx.Err()
	}
	f.loop = New(cfg, f.st, f.disp, logx.Nop(), WithClock(f.clk.Now), WithSleep(sleep))
	return f
}

func TestRunProcessesBothCollections(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{BatchSize: 2})
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a", "b", "c")
	f.st.items[domain.CollectionTasks] = dueItems(domain.CollectionTasks, "t1")

	f.disp.onCall = func() { f.st.record("dispatch") }

	s := f.loop.Run(context.Background())
	if s.Skipped != "" || s.TotalDue != 4 || s.Processed != 4 || s.Errors != 0 {
		t.Fatalf("stats = %+v", s)
	}
	want := []string{"find:events:0", "find:events:2", "find:tasks:0", "dispatch", "dispatch", "dispatch"}
	if got := f.st.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if f.loop.Status().ConsecutiveFailures != 0 {
		t.Fatal("successful run must not count as failure")
	}
}

func TestRunQueriesAllCollectionsBeforeDispatch(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{})
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "e1")
	f.st.items[domain.CollectionTasks] = dueItems(domain.CollectionTasks, "t1")
	f.disp.onCall = func() { f.st.record("dispatch") }

	s := f.loop.Run(context.Background())
	if s.TotalDue != 2 || s.Processed != 2 {
		t.Fatalf("stats = %+v", s)
	}
	want := []string{"find:events:0", "find:tasks:0", "dispatch", "dispatch"}
	if got := f.st.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestDispatchPanicContinuesWithNextBatch(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{BatchSize: 2, Collections: []domain.Collection{domain.CollectionEvents}})
	items := dueItems(domain.CollectionEvents, "a", "b", "c", "d")
	for i := range items {
		items[i].Reminders = append(items[i].Reminders, domain.Reminder{Kind: domain.KindAtTime, TriggerTime: epoch.Add(-2 * time.Minute)})
	}
	f.st.items[domain.CollectionEvents] = items
	calls := 0
	f.disp.onCall = func() {
		calls++
		if calls == 1 {
			panic("notifier exploded")
		}
	}

	s := f.loop.Run(context.Background())
	if fmt.Sprint(f.disp.got) != "[c c d d]" {
		t.Fatalf("dispatched = %v, want [c c d d]", f.disp.got)
	}
	if s.TotalDue != 4 || s.Processed != 4 || s.Errors != 1 {
		t.Fatalf("stats = %+v", s)
	}
	want := []string{"find:events:0", "find:events:2", "find:events:4"}
	if got := f.st.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != DefaultBatchRetryDelay {
		t.Fatalf("sleeps = %v", f.sleeps)
	}
}

func TestRunSkipsPagesOfFailedItems(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{BatchSize: 2, Collections: []domain.Collection{domain.CollectionEvents}})
	f.disp.fail = true
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a", "b", "c")

	s := f.loop.Run(context.Background())
	if s.TotalDue != 3 || s.Processed != 0 || s.Errors != 3 {
		t.Fatalf("stats = %+v", s)
	}
	want := []string{"find:events:0", "find:events:2"}
	if got := f.st.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if f.loop.Status().ConsecutiveFailures != 1 {
		t.Fatal("a run where every delivery failed counts as failure")
	}
}

func TestRunSingleFlight(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{})
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a")
	f.disp.entered = make(chan struct{})
	f.disp.release = make(chan struct{})

	done := make(chan domain.RunStats, 1)
	go func() { done <- f.loop.Run(context.Background()) }()
	<-f.disp.entered

	before := len(f.st.Calls())
	second := f.loop.Run(context.Background())
	if second.Skipped != SkipInFlight || second.TotalDue != 0 {
		t.Fatalf("second run = %+v", second)
	}
	if !errors.Is(RunError(second), ErrRunning) {
		t.Fatalf("RunError = %v", RunError(second))
	}
	if after := len(f.st.Calls()); after != before {
		t.Fatalf("skipped run touched the store: %d -> %d calls", before, after)
	}

	close(f.disp.release)
	if first := <-done; first.Processed != 1 {
		t.Fatalf("first run = %+v", first)
	}
}

func TestRunCooldown(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{MinCooldown: 30 * time.Second})

	first := f.loop.Run(context.Background())
	if first.Skipped != "" {
		t.Fatalf("first run skipped: %s", first.Skipped)
	}
	f.clk.Advance(10 * time.Second)
	second := f.loop.Run(context.Background())
	if second.Skipped != SkipCooldown {
		t.Fatalf("second run = %+v", second)
	}
	if got := f.loop.Status().LastRunTime; !got.Equal(epoch) {
		t.Fatalf("lastRunTime moved to %s", got)
	}

	f.clk.Advance(25 * time.Second)
	if third := f.loop.Run(context.Background()); third.Skipped != "" {
		t.Fatalf("third run skipped: %s", third.Skipped)
	}
}

func TestForcedReconnectAfterFailures(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{MaxConsecutiveFailures: 5})
	f.st.state = store.Disconnected
	f.st.reconnectErr = errors.New("dial tcp: connection refused")

	for i := 0; i < 5; i++ {
		s := f.loop.Run(context.Background())
		if s.Skipped != "" || s.Errors == 0 {
			t.Fatalf("run %d = %+v", i, s)
		}
		f.clk.Advance(31 * time.Second)
	}
	if got := f.loop.Status().ConsecutiveFailures; got != 5 {
		t.Fatalf("consecutive failures = %d, want 5", got)
	}
	for _, c := range f.st.Calls() {
		if c != "reconnect" {
			t.Fatalf("failed connects must not query: %v", c)
		}
	}

	// The store recovers on its own; the loop still resets it first.
	f.st.mu.Lock()
	f.st.state = store.Connected
	f.st.reconnectErr = nil
	f.st.calls = nil
	f.st.mu.Unlock()

	s := f.loop.Run(context.Background())
	calls := f.st.Calls()
	if len(calls) < 2 || calls[0] != "reconnect" || calls[1] != "find:events:0" {
		t.Fatalf("calls = %v, want reconnect before the first query", calls)
	}
	if s.Errors != 0 || f.loop.Status().ConsecutiveFailures != 0 {
		t.Fatalf("recovered run = %+v, failures = %d", s, f.loop.Status().ConsecutiveFailures)
	}
}

func TestConnectWaitIsBounded(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{ConnectTimeout: 5 * time.Second, ConnectPoll: time.Second})
	f.st.state = store.Disconnected
	f.st.reconnectErr = errors.New("refused")

	f.loop.Run(context.Background())
	if n := len(f.sleeps); n < 4 || n > 6 {
		t.Fatalf("connect polled %d times, want about 5", n)
	}
	for _, d := range f.sleeps {
		if d != time.Second {
			t.Fatalf("poll sleep = %s", d)
		}
	}
}

func TestBatchErrorIsCountedAndRetried(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{})
	f.st.findErrs[domain.CollectionEvents] = []error{errors.New("cursor: bad document")}
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a")

	s := f.loop.Run(context.Background())
	if s.Errors != 1 || s.Processed != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != DefaultBatchRetryDelay {
		t.Fatalf("sleeps = %v", f.sleeps)
	}
	if f.loop.Status().ConsecutiveFailures != 0 {
		t.Fatal("partial success must reset the failure streak")
	}
}

func TestTransientErrorAbortsRun(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{})
	f.st.findErrs[domain.CollectionEvents] = []error{store.ErrNotConnected}
	f.st.items[domain.CollectionTasks] = dueItems(domain.CollectionTasks, "t1")

	s := f.loop.Run(context.Background())
	if s.Processed != 0 || s.Errors != 1 {
		t.Fatalf("stats = %+v", s)
	}
	for _, c := range f.st.Calls() {
		if c == "find:tasks:0" {
			t.Fatal("run continued after a transient store error")
		}
	}
	if f.loop.Status().ConsecutiveFailures != 1 {
		t.Fatal("transient error must count as failure")
	}
}

func TestRunTimeCap(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{BatchSize: 1, RunTimeout: 45 * time.Second})
	f.st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a", "b")
	f.st.items[domain.CollectionTasks] = dueItems(domain.CollectionTasks, "t1")
	f.disp.onCall = func() { f.clk.Advance(50 * time.Second) }

	s := f.loop.Run(context.Background())
	if !s.TimedOut || s.Processed != 1 || s.TotalDue != 3 {
		t.Fatalf("stats = %+v", s)
	}
	if fmt.Sprint(f.disp.got) != "[a]" {
		t.Fatalf("dispatched = %v, want the loop to stop after the first batch", f.disp.got)
	}
}

func TestQueryCutByTimeCapIsNotFailure(t *testing.T) {
	t.Parallel()
	f := newLoop(t, Config{RunTimeout: 50 * time.Millisecond})
	f.st.blockFind = true

	s := f.loop.Run(context.Background())
	if !s.TimedOut || s.Errors != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if got := f.loop.Status().ConsecutiveFailures; got != 0 {
		t.Fatalf("consecutive failures = %d, want 0", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	l := New(Config{RunOnStart: true, PollInterval: time.Hour}, st, &fakeDispatcher{st: st}, logx.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if l.Status().LastRunTime.IsZero() {
		t.Fatal("run on start did not happen before Stop returned")
	}
}

func TestStopWaitsForRunOnReplacedCron(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.items[domain.CollectionEvents] = dueItems(domain.CollectionEvents, "a")
	disp := &fakeDispatcher{st: st, entered: make(chan struct{}), release: make(chan struct{})}
	l := New(Config{Schedule: "@every 1s"}, st, disp, logx.Nop())
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-disp.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never fired")
	}
	if err := l.Apply(Config{PollInterval: time.Hour}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.Stop(short); err == nil {
		t.Fatal("Stop returned while a run from the replaced cron was in flight")
	}
	close(disp.release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop after release: %v", err)
	}
}

func TestTickSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "@every 1m0s", false},
		{"90s", "@every 1m30s", false},
		{"00:05", "@every 5m0s", false},
		{"*/2 * * * *", "*/2 * * * *", false},
		{"cron:@hourly", "@hourly", false},
		{"@every 30s", "@every 30s", false},
		{"not a schedule", "", true},
		{"-1m", "", true},
		{"00:75", "", true},
	}
	for _, tc := range cases {
		got, err := TickSpec(tc.in, time.Minute)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("TickSpec(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("TickSpec(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
