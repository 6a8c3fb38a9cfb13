package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/notifier"
	"reminderd/internal/recurrence"
	"reminderd/internal/store"
	"reminderd/internal/timemath"
	"reminderd/pkg/logx"
)

// Store is the slice of the item store the dispatcher writes through.
type Store interface {
	LookupOwner(ctx context.Context, id string) (domain.Owner, error)
	AdvanceItem(ctx context.Context, coll domain.Collection, id string, u store.ItemUpdate) error
}

// Notifier delivers to one recipient. SendEmail may return
// notifier.ErrDisabled, which counts as not attempted.
type Notifier interface {
	CreateNotification(ctx context.Context, recipientID string, n domain.Notification) error
	SendEmail(ctx context.Context, address, subject, html string) error
}

// Due names one reminder of one item selected for delivery.
type Due struct {
	Item  domain.Item
	Index int
}

// Outcome is the per-item result of a dispatch.
type Outcome struct {
	Collection domain.Collection
	ItemID     string
	// Delivered lists reminder indexes that reached at least one recipient.
	Delivered []int
	// Failed lists reminder indexes where every delivery failed.
	Failed []int
	// Deferred lists reminders whose freshly computed trigger is still ahead.
	Deferred []int
	// Advanced is set when the series moved to its next occurrence.
	Advanced    bool
	NextStart   time.Time
	SeriesEnded bool
	// Err is the store write error, if any.
	Err error
}

type Config struct {
	// DefaultTimezone applies when neither the item nor the owner has one.
	DefaultTimezone string
}

// DeliveryEvent is the payload of reminder.delivered and reminder.failed.
type DeliveryEvent struct {
	Collection domain.Collection `json:"collection"`
	ItemID     string            `json:"item_id"`
	Index      int               `json:"index"`
	Recipients int               `json:"recipients"`
	Error      string            `json:"error,omitempty"`
}

type Dispatcher struct {
	st  Store
	nt  Notifier
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option         { return func(d *Dispatcher) { d.bus = b } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func NewDispatcher(cfg Config, st Store, nt Notifier, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{st: st, nt: nt, log: log, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the runtime config.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// DispatchDue delivers every due reminder and persists the result with one
// write per item. Items are handled sequentially in first-seen order.
func (d *Dispatcher) DispatchDue(ctx context.Context, due []Due) []Outcome {
	type group struct {
		item    domain.Item
		indexes []int
	}
	var order []string
	groups := map[string]*group{}
	for _, x := range due {
		key := string(x.Item.Collection) + "/" + x.Item.ID
		g := groups[key]
		if g == nil {
			g = &group{item: x.Item}
			groups[key] = g
			order = append(order, key)
		}
		g.indexes = append(g.indexes, x.Index)
	}

	out := make([]Outcome, 0, len(order))
	for _, key := range order {
		if ctx.Err() != nil {
			break
		}
		g := groups[key]
		out = append(out, d.dispatchItem(ctx, g.item, g.indexes))
	}
	return out
}

type recipient struct {
	id    string
	email string
}

func (d *Dispatcher) dispatchItem(ctx context.Context, it domain.Item, indexes []int) Outcome {
	now := d.now()
	cfg := d.config()
	log := d.log.With(logx.String("coll", string(it.Collection)), logx.String("item", it.ID))
	res := Outcome{Collection: it.Collection, ItemID: it.ID}

	owner, err := d.lookup(ctx, it.OwnerID)
	if err != nil {
		log.Warn("owner lookup failed", logx.String("owner", it.OwnerID), logx.Err(err))
	}
	zone := ItemZone(it, owner, cfg.DefaultTimezone)

	work := it.Clone()
	version := it.Version
	upd := store.ItemUpdate{Reminders: map[int]domain.Reminder{}, ExpectedVersion: &version}

	seen := map[int]bool{}
	for _, idx := range indexes {
		if seen[idx] || !work.DueAt(idx, now) {
			continue
		}
		seen[idx] = true
		r := &work.Reminders[idx]

		if r.TriggerTime.IsZero() {
			at, err := TriggerTime(work.StartTime, *r, zone, log)
			if err != nil {
				log.Warn("reminder offset invalid, firing at start time", logx.Int("index", idx), logx.Err(err))
				at = work.StartTime
			}
			r.TriggerTime = at
			r.MinutesBefore = MinutesBefore(*r)
			if at.After(now) {
				upd.Reminders[idx] = r.Clone()
				res.Deferred = append(res.Deferred, idx)
				continue
			}
		}

		n, err := d.deliver(ctx, work, idx, owner, zone, now)
		r.Attempts++
		at := now
		r.LastAttemptAt = &at
		if n > 0 {
			r.Triggered = true
			r.LastError = ""
			res.Delivered = append(res.Delivered, idx)
			d.publish(eventbus.ReminderDelivered, DeliveryEvent{Collection: it.Collection, ItemID: it.ID, Index: idx, Recipients: n})
		} else {
			if err == nil {
				err = errors.New("no deliverable recipient")
			}
			r.LastError = err.Error()
			res.Failed = append(res.Failed, idx)
			log.Warn("reminder delivery failed", logx.Int("index", idx), logx.Int("attempts", r.Attempts), logx.Err(err))
			d.publish(eventbus.ReminderFailed, DeliveryEvent{Collection: it.Collection, ItemID: it.ID, Index: idx, Error: err.Error()})
		}
		upd.Reminders[idx] = r.Clone()
	}

	if len(res.Delivered) > 0 && work.Repeat.Active() && allTriggered(work) {
		d.advanceSeries(&work, &upd, &res, zone, log)
	}

	if upd.Empty() {
		return res
	}
	if err := d.st.AdvanceItem(ctx, it.Collection, it.ID, upd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("item changed during dispatch, will retry next run")
		} else {
			log.Error("persist reminder state failed", logx.Err(err))
		}
		res.Err = fmt.Errorf("advance %s/%s: %w", it.Collection, it.ID, err)
	}
	return res
}

func allTriggered(it domain.Item) bool {
	if len(it.Reminders) == 0 {
		return false
	}
	for _, r := range it.Reminders {
		if !r.Triggered {
			return false
		}
	}
	return true
}

// advanceSeries moves work to its next occurrence, or ends the series and
// leaves every reminder triggered.
func (d *Dispatcher) advanceSeries(work *domain.Item, upd *store.ItemUpdate, res *Outcome, zone string, log logx.Logger) {
	// Calendar steps run on the wall clock of the item's zone.
	last := timemath.ConvertToZone(work.StartTime, zone, log)
	rule, r := recurrence.Advance(work.Repeat, last)
	if r.Ended {
		var none *time.Time
		upd.NextRun = &none
		ended := true
		upd.Ended = &ended
		remaining := rule.Remaining
		upd.Remaining = &remaining
		work.Repeat = rule
		res.SeriesEnded = true
		log.Info("series ended")
		d.publish(eventbus.SeriesEnded, DeliveryEvent{Collection: work.Collection, ItemID: work.ID})
		return
	}
	if r.Next.IsZero() {
		return
	}

	dur := work.Duration()
	start := r.Next
	end := start.Add(dur)
	if work.AllDay {
		loc, err := timemath.LoadZone(zone)
		if err != nil {
			loc = time.UTC
		}
		start, end = timemath.NormalizeAllDay(start, loc)
	}
	work.StartTime, work.EndTime = start, end
	work.Repeat = rule

	for i := range work.Reminders {
		rem := &work.Reminders[i]
		rem.Triggered = false
		rem.Attempts = 0
		rem.LastAttemptAt = nil
		rem.LastError = ""
	}
	Schedule(work, zone, log)
	for i := range work.Reminders {
		upd.Reminders[i] = work.Reminders[i].Clone()
	}

	upd.StartTime = &start
	upd.EndTime = &end
	next := start
	store.SetNextRun(upd, &next)
	if rule.End == domain.EndAfter {
		remaining := rule.Remaining
		upd.Remaining = &remaining
	}
	res.Advanced = true
	res.NextStart = start
	log.Debug("series advanced", logx.Time("next", start))
}

// deliver sends reminder idx to every recipient. It returns how many
// recipients got at least one delivery.
func (d *Dispatcher) deliver(ctx context.Context, it domain.Item, idx int, owner domain.Owner, zone string, now time.Time) (int, error) {
	r := it.Reminders[idx]
	msg, err := Render(it, now, zone)
	if err != nil {
		return 0, err
	}
	// ID stays empty: the notifier assigns one per recipient.
	n := domain.Notification{
		Collection:    it.Collection,
		ItemID:        it.ID,
		ReminderIndex: idx,
		Title:         msg.Subject,
		Body:          msg.Text,
		TriggerTime:   r.TriggerTime,
		CreatedAt:     now,
	}

	var errs []error
	delivered := 0
	for _, rc := range d.recipients(ctx, it, r, owner) {
		ok := false
		if rc.id != "" {
			if err := d.nt.CreateNotification(ctx, rc.id, n); err != nil {
				errs = append(errs, err)
			} else {
				ok = true
			}
		}
		if rc.email != "" {
			err := d.nt.SendEmail(ctx, rc.email, msg.Subject, msg.HTML)
			switch {
			case err == nil:
				ok = true
			case errors.Is(err, notifier.ErrDisabled):
			default:
				errs = append(errs, err)
			}
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

// recipients resolves who a reminder goes to. An override holding "@" is an
// email-only recipient, any other override is a user ID. Without an override
// the owner and every participant receive it.
func (d *Dispatcher) recipients(ctx context.Context, it domain.Item, r domain.Reminder, owner domain.Owner) []recipient {
	if o := strings.TrimSpace(r.CustomRecipient); o != "" {
		if strings.Contains(o, "@") {
			return []recipient{{email: o}}
		}
		u, err := d.lookup(ctx, o)
		if err != nil {
			d.log.Debug("custom recipient lookup failed", logx.String("user", o), logx.Err(err))
		}
		return []recipient{{id: o, email: u.Email}}
	}

	var out []recipient
	seen := map[string]bool{}
	if it.OwnerID != "" {
		out = append(out, recipient{id: it.OwnerID, email: owner.Email})
		seen[it.OwnerID] = true
	}
	for _, p := range it.Participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		u, err := d.lookup(ctx, p)
		if err != nil {
			d.log.Debug("participant lookup failed", logx.String("user", p), logx.Err(err))
		}
		out = append(out, recipient{id: p, email: u.Email})
	}
	return out
}

func (d *Dispatcher) lookup(ctx context.Context, id string) (domain.Owner, error) {
	if id == "" {
		return domain.Owner{}, store.ErrNotFound
	}
	o, err := d.st.LookupOwner(ctx, id)
	if err != nil {
		return domain.Owner{ID: id}, err
	}
	return o, nil
}

func (d *Dispatcher) publish(typ string, data DeliveryEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}
