package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	ErrNoInbox  = errors.New("notifier: no inbox configured")
)

// Service delivers in-app notifications and email with
// rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	inbox Inbox
	dir   Directory
	rec   Recorder

	mailer Mailer
	pusher Pusher

	cfg     Config
	limiter *rate.Limiter

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithDirectory(d Directory) Option      { return func(s *Service) { s.dir = d } }
func WithRecorder(r Recorder) Option        { return func(s *Service) { s.rec = r } }
func WithMailer(m Mailer) Option            { return func(s *Service) { s.mailer = m } }
func WithPusher(p Pusher) Option            { return func(s *Service) { s.pusher = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleep replaces the retry backoff wait. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

func New(cfg Config, inbox Inbox, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		inbox: inbox,
		dedup: map[string]time.Time{},
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetMailer swaps the email transport, e.g. after a config reload.
func (s *Service) SetMailer(m Mailer) {
	s.mu.Lock()
	s.mailer = m
	s.mu.Unlock()
}

func (s *Service) SetPusher(p Pusher) {
	s.mu.Lock()
	s.pusher = p
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) snapshot() (Config, *rate.Limiter, Mailer, Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.mailer, s.pusher
}

// CreateNotification stores an in-app notification for recipientID and
// mirrors it to Telegram when possible. Only the inbox write decides the
// result. An empty n.ID is filled with a fresh one, so callers fanning one
// reminder out to several recipients leave it blank.
func (s *Service) CreateNotification(ctx context.Context, recipientID string, n domain.Notification) error {
	if s.inbox == nil {
		return ErrNoInbox
	}
	n.RecipientID = recipientID
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	key := inAppKey(recipientID, n)

	if s.seen(key) {
		s.finish(ChannelInApp, recipientID, key, 0, nil, true)
		return nil
	}

	attempts, err := s.sendWithRetry(ctx, ChannelInApp, func(c context.Context) error {
		err := s.inbox.InsertNotification(c, n)
		if errors.Is(err, store.ErrDuplicate) {
			return Permanent(err)
		}
		return err
	})
	if err == nil {
		s.remember(key)
	}
	s.finish(ChannelInApp, recipientID, key, attempts, err, false)
	if err != nil {
		return fmt.Errorf("in-app notification for %s: %w", recipientID, err)
	}

	s.pushBestEffort(ctx, recipientID, n)
	return nil
}

func (s *Service) pushBestEffort(ctx context.Context, recipientID string, n domain.Notification) {
	cfg, _, _, p := s.snapshot()
	if p == nil || !cfg.Telegram.Enabled || s.dir == nil {
		return
	}
	o, err := s.dir.LookupOwner(ctx, recipientID)
	if err != nil || o.TelegramChatID == 0 {
		return
	}
	text := n.Title
	if n.Body != "" {
		text += "\n\n" + n.Body
	}
	key := "tg|" + strconv.FormatInt(o.TelegramChatID, 10) + "|" + inAppKey(recipientID, n)
	if s.seen(key) {
		return
	}
	attempts, err := s.sendWithRetry(ctx, ChannelTelegram, func(c context.Context) error {
		return p.Push(c, o.TelegramChatID, text)
	})
	if err == nil {
		s.remember(key)
	} else {
		s.log.Warn("telegram push failed", logx.String("recipient", recipientID), logx.Err(err))
	}
	s.finish(ChannelTelegram, recipientID, key, attempts, err, false)
}

// SendEmail delivers one HTML mail. It returns ErrDisabled when email is
// turned off or unconfigured.
func (s *Service) SendEmail(ctx context.Context, address, subject, html string) error {
	cfg, _, m, _ := s.snapshot()
	if !cfg.Email.Enabled || m == nil {
		return ErrDisabled
	}
	key := contentKey(ChannelEmail, address, subject, html)
	if s.seen(key) {
		s.finish(ChannelEmail, address, key, 0, nil, true)
		return nil
	}
	attempts, err := s.sendWithRetry(ctx, ChannelEmail, func(c context.Context) error {
		return m.Send(c, address, subject, html)
	})
	if err == nil {
		s.remember(key)
	}
	s.finish(ChannelEmail, address, key, attempts, err, false)
	if err != nil {
		return fmt.Errorf("email to %s: %w", address, err)
	}
	return nil
}

func (s *Service) finish(channel, recipient, key string, attempts int, err error, deduped bool) {
	result := ResultSent
	evType := "notifier.sent"
	switch {
	case deduped:
		result, evType = ResultDeduped, "notifier.deduped"
	case err != nil:
		result, evType = ResultFailed, "notifier.failed"
	}
	if s.rec != nil {
		s.rec.Delivery(channel, result)
	}
	if s.bus != nil {
		now := s.now()
		ev := NotificationEvent{Channel: channel, Recipient: recipient, Key: key, At: now, Attempts: attempts}
		if err != nil {
			ev.Error = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: ev})
	}
}

// sendWithRetry runs fn under the limiter with a bounded per-call context.
// It returns the number of attempts made.
func (s *Service) sendWithRetry(ctx context.Context, channel string, fn func(context.Context) error) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, lim, _, _ := s.snapshot()

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return attempt - 1, lastErr
			}
		}

		// Bound per-send call. Keep tight to avoid stalling the run.
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("channel", channel), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || isPermanent(err) {
			return attempt, lastErr
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func inAppKey(recipientID string, n domain.Notification) string {
	return fmt.Sprintf("inapp|%s|%s/%s|%d|%d", recipientID, n.Collection, n.ItemID, n.ReminderIndex, n.TriggerTime.UnixMilli())
}

func contentKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte("|"))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) seen(key string) bool {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if window <= 0 || key == "" {
		return false
	}
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

func (s *Service) remember(key string) {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	max := s.cfg.DedupMaxEntries
	s.mu.Unlock()
	if window <= 0 || key == "" {
		return
	}
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		// Remove entries with earliest expiry until within cap.
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.dedup, minKey)
	}
}
