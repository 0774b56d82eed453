package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	logx "stashd/pkg/logx"
)

// Service routes notifications to the inbox or to a channel.
//
// It is safe for concurrent use.
type Service struct {
	inbox Inbox
	users domain.UserStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	channels map[domain.Method]Channel

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time
}

var (
	_ domain.Notifier  = (*Service)(nil)
	_ domain.Deliverer = (*Service)(nil)
)

func New(cfg Config, inbox Inbox, users domain.UserStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		inbox:    inbox,
		users:    users,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		now:      time.Now,
		channels: map[domain.Method]Channel{},
		dedup:    map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Register installs the channel for an external method.
func (s *Service) Register(m domain.Method, ch Channel) {
	s.mu.Lock()
	s.channels[m] = ch
	s.mu.Unlock()
}

// Notify stores a web notification.
func (s *Service) Notify(ctx context.Context, n domain.Notification) error {
	return s.Deliver(ctx, domain.MethodWeb, n)
}

func (s *Service) Deliver(ctx context.Context, m domain.Method, n domain.Notification) error {
	stamped := !n.CreatedAt.IsZero()
	if !stamped {
		n.CreatedAt = s.now()
	}
	if m == domain.MethodWeb {
		err := s.inbox.Insert(ctx, n)
		s.publish(m, n, "", err)
		return err
	}

	s.mu.Lock()
	ch := s.channels[m]
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, m)
	}

	key := dedupKey(m, n, stamped)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.bus.Publish(eventbus.Event{Type: "notifier.deduped", Time: s.now(), Data: Event{Method: m, UserID: n.UserID, EntryID: n.EntryID, Key: key, At: s.now()}})
		return nil
	}

	user, err := s.users.User(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", m, err)
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = ch.Send(callCtx, user, n)
	cancel()
	s.publish(m, n, key, err)
	if err != nil {
		s.log.Debug("deliver failed", logx.String("method", string(m)), logx.Int64("user", n.UserID), logx.Err(err))
		return fmt.Errorf("deliver %s: %w", m, err)
	}
	return nil
}

func (s *Service) publish(m domain.Method, n domain.Notification, key string, err error) {
	now := s.now()
	ev := Event{Method: m, UserID: n.UserID, EntryID: n.EntryID, Key: key, At: now}
	typ := "notifier.sent"
	if err != nil {
		typ = "notifier.failed"
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= max {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	if len(s.dedup) < max {
		s.dedup[key] = now.Add(window)
	}
	return true
}

// dedupKey identifies a notification by its content. A CreatedAt set by the
// caller (a reminder's fire instant) is part of the key, so each firing of a
// recurring reminder is delivered however short its period.
func dedupKey(m domain.Method, n domain.Notification, stamped bool) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%d|%s|%s", m, n.UserID, n.EntryID, n.Title, n.Body)
	if stamped {
		_, _ = fmt.Fprintf(h, "|%d", n.CreatedAt.UnixNano())
	}
	return fmt.Sprintf("%s:%x", m, h.Sum64())
}
