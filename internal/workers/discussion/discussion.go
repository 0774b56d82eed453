// Package discussion polls discussion sites for links with a widening
// interval and records new threads on the entry.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/sources"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const Name = "discussion_finder"

// DefaultTiers are the waits between polls, widest last.
var DefaultTiers = []time.Duration{
	60 * time.Minute,
	240 * time.Minute,
	600 * time.Minute,
	1440 * time.Minute,
}

// Request asks for discussions about one link. IntervalIndex is the tier
// the next wait uses; -1 means no poll has run yet.
type Request struct {
	LinkID        int64       `json:"link_id"`
	IntervalIndex int         `json:"interval_index"`
	Op            task.Intent `json:"-"`
}

func NewRequest(linkID int64) Request {
	return Request{LinkID: linkID, IntervalIndex: -1, Op: task.Update}
}

func (r Request) Intent() task.Intent { return r.Op }
func (r Request) Key() string         { return strconv.FormatInt(r.LinkID, 10) }

type Deps struct {
	Entries  domain.EntryStore
	Audit    domain.AuditLog
	Notifier domain.Notifier
	Sources  []sources.Source
	Store    task.ScheduleStore

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock

	// Tiers overrides DefaultTiers.
	Tiers []time.Duration
}

type Worker struct {
	*task.Persisted[Request]

	entries  domain.EntryStore
	audit    domain.AuditLog
	notifier domain.Notifier
	sources  []sources.Source
	tiers    []time.Duration
}

func New(d Deps) *Worker {
	w := &Worker{
		entries:  d.Entries,
		audit:    d.Audit,
		notifier: d.Notifier,
		sources:  d.Sources,
		tiers:    d.Tiers,
	}
	if len(w.tiers) == 0 {
		w.tiers = DefaultTiers
	}
	w.Persisted = task.NewPersisted(task.Config[Request]{
		Name:  Name,
		Log:   d.Log,
		Bus:   d.Bus,
		Clock: d.Clock,
	}, d.Store, task.JSONCodec[Request]{Current: 1}, w.run)
	return w
}

func (w *Worker) run(ctx context.Context, req Request) error {
	log := w.Logger().With(logx.Int64("link", req.LinkID))
	clk := w.Clock()

	// Resumed after a restart: only wait out what is left of the tier.
	if req.IntervalIndex >= 0 && req.IntervalIndex < len(w.tiers) {
		last, ok, err := w.LastRun(ctx, req)
		if err != nil {
			log.Warn("read last run failed", logx.Err(err))
		}
		if ok {
			if wait := w.tiers[req.IntervalIndex] - clk.Since(last); wait > 0 {
				log.Debug("resuming after wait", logx.Duration("wait", wait), logx.Int("tier", req.IntervalIndex))
				if err := task.Sleep(ctx, clk, wait); err != nil {
					return err
				}
			}
		}
	}

	for {
		if err := w.MarkRun(ctx, req); err != nil {
			log.Warn("mark run failed", logx.Err(err))
		}
		entry, err := w.entries.Entry(ctx, req.LinkID)
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("link gone, stop polling")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load link %d: %w", req.LinkID, err)
		}
		if !entry.IsLink() {
			return nil
		}

		changed, err := w.poll(ctx, entry)
		if err != nil {
			return err
		}

		req.IntervalIndex++
		if req.IntervalIndex >= len(w.tiers) {
			if !changed {
				log.Debug("polling finished", logx.Int("tiers", len(w.tiers)))
				return nil
			}
			// Still active on the widest tier: poll again after it.
			req.IntervalIndex--
		}
		if err := w.UpdateSchedule(ctx, req); err != nil {
			log.Warn("update schedule failed", logx.Err(err))
		}
		if err := task.Sleep(ctx, clk, w.tiers[req.IntervalIndex]); err != nil {
			return err
		}
	}
}

// poll queries every source and stores the merged list when it grew.
// It reports whether the discussion count changed.
func (w *Worker) poll(ctx context.Context, entry domain.Entry) (bool, error) {
	log := w.Logger().With(logx.Int64("link", entry.ID))

	var found []domain.Discussion
	failed := 0
	for _, src := range w.sources {
		ds, err := src.Find(ctx, entry.URL)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			failed++
			log.Warn("discussion source failed", logx.String("source", src.Name()), logx.Err(err))
			continue
		}
		found = append(found, ds...)
	}
	if len(w.sources) > 0 && failed == len(w.sources) {
		return false, nil
	}
	sources.Sort(found)

	var prev []domain.Discussion
	if _, err := entry.Properties.Get(domain.PropDiscussions, &prev); err != nil {
		log.Debug("stored discussions unreadable", logx.Err(err))
	}

	now := w.Clock().Now()
	if len(found) <= len(prev) {
		w.appendAudit(ctx, domain.AuditEvent{EntryID: entry.ID, Kind: domain.AuditDiscussionsNone, Message: "no new discussions found", At: now})
		return false, nil
	}

	delta := len(found) - len(prev)
	set := domain.Properties{}
	if err := set.Set(domain.PropDiscussions, found); err != nil {
		return false, err
	}
	if _, err := w.entries.MergeProperties(ctx, entry.ID, domain.PropertyPatch{Set: set}); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// The count did change. The next cycle finds the same threads
		// against the old stored list and reports them then.
		log.Error("store discussions failed", logx.Err(err))
		return true, nil
	}

	msg := Summary(delta)
	w.appendAudit(ctx, domain.AuditEvent{EntryID: entry.ID, Kind: domain.AuditDiscussionsFound, Message: msg, At: now})
	title := entry.Title
	if title == "" {
		title = entry.URL
	}
	n := domain.NewNotification(entry.UserID, entry.ID, domain.LevelInfo, msg, title)
	if err := w.notifier.Notify(ctx, n); err != nil {
		log.Warn("notify failed", logx.Err(err))
	}
	log.Info("discussions found", logx.Int("new", delta), logx.Int("total", len(found)))
	return true, nil
}

func (w *Worker) appendAudit(ctx context.Context, e domain.AuditEvent) {
	if err := w.audit.Append(ctx, e); err != nil {
		w.Logger().Warn("audit append failed", logx.Int64("entry", e.EntryID), logx.String("kind", e.Kind), logx.Err(err))
	}
}

// Summary is the notification text for n new discussions.
func Summary(n int) string {
	if n == 1 {
		return "1 new discussion found"
	}
	return fmt.Sprintf("%d new discussions found", n)
}
