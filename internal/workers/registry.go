// Package workers wires the background workers together and is the only
// way the rest of the application hands them work.
package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/runtime/supervisor"
	"stashd/internal/sources"
	"stashd/internal/task"
	"stashd/internal/workers/discussion"
	"stashd/internal/workers/entryref"
	"stashd/internal/workers/linkproc"
	"stashd/internal/workers/maintenance"
	"stashd/internal/workers/reminder"
	"stashd/internal/workers/taskrun"
	logx "stashd/pkg/logx"
)

// Config is read once, when the registry is built.
type Config struct {
	DataDir string
	Scrape  bool

	CleanupMaxAge   time.Duration
	CleanupInterval time.Duration

	DigestLocation *time.Location
	DigestLinks    int

	DiscussionTiers []time.Duration
}

type Deps struct {
	Entries   domain.EntryStore
	Audit     domain.AuditLog
	Notifier  domain.Notifier
	Deliverer domain.Deliverer
	Reminders domain.ReminderStore
	Resources domain.ResourceStore
	Refs      domain.RefStore
	Digest    domain.DigestSource
	Schedules task.ScheduleStore

	Sources    []sources.Source
	Processors []domain.Processor

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
}

// worker is the lifecycle surface shared by every runner flavour.
type worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() supervisor.Snapshot
	Keys() []string
}

// WorkerSnapshot is the ops view of one worker.
type WorkerSnapshot struct {
	Name       string              `json:"name"`
	Keys       []string            `json:"keys,omitempty"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

type Registry struct {
	log logx.Logger

	links       *linkproc.Worker
	discussions *discussion.Worker
	reminders   *reminder.Worker
	tasks       *taskrun.Worker
	refs        *entryref.Worker
	cleanup     *maintenance.Cleanup
	digest      *maintenance.Digest

	all []worker
}

func New(cfg Config, d Deps) *Registry {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	log := d.Log.With(logx.String("comp", "workers"))

	r := &Registry{log: log}
	r.links = linkproc.New(linkproc.Deps{
		Entries:    d.Entries,
		Resources:  d.Resources,
		Audit:      d.Audit,
		Notifier:   d.Notifier,
		Processors: d.Processors,
		DataDir:    cfg.DataDir,
		Scrape:     cfg.Scrape,
		Log:        log, Bus: d.Bus, Clock: d.Clock,
	})
	r.discussions = discussion.New(discussion.Deps{
		Entries:  d.Entries,
		Audit:    d.Audit,
		Notifier: d.Notifier,
		Sources:  d.Sources,
		Store:    d.Schedules,
		Tiers:    cfg.DiscussionTiers,
		Log:      log, Bus: d.Bus, Clock: d.Clock,
	})
	r.reminders = reminder.New(reminder.Deps{
		Reminders: d.Reminders,
		Deliverer: d.Deliverer,
		Log:       log, Bus: d.Bus, Clock: d.Clock,
	})
	r.tasks = taskrun.New(taskrun.Deps{Log: log, Bus: d.Bus, Clock: d.Clock})
	r.refs = entryref.New(entryref.Deps{
		Entries: d.Entries,
		Refs:    d.Refs,
		Log:     log, Bus: d.Bus, Clock: d.Clock,
	})
	r.cleanup = maintenance.NewCleanup(maintenance.CleanupConfig{
		Dir:      filepath.Join(cfg.DataDir, "tmp"),
		MaxAge:   cfg.CleanupMaxAge,
		Interval: cfg.CleanupInterval,
	}, log, d.Bus, d.Clock)
	r.digest = maintenance.NewDigest(maintenance.DigestConfig{
		Location: cfg.DigestLocation,
		Links:    cfg.DigestLinks,
	}, d.Digest, d.Deliverer, log, d.Bus, d.Clock)

	r.all = []worker{r.links, r.discussions, r.reminders, r.tasks, r.refs, r.cleanup, r.digest}
	return r
}

// Start starts every worker. On failure the already started ones are
// stopped again.
func (r *Registry) Start(ctx context.Context) error {
	for i, w := range r.all {
		if err := w.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = r.all[j].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
	}
	r.log.Info("workers started", logx.Int("count", len(r.all)))
	return nil
}

// Stop cancels all live tasks and waits for them, bounded by ctx.
func (r *Registry) Stop(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		w := r.all[i]
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", w.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Snapshot() []WorkerSnapshot {
	out := make([]WorkerSnapshot, 0, len(r.all))
	for _, w := range r.all {
		out = append(out, WorkerSnapshot{Name: w.Name(), Keys: w.Keys(), Supervisor: w.Snapshot()})
	}
	return out
}

func (r *Registry) AcceptLinkWork(entryID int64) error {
	return send(r.links.Runner, linkproc.Request(linkproc.PersistRequest{EntryID: entryID}))
}

// AcceptDiscussionWork starts (or restarts from the first tier) discussion
// polling for a link.
func (r *Registry) AcceptDiscussionWork(linkID int64) error {
	return send(r.discussions.Runner, discussion.NewRequest(linkID))
}

// CancelDiscussionWork stops polling for a link and drops its schedule.
func (r *Registry) CancelDiscussionWork(linkID int64) error {
	return send(r.discussions.Runner, discussion.Request{LinkID: linkID, Op: task.Delete})
}

// AcceptReminderWork schedules, replaces or cancels a reminder. Create and
// Update are validated here so a bad spec or timezone reaches the caller.
func (r *Registry) AcceptReminderWork(rem domain.Reminder, intent task.Intent) error {
	if intent != task.Delete {
		if err := reminder.Validate(rem); err != nil {
			return err
		}
	}
	return send(r.reminders.Runner, reminder.Request{Reminder: rem, Op: intent})
}

func (r *Registry) AcceptTaskWork(t taskrun.AdhocTask, env taskrun.Env) error {
	if t == nil {
		return errors.New("nil task")
	}
	return send(r.tasks.Runner, taskrun.Request{Task: t, Env: env})
}

// AcceptEntryRefWork rebuilds the outbound references of an entry, or drops
// them when the entry was deleted.
func (r *Registry) AcceptEntryRefWork(originID int64, deleted bool) error {
	return send(r.refs.Runner, entryref.Request{OriginID: originID, Deleted: deleted})
}

// SuggestLink reads metadata for a URL and waits for the answer.
func (r *Registry) SuggestLink(ctx context.Context, url string) (domain.Suggestion, error) {
	res := task.NewCompletion[domain.Suggestion]()
	if err := send(r.links.Runner, linkproc.Request(linkproc.SuggestRequest{URL: url, Result: res})); err != nil {
		return domain.Suggestion{}, err
	}
	return res.Wait(ctx)
}

// CheckProcessors reports whether every link processor initializes.
func (r *Registry) CheckProcessors(ctx context.Context) (bool, error) {
	res := task.NewCompletion[bool]()
	if err := send(r.links.Runner, linkproc.Request(linkproc.ActiveCheckRequest{Result: res})); err != nil {
		return false, err
	}
	return res.Wait(ctx)
}

func send[R any](rn *task.Runner[R], req R) error {
	if err := rn.Send(req); err != nil {
		return fmt.Errorf("%s: %w", rn.Name(), err)
	}
	return nil
}
