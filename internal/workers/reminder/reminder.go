// Package reminder fires one-shot and recurring reminders.
//
// Reminders are not mirrored into the schedules table: the worker recovers
// by loading every active reminder when it starts.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/schedule"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const Name = "reminder"

type Request struct {
	Reminder domain.Reminder
	Op       task.Intent
}

func (r Request) Intent() task.Intent { return r.Op }
func (r Request) Key() string         { return r.Reminder.Key() }

type Deps struct {
	Reminders domain.ReminderStore
	Deliverer domain.Deliverer

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
}

type Worker struct {
	*task.Keyed[Request]

	reminders domain.ReminderStore
	deliverer domain.Deliverer
}

func New(d Deps) *Worker {
	w := &Worker{reminders: d.Reminders, deliverer: d.Deliverer}
	w.Keyed = task.NewKeyed(task.Config[Request]{
		Name:    Name,
		Log:     d.Log,
		Bus:     d.Bus,
		Clock:   d.Clock,
		Recover: w.recover,
	}, w.run)
	return w
}

// Validate rejects reminders the worker could never schedule.
func Validate(r domain.Reminder) error {
	switch r.Kind {
	case domain.ReminderAdhoc:
		if _, err := r.Location(); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", schedule.ErrInvalidSpec, r.Timezone, err)
		}
		return nil
	case domain.ReminderRecurring:
		return schedule.Validate(r.Spec, r.Timezone)
	default:
		return fmt.Errorf("%w: unknown reminder kind %q", schedule.ErrInvalidSpec, r.Kind)
	}
}

func (w *Worker) recover(ctx context.Context) ([]Request, error) {
	rs, err := w.reminders.ActiveReminders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active reminders: %w", err)
	}
	out := make([]Request, 0, len(rs))
	for _, r := range rs {
		out = append(out, Request{Reminder: r, Op: task.Create})
	}
	if len(out) > 0 {
		w.Logger().Info("reminders recovered", logx.Int("count", len(out)))
	}
	return out, nil
}

func (w *Worker) run(ctx context.Context, req Request) error {
	r := req.Reminder
	loc, err := r.Location()
	if err != nil {
		w.Logger().Error("reminder timezone invalid", logx.Int64("reminder", r.ID), logx.String("tz", r.Timezone), logx.Err(err))
		return err
	}
	switch r.Kind {
	case domain.ReminderAdhoc:
		return w.runAdhoc(ctx, r)
	case domain.ReminderRecurring:
		return w.runRecurring(ctx, r, loc)
	default:
		return fmt.Errorf("reminder %d: unknown kind %q", r.ID, r.Kind)
	}
}

func (w *Worker) runAdhoc(ctx context.Context, r domain.Reminder) error {
	clk := w.Clock()
	delay := r.FireTime().Sub(clk.Now())
	if delay < 0 {
		delay = 0
	}
	if err := task.Sleep(ctx, clk, delay); err != nil {
		return err
	}
	cur, ok, err := w.active(ctx, r.ID)
	if err != nil || !ok {
		return err
	}
	w.fire(ctx, cur)
	if err := w.reminders.CompleteReminder(ctx, r.ID); err != nil {
		return fmt.Errorf("complete reminder %d: %w", r.ID, err)
	}
	return nil
}

func (w *Worker) runRecurring(ctx context.Context, r domain.Reminder, loc *time.Location) error {
	sched, err := schedule.Compile(r.Spec, loc)
	if err != nil {
		return fmt.Errorf("reminder %d: %w", r.ID, err)
	}
	clk := w.Clock()
	log := w.Logger().With(logx.Int64("reminder", r.ID))
	for {
		now := clk.Now()
		next := sched.Next(now)
		if next.IsZero() {
			return fmt.Errorf("reminder %d: spec %q never fires", r.ID, r.Spec)
		}
		log.Debug("next fire", logx.Time("at", next.In(loc)))
		if err := task.Sleep(ctx, clk, next.Sub(now)); err != nil {
			return err
		}
		cur, ok, err := w.active(ctx, r.ID)
		if err != nil {
			log.Warn("reload reminder failed, skipping fire", logx.Err(err))
			continue
		}
		if !ok {
			return nil
		}
		w.fire(ctx, cur)
	}
}

func (w *Worker) active(ctx context.Context, id int64) (domain.Reminder, bool, error) {
	r, err := w.reminders.Reminder(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("reload reminder %d: %w", id, err)
	}
	return r, r.Status == domain.ReminderActive, nil
}

// fire delivers through every method of r. A failing method does not stop
// the others.
func (w *Worker) fire(ctx context.Context, r domain.Reminder) {
	methods := r.Methods
	if len(methods) == 0 {
		methods = []domain.Method{domain.MethodWeb}
	}
	n := domain.NewNotification(r.UserID, r.EntryID, domain.LevelInfo, "Reminder", r.Message)
	n.CreatedAt = w.Clock().Now()
	for _, m := range methods {
		if err := w.deliverer.Deliver(ctx, m, n); err != nil {
			w.Logger().Warn("reminder delivery failed",
				logx.Int64("reminder", r.ID), logx.String("method", string(m)), logx.Err(err))
		}
	}
}
