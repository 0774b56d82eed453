// Package taskrun executes ad hoc tasks handed in by the application.
package taskrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

const Name = "task_runner"

// Env is what a task may touch.
type Env struct {
	Entries  domain.EntryStore
	Notifier domain.Notifier
	Log      logx.Logger
	Clock    clockwork.Clock
	DataDir  string
}

// AdhocTask is a fully built unit of work.
type AdhocTask interface {
	Name() string
	Run(ctx context.Context, env Env) error
}

// Func adapts a function to AdhocTask.
type Func struct {
	Label string
	Fn    func(ctx context.Context, env Env) error
}

func (f Func) Name() string                           { return f.Label }
func (f Func) Run(ctx context.Context, env Env) error { return f.Fn(ctx, env) }

type Request struct {
	Task AdhocTask
	Env  Env
}

type Deps struct {
	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock
}

type Worker struct {
	*task.Runner[Request]
}

func New(d Deps) *Worker {
	w := &Worker{}
	w.Runner = task.NewRunner(task.Config[Request]{
		Name:  Name,
		Log:   d.Log,
		Bus:   d.Bus,
		Clock: d.Clock,
	}, w.run)
	return w
}

func (w *Worker) run(ctx context.Context, req Request) error {
	if req.Task == nil {
		return errors.New("nil task")
	}
	env := req.Env
	if env.Log.IsZero() {
		env.Log = w.Logger()
	}
	env.Log = env.Log.With(logx.String("task", req.Task.Name()))
	if env.Clock == nil {
		env.Clock = w.Clock()
	}

	start := env.Clock.Now()
	if err := req.Task.Run(ctx, env); err != nil {
		return fmt.Errorf("task %s: %w", req.Task.Name(), err)
	}
	w.Logger().Debug("task done", logx.String("task", req.Task.Name()), logx.Duration("took", env.Clock.Since(start)))
	return nil
}
