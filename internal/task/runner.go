package task

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"stashd/internal/eventbus"
	"stashd/internal/runtime/supervisor"
	logx "stashd/pkg/logx"
)

// dispatcher is the hook set the consumer loop drives. Keyed and Persisted
// replace the Runner's own implementation.
type dispatcher[R any] interface {
	beforeWork(ctx context.Context)
	receive(ctx context.Context, req R)
}

// Runner is a single-consumer request queue. Every received request runs as
// its own supervised job; enqueue order is preserved, completion order is not.
type Runner[R any] struct {
	cfg   Config[R]
	work  WorkFunc[R]
	log   logx.Logger
	queue chan R
	disp  dispatcher[R]

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	started  bool
	stopped  bool
	loopDone chan struct{}
}

func NewRunner[R any](cfg Config[R], work WorkFunc[R]) *Runner[R] {
	r := newRunner(cfg, work)
	r.disp = r
	return r
}

func newRunner[R any](cfg Config[R], work WorkFunc[R]) *Runner[R] {
	cfg = cfg.withDefaults()
	return &Runner[R]{
		cfg:      cfg,
		work:     work,
		log:      cfg.Log.With(logx.String("worker", cfg.Name)),
		queue:    make(chan R, cfg.QueueSize),
		loopDone: make(chan struct{}),
	}
}

func (r *Runner[R]) Name() string           { return r.cfg.Name }
func (r *Runner[R]) Clock() clockwork.Clock { return r.cfg.Clock }
func (r *Runner[R]) Logger() logx.Logger    { return r.log }

// Keys is empty for unkeyed runners.
func (r *Runner[R]) Keys() []string { return nil }

// Send enqueues req without blocking.
func (r *Runner[R]) Send(req R) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case r.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the consumer loop. Requests sent before Start stay queued.
func (r *Runner[R]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	r.started = true
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	go r.consume(r.sup.Context())
	r.log.Debug("worker started", logx.Int("queue", r.cfg.QueueSize))
	return nil
}

// Stop cancels the consumer loop and every job, then waits for them.
func (r *Runner[R]) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	started, sup := r.started, r.sup
	r.mu.Unlock()
	if !started {
		return nil
	}
	sup.Cancel()
	select {
	case <-r.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := sup.Stop(ctx)
	r.log.Debug("worker stopped")
	return err
}

func (r *Runner[R]) Snapshot() supervisor.Snapshot {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	return sup.Snapshot()
}

func (r *Runner[R]) consume(ctx context.Context) {
	defer close(r.loopDone)
	r.disp.beforeWork(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.queue:
			r.disp.receive(ctx, req)
		}
	}
}

func (r *Runner[R]) beforeWork(ctx context.Context) {
	if r.cfg.Recover == nil {
		return
	}
	reqs, err := r.cfg.Recover(ctx)
	if err != nil {
		r.log.Warn("recover failed", logx.Err(err))
	}
	for _, req := range reqs {
		r.disp.receive(ctx, req)
	}
}

func (r *Runner[R]) receive(_ context.Context, req R) {
	r.launch("", func(ctx context.Context) error { return r.work(ctx, req) }, nil)
}

// launch runs fn as a supervised job. finished runs in the job's deferred
// block with natural reporting whether the job ended without cancellation.
func (r *Runner[R]) launch(key string, fn func(ctx context.Context) error, finished func(job *supervisor.Job, natural bool)) *supervisor.Job {
	var job *supervisor.Job
	ready := make(chan struct{})
	job = r.sup.Launch(r.cfg.Name, func(ctx context.Context) (err error) {
		<-ready
		defer func() {
			natural := ctx.Err() == nil
			if finished != nil {
				finished(job, natural)
			}
			r.publish(EventFinished, key, job.ID(), err)
		}()
		return fn(ctx)
	})
	r.publish(EventLaunched, key, job.ID(), nil)
	close(ready)
	return job
}

func (r *Runner[R]) publish(typ, key string, id uint64, err error) {
	r.cfg.Bus.Publish(eventbus.Event{
		Type: typ,
		Time: r.cfg.Clock.Now(),
		Data: Event{Worker: r.cfg.Name, Key: key, JobID: id, Err: err},
	})
}
