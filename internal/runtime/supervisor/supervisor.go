package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "stashd/pkg/logx"
)

// Supervisor groups the jobs spawned by one worker under a shared context.
//   - Each job runs on its own goroutine with its own cancellable child context
//   - A failing or panicking job never cancels the scope or its siblings
//   - Stop cancels every descendant and waits (bounded by the caller's ctx)
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	started uint64
	active  int64
	failed  uint64
	panics  uint64

	seq uint64

	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*jobStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// Counters exposes best-effort job counters.
// These are operational signals only (not a synchronization primitive).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Failed  uint64 `json:"failed"`
	Panics  uint64 `json:"panics"`
}

// JobStats is an aggregated view of jobs launched under the same name.
type JobStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Failed      uint64        `json:"failed"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters Counters   `json:"counters"`
	Jobs     []JobStats `json:"jobs"`
}

type jobStats struct {
	active      int64
	started     uint64
	failed      uint64
	lastStartAt time.Time
	lastStopAt  time.Time
	lastErr     string
	lastRuntime time.Duration
}

// Job is the cancellable handle of one launched unit of work.
type Job struct {
	id     uint64
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (j *Job) ID() uint64            { return j.id }
func (j *Job) Name() string          { return j.name }
func (j *Job) Cancel()               { j.cancel() }
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's result. Only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is canceled.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*jobStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor scope without waiting for jobs to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Launch starts fn on a new goroutine under the supervisor scope.
//
// A job launched after Cancel still runs, with an already-canceled context,
// so deferred cleanup in fn always executes.
func (s *Supervisor) Launch(name string, fn func(ctx context.Context) error) *Job {
	ctx, cancel := context.WithCancel(s.ctx)
	j := &Job{
		id:     atomic.AddUint64(&s.seq, 1),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	startedAt := s.noteStart(name)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer close(j.done)
		defer cancel()

		j.err = s.run(ctx, name, fn)
		if j.err != nil && !errors.Is(j.err, context.Canceled) {
			atomic.AddUint64(&s.failed, 1)
			s.noteStop(name, startedAt, j.err)
			return
		}
		s.noteStop(name, startedAt, nil)
	}()
	return j
}

func (s *Supervisor) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			s.log.Error("job panicked", logx.String("job", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if fn == nil {
		return nil
	}
	err = fn(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
	}
	return err
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every launched job has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return nil
	}
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Failed:  atomic.LoadUint64(&s.failed),
		Panics:  atomic.LoadUint64(&s.panics),
	}
}

// Snapshot is intended for observability output, not for synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}

	s.mu.Lock()
	js := make([]JobStats, 0, len(s.stats))
	for name, st := range s.stats {
		js = append(js, JobStats{
			Name:        name,
			Active:      st.active,
			Started:     st.started,
			Failed:      st.failed,
			LastStartAt: st.lastStartAt,
			LastStopAt:  st.lastStopAt,
			LastErr:     st.lastErr,
			LastRuntime: st.lastRuntime,
		})
	}
	s.mu.Unlock()

	// Active first, then most recently started, then name.
	sort.Slice(js, func(i, j int) bool {
		if js[i].Active != js[j].Active {
			return js[i].Active > js[j].Active
		}
		if !js[i].LastStartAt.Equal(js[j].LastStartAt) {
			return js[i].LastStartAt.After(js[j].LastStartAt)
		}
		return js[i].Name < js[j].Name
	})
	snap.Jobs = js
	return snap
}

func (s *Supervisor) statLocked(name string) *jobStats {
	st := s.stats[name]
	if st == nil {
		st = &jobStats{}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	st.started++
	st.active++
	st.lastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.lastRuntime = now.Sub(startedAt)
	if err != nil {
		st.failed++
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
}
