package task

import (
	"context"
	"sort"
	"sync"

	"stashd/internal/runtime/supervisor"
	logx "stashd/pkg/logx"
)

// Keyed keeps at most one live job per request key.
//
//   - Create launches a job (superseding a live one for the same key)
//   - Update cancels the live job and launches a replacement that starts
//     only after its predecessor has returned
//   - Delete cancels the live job and launches nothing
type Keyed[R KeyedRequest] struct {
	*Runner[R]

	mu   sync.Mutex
	jobs map[string]*supervisor.Job

	// done runs when a job returns. Persisted swaps it to guard its row.
	done func(key string, job *supervisor.Job, natural bool)
}

func NewKeyed[R KeyedRequest](cfg Config[R], work WorkFunc[R]) *Keyed[R] {
	k := newKeyed(cfg, work)
	k.Runner.disp = k
	return k
}

func newKeyed[R KeyedRequest](cfg Config[R], work WorkFunc[R]) *Keyed[R] {
	k := &Keyed[R]{
		Runner: newRunner(cfg, work),
		jobs:   map[string]*supervisor.Job{},
	}
	k.done = func(key string, job *supervisor.Job, _ bool) { k.release(key, job) }
	return k
}

func (k *Keyed[R]) receive(_ context.Context, req R) {
	k.apply(req)
}

func (k *Keyed[R]) apply(req R) {
	key := req.Key()
	k.mu.Lock()
	defer k.mu.Unlock()

	prev := k.jobs[key]
	if prev != nil {
		prev.Cancel()
		delete(k.jobs, key)
		typ := EventSuperseded
		if req.Intent() == Delete {
			typ = EventCancelled
		}
		k.publish(typ, key, prev.ID(), nil)
		k.log.Debug("task replaced", logx.String("key", key), logx.String("intent", req.Intent().String()))
	}
	if req.Intent() == Delete {
		return
	}

	k.jobs[key] = k.launch(key, func(ctx context.Context) error {
		if prev != nil {
			select {
			case <-prev.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return k.work(ctx, req)
	}, func(job *supervisor.Job, natural bool) {
		k.done(key, job, natural)
	})
}

// release forgets key only if job is still the one recorded for it.
func (k *Keyed[R]) release(key string, job *supervisor.Job) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cur, ok := k.jobs[key]; ok && cur == job {
		delete(k.jobs, key)
		return true
	}
	return false
}

// Live reports whether a job is tracked for key.
func (k *Keyed[R]) Live(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.jobs[key]
	return ok
}

func (k *Keyed[R]) Keys() []string {
	k.mu.Lock()
	keys := make([]string, 0, len(k.jobs))
	for key := range k.jobs {
		keys = append(keys, key)
	}
	k.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// CancelAll cancels every tracked job and the supervisor scope.
func (k *Keyed[R]) CancelAll() {
	k.mu.Lock()
	for key, job := range k.jobs {
		job.Cancel()
		delete(k.jobs, key)
	}
	k.mu.Unlock()

	k.Runner.mu.Lock()
	sup := k.Runner.sup
	k.Runner.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
}

func (k *Keyed[R]) Stop(ctx context.Context) error {
	k.CancelAll()
	return k.Runner.Stop(ctx)
}
