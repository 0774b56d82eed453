package task

import (
	"context"
	"sync"
	"time"

	"stashd/internal/runtime/supervisor"
	logx "stashd/pkg/logx"
)

// ScheduleRow is the durable mirror of one outstanding keyed request.
type ScheduleRow struct {
	Worker  string
	Key     string
	Version int
	Payload []byte
	LastRun *time.Time
}

// ScheduleStore persists schedule rows keyed by (worker, key).
type ScheduleStore interface {
	List(ctx context.Context, worker string) ([]ScheduleRow, error)
	// Replace atomically deletes the row for worker+key and, when next is
	// non-nil, inserts it with the deleted row's last_run carried forward.
	Replace(ctx context.Context, worker, key string, next *ScheduleRow) error
	Delete(ctx context.Context, worker, key string) error
	LastRun(ctx context.Context, worker, key string) (time.Time, bool, error)
	MarkRun(ctx context.Context, worker, key string, at time.Time) error
	UpdatePayload(ctx context.Context, worker, key string, version int, payload []byte) error
}

// Persisted is a Keyed runner whose outstanding requests survive restarts.
//
// A row exists for worker+key while a non-Delete request is outstanding.
// The row is removed when its job completes on its own; a superseded or
// shutdown-cancelled job leaves the row to its replacement or to the next
// start.
type Persisted[R KeyedRequest] struct {
	*Keyed[R]

	store ScheduleStore
	codec Codec[R]

	// mu orders row writes in receive against row deletes in finished.
	mu sync.Mutex
}

func NewPersisted[R KeyedRequest](cfg Config[R], store ScheduleStore, codec Codec[R], work WorkFunc[R]) *Persisted[R] {
	p := &Persisted[R]{
		Keyed: newKeyed(cfg, work),
		store: store,
		codec: codec,
	}
	p.Runner.disp = p
	p.Keyed.done = p.finished
	return p
}

func (p *Persisted[R]) beforeWork(ctx context.Context) {
	rows, err := p.store.List(ctx, p.Name())
	if err != nil {
		p.log.Error("load schedules failed", logx.Err(err))
	}
	resumed := 0
	for _, row := range rows {
		req, err := p.codec.Decode(row.Version, row.Payload)
		if err != nil {
			p.log.Warn("dropping undecodable schedule",
				logx.String("key", row.Key), logx.Int("version", row.Version), logx.Err(err))
			if err := p.store.Delete(ctx, p.Name(), row.Key); err != nil {
				p.log.Warn("delete schedule failed", logx.String("key", row.Key), logx.Err(err))
			}
			continue
		}
		p.receive(ctx, req)
		resumed++
	}
	if resumed > 0 {
		p.log.Info("schedules resumed", logx.Int("count", resumed))
	}
	p.Runner.beforeWork(ctx)
}

func (p *Persisted[R]) receive(ctx context.Context, req R) {
	key := req.Key()
	p.mu.Lock()
	defer p.mu.Unlock()

	var next *ScheduleRow
	if req.Intent() != Delete {
		payload, err := p.codec.Encode(req)
		if err != nil {
			p.log.Error("encode schedule failed", logx.String("key", key), logx.Err(err))
		} else {
			next = &ScheduleRow{Worker: p.Name(), Key: key, Version: p.codec.Version(), Payload: payload}
		}
	}
	if err := p.store.Replace(ctx, p.Name(), key, next); err != nil {
		p.log.Error("write schedule failed", logx.String("key", key), logx.Err(err))
	}
	p.Keyed.apply(req)
}

func (p *Persisted[R]) finished(key string, job *supervisor.Job, natural bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.Keyed.release(key, job)
	if !current || !natural {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Delete(ctx, p.Name(), key); err != nil {
		p.log.Warn("delete schedule failed", logx.String("key", key), logx.Err(err))
	}
}

// LastRun returns when the current cycle for req's key last started.
func (p *Persisted[R]) LastRun(ctx context.Context, req R) (time.Time, bool, error) {
	return p.store.LastRun(ctx, p.Name(), req.Key())
}

// MarkRun records that a cycle for req's key is executing now.
func (p *Persisted[R]) MarkRun(ctx context.Context, req R) error {
	return p.store.MarkRun(ctx, p.Name(), req.Key(), p.Clock().Now())
}

// UpdateSchedule rewrites the stored payload for req's key, keeping last_run.
func (p *Persisted[R]) UpdateSchedule(ctx context.Context, req R) error {
	payload, err := p.codec.Encode(req)
	if err != nil {
		return err
	}
	return p.store.UpdatePayload(ctx, p.Name(), req.Key(), p.codec.Version(), payload)
}
