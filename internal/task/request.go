package task

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"stashd/internal/eventbus"
	logx "stashd/pkg/logx"
)

// Intent tells a keyed runner what to do with the live task for a key.
type Intent int

const (
	Create Intent = iota
	Update
	Delete
)

func (i Intent) String() string {
	switch i {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// KeyedRequest is implemented by requests handled by Keyed and Persisted runners.
type KeyedRequest interface {
	Intent() Intent
	Key() string
}

// WorkFunc is the domain logic run for one received request.
type WorkFunc[R any] func(ctx context.Context, req R) error

// Config is shared by every runner flavour.
type Config[R any] struct {
	// Name identifies the worker in logs, events and the schedules table.
	Name string

	// QueueSize bounds the request channel. 0 applies a default of 64.
	QueueSize int

	Log   logx.Logger
	Bus   eventbus.Bus
	Clock clockwork.Clock

	// Recover is called once by the consumer loop before the first queued
	// request. Every returned request goes through the normal receive path.
	Recover func(ctx context.Context) ([]R, error)
}

func (c Config[R]) withDefaults() Config[R] {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.Bus == nil {
		c.Bus = eventbus.Nop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Event types published on the bus.
const (
	EventLaunched   = "task.launched"
	EventSuperseded = "task.superseded"
	EventCancelled  = "task.cancelled"
	EventFinished   = "task.finished"
)

// Event is the payload of every task.* bus event.
type Event struct {
	Worker string
	Key    string
	JobID  uint64
	Err    error
}

// Sleep blocks for d on clk or until ctx is done.
// A non-positive d returns immediately unless ctx is already done.
func Sleep(ctx context.Context, clk clockwork.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
