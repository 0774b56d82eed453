package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	"stashd/internal/sources"
	"stashd/internal/storage"
	"stashd/internal/task"
	"stashd/internal/workers/workertest"
	logx "stashd/pkg/logx"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	find  func(call int) ([]domain.Discussion, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Find(context.Context, string) ([]domain.Discussion, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.find(n)
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func threads(n int) []domain.Discussion {
	out := make([]domain.Discussion, n)
	for i := range out {
		out[i] = domain.Discussion{Source: "hackernews", URL: "https://news.ycombinator.com/item?id=" + string(rune('a'+i)), CreatedAt: t0.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

type harness struct {
	w        *Worker
	clk      *clockwork.FakeClock
	store    *task.MemoryStore
	entries  *workertest.Entries
	audit    *workertest.Audit
	notifier *workertest.Notifier
	src      *fakeSource
}

func newHarness(t *testing.T, find func(int) ([]domain.Discussion, error)) *harness {
	t.Helper()
	h := &harness{
		clk:      clockwork.NewFakeClockAt(t0),
		store:    task.NewMemoryStore(),
		entries:  workertest.NewEntries(domain.Entry{ID: 7, UserID: 1, Kind: domain.KindLink, URL: "https://example.com/post", Title: "Post"}),
		audit:    &workertest.Audit{},
		notifier: &workertest.Notifier{},
		src:      &fakeSource{find: find},
	}
	h.w = New(Deps{
		Entries:  h.entries,
		Audit:    h.audit,
		Notifier: h.notifier,
		Sources:  []sources.Source{h.src},
		Store:    h.store,
		Log:      logx.Nop(),
		Clock:    h.clk,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.w.Stop(ctx)
	})
}

// sleeping waits until the worker is parked on a timer.
func (h *harness) sleeping(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntilContext(ctx, 1), "worker never slept")
}

func (h *harness) storedIndex(t *testing.T) int {
	t.Helper()
	row, ok := h.store.Get(Name, "7")
	require.True(t, ok, "schedule row missing")
	var req Request
	require.NoError(t, json.Unmarshal(row.Payload, &req))
	return req.IntervalIndex
}

func TestNoDiscussionsTerminatesAfterLastTier(t *testing.T) {
	h := newHarness(t, func(int) ([]domain.Discussion, error) { return nil, nil })
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))

	for i, tier := range DefaultTiers {
		h.sleeping(t)
		assert.Equal(t, i, h.storedIndex(t))
		h.clk.Advance(tier)
	}

	require.Eventually(t, func() bool {
		_, ok := h.store.Get(Name, "7")
		return !ok && !h.w.Live("7")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, h.src.Calls())
	assert.Len(t, h.audit.Kinds(), 5)
	for _, k := range h.audit.Kinds() {
		assert.Equal(t, domain.AuditDiscussionsNone, k)
	}
	assert.Empty(t, h.notifier.Deliveries())
}

func TestDiscussionsFoundKeepsPolling(t *testing.T) {
	h := newHarness(t, func(call int) ([]domain.Discussion, error) {
		if call < 4 {
			return nil, nil
		}
		return threads(3), nil
	})
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))

	for _, tier := range DefaultTiers[:3] {
		h.sleeping(t)
		h.clk.Advance(tier)
	}
	h.sleeping(t)

	require.Len(t, h.notifier.Deliveries(), 1)
	n := h.notifier.Deliveries()[0].Notification
	assert.Equal(t, "3 new discussions found", n.Title)
	assert.Equal(t, int64(1), n.UserID)
	assert.True(t, h.w.Live("7"))
	assert.Equal(t, 3, h.storedIndex(t))

	e, _ := h.entries.Get(7)
	var stored []domain.Discussion
	ok, err := e.Properties.Get(domain.PropDiscussions, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, stored, 3)
	assert.Equal(t, domain.AuditDiscussionsFound, h.audit.Kinds()[3])

	// Same count on the widest tier ends the polling.
	h.clk.Advance(DefaultTiers[3])
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(Name, "7")
		return !ok && !h.w.Live("7")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.notifier.Deliveries(), 1)
}

func TestResumeWaitsOutRemainingTier(t *testing.T) {
	h := newHarness(t, func(int) ([]domain.Discussion, error) { return nil, nil })
	payload, err := json.Marshal(Request{LinkID: 7, IntervalIndex: 2})
	require.NoError(t, err)
	last := t0.Add(-100 * time.Minute)
	h.store.Put(task.ScheduleRow{Worker: Name, Key: "7", Version: 1, Payload: payload, LastRun: &last})

	h.start(t)
	h.sleeping(t)
	h.clk.Advance(499 * time.Minute)
	assert.Equal(t, 0, h.src.Calls())
	assert.Equal(t, 2, h.storedIndex(t))

	h.clk.Advance(time.Minute)
	h.sleeping(t)
	assert.Equal(t, 1, h.src.Calls())
	assert.Equal(t, 3, h.storedIndex(t))

	row, ok := h.store.Get(Name, "7")
	require.True(t, ok)
	require.NotNil(t, row.LastRun)
	assert.True(t, row.LastRun.Equal(t0.Add(500*time.Minute)))
}

func TestAllSourcesFailingWritesNoAudit(t *testing.T) {
	h := newHarness(t, func(int) ([]domain.Discussion, error) {
		return nil, &sources.Error{Source: "fake", Status: 503, Err: errors.New("unavailable")}
	})
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))

	h.sleeping(t)
	assert.Equal(t, 1, h.src.Calls())
	assert.Empty(t, h.audit.Events())
	assert.Equal(t, 0, h.storedIndex(t))
}

func TestMissingLinkStopsPolling(t *testing.T) {
	h := newHarness(t, func(int) ([]domain.Discussion, error) { return nil, nil })
	h.entries.Remove(7)
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))

	require.Eventually(t, func() bool {
		_, ok := h.store.Get(Name, "7")
		return !ok && !h.w.Live("7")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.src.Calls())
}

func TestCancelRemovesSchedule(t *testing.T) {
	h := newHarness(t, func(int) ([]domain.Discussion, error) { return nil, nil })
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))
	h.sleeping(t)

	require.NoError(t, h.w.Send(Request{LinkID: 7, Op: task.Delete}))
	require.Eventually(t, func() bool {
		_, ok := h.store.Get(Name, "7")
		return !ok && !h.w.Live("7")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStoreFailureOnWidestTierKeepsPolling(t *testing.T) {
	h := newHarness(t, func(call int) ([]domain.Discussion, error) {
		if call < 5 {
			return nil, nil
		}
		return threads(2), nil
	})
	var down atomic.Bool
	down.Store(true)
	h.entries.MergeErr = func(int64) error {
		if down.Load() {
			return errors.New("database is locked")
		}
		return nil
	}
	h.start(t)
	require.NoError(t, h.w.Send(NewRequest(7)))

	for _, tier := range DefaultTiers {
		h.sleeping(t)
		h.clk.Advance(tier)
	}
	// The fifth poll found threads but could not store them.
	h.sleeping(t)
	assert.Equal(t, 5, h.src.Calls())
	assert.True(t, h.w.Live("7"))
	assert.Equal(t, 3, h.storedIndex(t))
	assert.Empty(t, h.notifier.Deliveries())
	assert.NotContains(t, h.audit.Kinds(), domain.AuditDiscussionsFound)

	down.Store(false)
	h.clk.Advance(DefaultTiers[3])
	h.sleeping(t)
	require.Len(t, h.notifier.Deliveries(), 1)
	assert.Equal(t, "2 new discussions found", h.notifier.Deliveries()[0].Notification.Title)
}

func TestPollKeepsPropertiesWrittenMeanwhile(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "stashd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	entries := db.Entries()
	e, err := entries.CreateEntry(ctx, domain.Entry{UserID: 1, Kind: domain.KindLink, URL: "https://example.com/post"})
	require.NoError(t, err)

	clk := clockwork.NewFakeClockAt(t0)
	// The link processor enriches the entry while the sources are queried.
	src := &fakeSource{find: func(int) ([]domain.Discussion, error) {
		set := domain.Properties{}
		if err := set.Set(domain.PropThumbnail, 42); err != nil {
			return nil, err
		}
		if _, err := entries.MergeProperties(ctx, e.ID, domain.PropertyPatch{Set: set}); err != nil {
			return nil, err
		}
		return threads(1), nil
	}}
	audit := &workertest.Audit{}
	w := New(Deps{
		Entries:  entries,
		Audit:    audit,
		Notifier: &workertest.Notifier{},
		Sources:  []sources.Source{src},
		Store:    db.Schedules(),
		Log:      logx.Nop(),
		Clock:    clk,
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(stopCtx)
	})
	require.NoError(t, w.Send(NewRequest(e.ID)))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(waitCtx, 1))

	got, err := entries.Entry(ctx, e.ID)
	require.NoError(t, err)
	var thumb int
	ok, err := got.Properties.Get(domain.PropThumbnail, &thumb)
	require.NoError(t, err)
	require.True(t, ok, "thumbnail lost")
	assert.Equal(t, 42, thumb)
	var ds []domain.Discussion
	ok, err = got.Properties.Get(domain.PropDiscussions, &ds)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, ds, 1)
	assert.Equal(t, []string{domain.AuditDiscussionsFound}, audit.Kinds())
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "1 new discussion found", Summary(1))
	assert.Equal(t, "3 new discussions found", Summary(3))
}
