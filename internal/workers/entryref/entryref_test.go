package entryref

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	"stashd/internal/workers/workertest"
	logx "stashd/pkg/logx"
)

type chunkRecorder struct {
	store  *workertest.Entries
	mu     sync.Mutex
	chunks []int
}

func (c *chunkRecorder) Entry(ctx context.Context, id int64) (domain.Entry, error) {
	return c.store.Entry(ctx, id)
}

func (c *chunkRecorder) Entries(ctx context.Context, ids []int64) ([]domain.Entry, error) {
	c.mu.Lock()
	c.chunks = append(c.chunks, len(ids))
	c.mu.Unlock()
	return c.store.Entries(ctx, ids)
}

func (c *chunkRecorder) MergeProperties(ctx context.Context, id int64, patch domain.PropertyPatch) (domain.Entry, error) {
	return c.store.MergeProperties(ctx, id, patch)
}

func TestParseRefs(t *testing.T) {
	body := "see [[entry:12]] and [[entry:3]], again [[entry:12]], self [[entry:1]], bad [[entry:x]] [[entry:0]]"
	assert.Equal(t, []int64{3, 12}, ParseRefs(body, 1))
	assert.Empty(t, ParseRefs("no refs here", 1))
}

func TestRebuildResolvesInChunks(t *testing.T) {
	store := &chunkRecorder{store: workertest.NewEntries()}
	var body strings.Builder
	for id := int64(2); id <= 31; id++ {
		fmt.Fprintf(&body, "[[entry:%d]] ", id)
		if id%10 != 0 {
			store.store.Put(domain.Entry{ID: id, Kind: domain.KindNote})
		}
	}
	store.store.Put(domain.Entry{ID: 1, Kind: domain.KindNote, Body: body.String()})
	refs := &workertest.Refs{}

	w := New(Deps{Entries: store, Refs: refs, Log: logx.Nop()})
	require.NoError(t, w.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, w.Stop(ctx))
	}()

	require.NoError(t, w.Send(Request{OriginID: 1}))
	require.Eventually(t, func() bool { return len(refs.Targets(1)) > 0 }, 2*time.Second, 5*time.Millisecond)

	got := refs.Targets(1)
	assert.Len(t, got, 27)
	assert.NotContains(t, got, int64(10))
	assert.NotContains(t, got, int64(20))
	assert.NotContains(t, got, int64(30))
	store.mu.Lock()
	assert.Equal(t, []int{25, 5}, store.chunks)
	store.mu.Unlock()

	require.NoError(t, w.Send(Request{OriginID: 1, Deleted: true}))
	require.Eventually(t, func() bool { return len(refs.Targets(1)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestMissingOriginDropsRefs(t *testing.T) {
	refs := &workertest.Refs{}
	require.NoError(t, refs.ReplaceRefs(context.Background(), 9, []int64{1, 2}))

	w := New(Deps{Entries: workertest.NewEntries(), Refs: refs, Log: logx.Nop()})
	require.NoError(t, w.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, w.Stop(ctx))
	}()

	require.NoError(t, w.Send(Request{OriginID: 9}))
	require.Eventually(t, func() bool { return len(refs.Targets(9)) == 0 }, 2*time.Second, 5*time.Millisecond)
}
