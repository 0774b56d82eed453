package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	"stashd/internal/workers/workertest"
	logx "stashd/pkg/logx"
)

// Monday.
var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func sleeping(t *testing.T, clk *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1), "worker never slept")
}

func stopOnCleanup(t *testing.T, s interface{ Stop(context.Context) error }) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func agedDir(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "artifact"), []byte("x"), 0o644))
	mt := t0.Add(-age)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return p
}

func TestCleanupRemovesOldDirs(t *testing.T) {
	root := t.TempDir()
	old := agedDir(t, root, "old", 10*24*time.Hour)
	fresh := agedDir(t, root, "fresh", 3*24*time.Hour)
	file := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(file, t0.Add(-30*24*time.Hour), t0.Add(-30*24*time.Hour)))

	clk := clockwork.NewFakeClockAt(t0)
	c := NewCleanup(CleanupConfig{Dir: root, MaxAge: 7 * 24 * time.Hour, Interval: time.Hour}, logx.Nop(), nil, clk)
	require.NoError(t, c.Start(context.Background()))
	stopOnCleanup(t, c)

	sleeping(t, clk)
	assert.DirExists(t, old)

	clk.Advance(time.Hour)
	require.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
	assert.DirExists(t, fresh)
	assert.FileExists(t, file)
}

func TestSweepMissingDir(t *testing.T) {
	n, err := Sweep(filepath.Join(t.TempDir(), "nope"), time.Hour, t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeDigestSource struct {
	mu    sync.Mutex
	users []domain.User
	links map[int64][]domain.Entry
	asked []int
}

func (f *fakeDigestSource) DigestRecipients(context.Context) ([]domain.User, error) {
	return f.users, nil
}

func (f *fakeDigestSource) RandomUnreadLinks(_ context.Context, userID int64, n int) ([]domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, n)
	return f.links[userID], nil
}

func digestLinks() []domain.Entry {
	return []domain.Entry{
		{ID: 1, Kind: domain.KindLink, URL: "https://go.dev/blog", Title: "Go blog"},
		{ID: 2, Kind: domain.KindLink, URL: "https://example.com/x"},
	}
}

func TestRenderDigest(t *testing.T) {
	out, err := RenderDigest(digestLinks())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "digest", []byte(out))

	one, err := RenderDigest(digestLinks()[:1])
	require.NoError(t, err)
	assert.Contains(t, one, "Here is 1 unread link from your stash:")
}

func TestNextWeekly(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// Monday 08:00 UTC, before 09:00 UTC: same day.
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		NextWeekly(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), time.UTC, time.Monday, 9))
	// Exactly Monday 09:00: next week.
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC),
		NextWeekly(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), time.UTC, time.Monday, 9))
	// Sunday 23:30 UTC is already Monday 00:30 in Berlin.
	got := NextWeekly(time.Date(2024, 3, 3, 23, 30, 0, 0, time.UTC), berlin, time.Monday, 9)
	assert.True(t, got.Equal(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)), got)
}

func TestDigestSendsWeekly(t *testing.T) {
	src := &fakeDigestSource{
		users: []domain.User{
			{ID: 1, Email: "a@example.com", DigestEnabled: true},
			{ID: 2, Email: "b@example.com"},
			{ID: 3, DigestEnabled: true},
			{ID: 4, Email: "d@example.com", DigestEnabled: true},
		},
		links: map[int64][]domain.Entry{1: digestLinks(), 3: digestLinks()},
	}
	notifier := &workertest.Notifier{Sent: make(chan workertest.Delivery, 4)}
	clk := clockwork.NewFakeClockAt(t0)
	d := NewDigest(DigestConfig{}, src, notifier, logx.Nop(), nil, clk)
	require.NoError(t, d.Start(context.Background()))
	stopOnCleanup(t, d)

	// Monday 10:00 UTC: the first digest goes out next Monday 09:00.
	first := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	sleeping(t, clk)
	clk.Advance(first.Sub(t0) - time.Second)
	assert.Empty(t, notifier.Deliveries())
	clk.Advance(time.Second)

	var got workertest.Delivery
	select {
	case got = <-notifier.Sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no digest sent")
	}
	assert.Equal(t, domain.MethodEmail, got.Method)
	assert.Equal(t, int64(1), got.Notification.UserID)
	assert.Contains(t, got.Notification.Body, "https://go.dev/blog")

	sleeping(t, clk)
	clk.Advance(7 * 24 * time.Hour)
	select {
	case <-notifier.Sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no second digest")
	}
	sleeping(t, clk)
	assert.Len(t, notifier.Deliveries(), 2)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []int{5, 5, 5, 5}, src.asked)
}
