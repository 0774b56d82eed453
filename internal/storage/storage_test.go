package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	"stashd/internal/task"
	logx "stashd/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "stashd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	v, err := db.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestSchedulesReplaceCarriesLastRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := db.Schedules()

	require.NoError(t, s.Replace(ctx, "w", "k", &task.ScheduleRow{Version: 1, Payload: []byte(`{"a":1}`)}))
	_, ok, err := s.LastRun(ctx, "w", "k")
	require.NoError(t, err)
	require.False(t, ok)

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.MarkRun(ctx, "w", "k", at))
	require.NoError(t, s.Replace(ctx, "w", "k", &task.ScheduleRow{Version: 2, Payload: []byte(`{"a":2}`)}))

	rows, err := s.List(ctx, "w")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Version)
	assert.JSONEq(t, `{"a":2}`, string(rows[0].Payload))
	require.NotNil(t, rows[0].LastRun)
	assert.True(t, rows[0].LastRun.Equal(at))

	require.NoError(t, s.UpdatePayload(ctx, "w", "k", 2, []byte(`{"a":3}`)))
	got, ok, err := s.LastRun(ctx, "w", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	require.NoError(t, s.Replace(ctx, "w", "k", nil))
	rows, err = s.List(ctx, "w")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSchedulesScopedByWorker(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := db.Schedules()
	require.NoError(t, s.Replace(ctx, "a", "", &task.ScheduleRow{Version: 1, Payload: []byte(`{}`)}))
	require.NoError(t, s.Replace(ctx, "b", "1", &task.ScheduleRow{Version: 1, Payload: []byte(`{}`)}))
	require.NoError(t, s.Delete(ctx, "a", ""))

	rows, err := s.List(ctx, "b")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rows, err = s.List(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestEntriesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	entries := db.Entries()

	props := domain.Properties{}
	require.NoError(t, props.Set(domain.PropDescription, "hello"))
	e, err := entries.CreateEntry(ctx, domain.Entry{UserID: 1, Kind: domain.KindLink, URL: "https://example.com", Properties: props})
	require.NoError(t, err)
	require.NotZero(t, e.ID)

	set := domain.Properties{}
	require.NoError(t, set.Set(domain.PropDead, int64(42)))
	_, err = entries.MergeProperties(ctx, e.ID, domain.PropertyPatch{Set: set, Title: "Example"})
	require.NoError(t, err)

	got, err := entries.Entry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", got.Title)
	ok, err := got.Properties.Get(domain.PropDescription, new(string))
	require.NoError(t, err)
	assert.True(t, ok)
	var dead int64
	ok, err = got.Properties.Get(domain.PropDead, &dead)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, dead)

	_, err = entries.Entry(ctx, e.ID+100)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = entries.MergeProperties(ctx, e.ID+100, domain.PropertyPatch{})
	require.ErrorIs(t, err, domain.ErrNotFound)

	list, err := entries.Entries(ctx, []int64{e.ID, e.ID + 100})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMergePropertiesKeepsConcurrentWrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	entries := db.Entries()
	e, err := entries.CreateEntry(ctx, domain.Entry{UserID: 1, Kind: domain.KindLink, URL: "https://example.com", Title: "Kept"})
	require.NoError(t, err)

	// Two workers loaded the same snapshot and write disjoint keys.
	thumb := domain.Properties{}
	require.NoError(t, thumb.Set(domain.PropThumbnail, 42))
	dead := domain.Properties{}
	require.NoError(t, dead.Set(domain.PropDead, int64(1)))
	_, err = entries.MergeProperties(ctx, e.ID, domain.PropertyPatch{Set: dead})
	require.NoError(t, err)
	_, err = entries.MergeProperties(ctx, e.ID, domain.PropertyPatch{Set: thumb, Remove: []string{domain.PropDead}, Title: "Ignored"})
	require.NoError(t, err)
	ds := domain.Properties{}
	require.NoError(t, ds.Set(domain.PropDiscussions, []domain.Discussion{{Source: "hackernews", Comments: 3}}))
	got, err := entries.MergeProperties(ctx, e.ID, domain.PropertyPatch{Set: ds})
	require.NoError(t, err)

	assert.Equal(t, "Kept", got.Title)
	var n int
	ok, err := got.Properties.Get(domain.PropThumbnail, &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, n)
	ok, err = got.Properties.Get(domain.PropDiscussions, &[]domain.Discussion{})
	require.NoError(t, err)
	assert.True(t, ok)
	_, isDead := got.Properties[domain.PropDead]
	assert.False(t, isDead)

	stored, err := entries.Entry(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Properties, 2)
}

func TestDigestSamplesUnreadLinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u, err := db.Users().CreateUser(ctx, domain.User{Email: "a@example.com", DigestEnabled: true})
	require.NoError(t, err)
	_, err = db.Users().CreateUser(ctx, domain.User{DigestEnabled: true})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := db.Entries().CreateEntry(ctx, domain.Entry{UserID: u.ID, Kind: domain.KindLink, URL: "https://example.com"})
		require.NoError(t, err)
	}
	_, err = db.Entries().CreateEntry(ctx, domain.Entry{UserID: u.ID, Kind: domain.KindLink, URL: "https://read.example.com", Read: true})
	require.NoError(t, err)
	_, err = db.Entries().CreateEntry(ctx, domain.Entry{UserID: u.ID, Kind: domain.KindNote, Body: "x"})
	require.NoError(t, err)

	digest := db.Digest()
	recipients, err := digest.DigestRecipients(ctx)
	require.NoError(t, err)
	require.Len(t, recipients, 1)

	links, err := digest.RandomUnreadLinks(ctx, u.ID, 5)
	require.NoError(t, err)
	require.Len(t, links, 5)
	for _, l := range links {
		assert.Equal(t, "https://example.com", l.URL)
	}
}

func TestRemindersLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rs := db.Reminders()

	r, err := rs.CreateReminder(ctx, domain.Reminder{
		UserID: 1, Kind: domain.ReminderRecurring, Spec: "0 9 * * *", Timezone: "Europe/Berlin",
		Methods: []domain.Method{domain.MethodWeb, domain.MethodPush},
	})
	require.NoError(t, err)

	active, err := rs.ActiveReminders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []domain.Method{domain.MethodWeb, domain.MethodPush}, active[0].Methods)

	require.NoError(t, rs.CompleteReminder(ctx, r.ID))
	active, err = rs.ActiveReminders(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	got, err := rs.Reminder(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderCompleted, got.Status)
}

func TestRefsReplaceIsAtomicPerOrigin(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	refs := db.Refs()

	require.NoError(t, refs.ReplaceRefs(ctx, 1, []int64{2, 3, 3}))
	require.NoError(t, refs.ReplaceRefs(ctx, 9, []int64{2}))
	got, err := refs.Targets(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, got)

	require.NoError(t, refs.ReplaceRefs(ctx, 1, []int64{4}))
	got, err = refs.Targets(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, got)

	require.NoError(t, refs.ReplaceRefs(ctx, 1, nil))
	got, err = refs.Targets(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = refs.Targets(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, got)
}

func TestResourcesDeleteGenerated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	res := db.Resources()

	_, err := res.AddResource(ctx, domain.Resource{EntryID: 1, Kind: domain.ResourceThumbnail, Path: "a.png", Generated: true})
	require.NoError(t, err)
	_, err = res.AddResource(ctx, domain.Resource{EntryID: 1, Kind: domain.ResourceImage, Path: "upload.png"})
	require.NoError(t, err)

	gone, err := res.DeleteGenerated(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, "a.png", gone[0].Path)

	left, err := res.Resources(ctx, 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "upload.png", left[0].Path)
}

func TestAuditAndNotifications(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Audit().Append(ctx, domain.AuditEvent{EntryID: 5, Kind: domain.AuditLinkFailed, Message: "boom"}))
	events, err := db.Audit().ForEntry(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditLinkFailed, events[0].Kind)

	n := domain.NewNotification(7, 5, domain.LevelError, "Link failed", "boom")
	require.NoError(t, db.Notifications().Insert(ctx, n))
	list, err := db.Notifications().ForUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
	assert.False(t, list[0].CreatedAt.IsZero())
}
