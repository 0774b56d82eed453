package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	"stashd/internal/eventbus"
	logx "stashd/pkg/logx"
)

type fakeInbox struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (f *fakeInbox) Insert(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return nil
}

type fakeUsers map[int64]domain.User

func (f fakeUsers) User(_ context.Context, id int64) (domain.User, error) {
	u, ok := f[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

type captureChannel struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (c *captureChannel) Send(_ context.Context, _ domain.User, n domain.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func newService(t *testing.T, cfg Config) (*Service, *fakeInbox, eventbus.Bus) {
	t.Helper()
	inbox := &fakeInbox{}
	bus := eventbus.New()
	users := fakeUsers{1: {ID: 1, Email: "a@example.com", TelegramChatID: 42}}
	return New(cfg, inbox, users, logx.Nop(), bus), inbox, bus
}

func TestNotifyStoresWebNotification(t *testing.T) {
	s, inbox, _ := newService(t, Config{})
	n := domain.NewNotification(1, 7, domain.LevelSuccess, "Done", "")
	require.NoError(t, s.Notify(context.Background(), n))

	require.Len(t, inbox.got, 1)
	assert.Equal(t, n.ID, inbox.got[0].ID)
	assert.False(t, inbox.got[0].CreatedAt.IsZero())
}

func TestDeliverDedupsWithinWindow(t *testing.T) {
	s, _, bus := newService(t, Config{DedupWindow: time.Minute})
	ch := &captureChannel{}
	s.Register(domain.MethodEmail, ch)
	events, unsub := bus.Subscribe("notifier.", 8)
	defer unsub()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	n := domain.NewNotification(1, 7, domain.LevelInfo, "Reminder", "read it")

	require.NoError(t, s.Deliver(context.Background(), domain.MethodEmail, n))
	require.NoError(t, s.Deliver(context.Background(), domain.MethodEmail, n))
	assert.Len(t, ch.sent, 1)
	assert.Equal(t, "notifier.sent", (<-events).Type)
	assert.Equal(t, "notifier.deduped", (<-events).Type)

	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Deliver(context.Background(), domain.MethodEmail, n))
	assert.Len(t, ch.sent, 2)
}

func TestDeliverKeepsEachReminderFiring(t *testing.T) {
	s, _, _ := newService(t, Config{DedupWindow: 10 * time.Minute})
	ch := &captureChannel{}
	s.Register(domain.MethodPush, ch)

	// "@every 5m" fires twice inside one dedup window.
	fire := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		n := domain.NewNotification(1, 7, domain.LevelInfo, "Reminder", "stand up")
		n.CreatedAt = fire.Add(time.Duration(i) * 5 * time.Minute)
		require.NoError(t, s.Deliver(context.Background(), domain.MethodPush, n))
	}
	assert.Len(t, ch.sent, 2)

	// A repeated delivery of the same firing is still suppressed.
	n := domain.NewNotification(1, 7, domain.LevelInfo, "Reminder", "stand up")
	n.CreatedAt = fire
	require.NoError(t, s.Deliver(context.Background(), domain.MethodPush, n))
	assert.Len(t, ch.sent, 2)
}

func TestDeliverErrors(t *testing.T) {
	s, _, _ := newService(t, Config{})
	n := domain.NewNotification(1, 0, domain.LevelInfo, "x", "")

	err := s.Deliver(context.Background(), domain.MethodPush, n)
	require.ErrorIs(t, err, ErrNoChannel)

	boom := errors.New("boom")
	s.Register(domain.MethodPush, &captureChannel{err: boom})
	require.ErrorIs(t, s.Deliver(context.Background(), domain.MethodPush, n), boom)

	n.UserID = 99
	require.ErrorIs(t, s.Deliver(context.Background(), domain.MethodPush, n), domain.ErrNotFound)
}

func TestEmailMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Equal(t, "stash@example.com", from)
		return nil
	}
	e, err := NewEmail(EmailConfig{Host: "smtp.example.com", From: "stash@example.com"}, send)
	require.NoError(t, err)

	n := domain.NewNotification(1, 0, domain.LevelInfo, "Weekly links", "one\ntwo")
	require.NoError(t, e.Send(context.Background(), domain.User{Email: "a@example.com"}, n))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"a@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Weekly links\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "Weekly links\r\n\r\none\r\ntwo\r\n"))

	err = e.Send(context.Background(), domain.User{}, n)
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestTelegramSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "TOKEN", APIURL: srv.URL})
	require.NoError(t, err)

	n := domain.NewNotification(1, 0, domain.LevelInfo, "Reminder", "water the plants")
	require.NoError(t, tg.Send(context.Background(), domain.User{TelegramChatID: 42}, n))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "Reminder\n\nwater the plants", got["text"])

	require.ErrorIs(t, tg.Send(context.Background(), domain.User{}, n), ErrNoAddress)
}
