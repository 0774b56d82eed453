package notifier

import (
	"context"
	"errors"
	"time"

	"stashd/internal/domain"
)

var (
	ErrNoChannel = errors.New("no channel for delivery method")
	ErrNoAddress = errors.New("user has no address for delivery method")
)

// Config controls external deliveries.
type Config struct {
	RatePerSec      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

// Inbox stores web notifications.
type Inbox interface {
	Insert(ctx context.Context, n domain.Notification) error
}

// Channel is an external delivery method.
type Channel interface {
	Send(ctx context.Context, to domain.User, n domain.Notification) error
}

// Event is emitted on the event bus for every delivery outcome.
type Event struct {
	Method  domain.Method `json:"method"`
	UserID  int64         `json:"user_id"`
	EntryID int64         `json:"entry_id,omitempty"`
	Key     string        `json:"key,omitempty"`
	At      time.Time     `json:"at"`
	Error   string        `json:"error,omitempty"`
}
