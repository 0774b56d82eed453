package domain

import (
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notification struct {
	ID        uuid.UUID
	UserID    int64
	EntryID   int64
	Level     Level
	Title     string
	Body      string
	CreatedAt time.Time
}

// NewNotification stamps a fresh id. CreatedAt is set by the notifier.
func NewNotification(userID, entryID int64, level Level, title, body string) Notification {
	return Notification{
		ID:      uuid.New(),
		UserID:  userID,
		EntryID: entryID,
		Level:   level,
		Title:   title,
		Body:    body,
	}
}
