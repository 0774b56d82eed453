package domain

import (
	"strconv"
	"time"
)

type ReminderKind string

const (
	ReminderAdhoc     ReminderKind = "adhoc"
	ReminderRecurring ReminderKind = "recurring"
)

type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderCompleted ReminderStatus = "completed"
)

// Method is a notification delivery channel.
type Method string

const (
	MethodWeb   Method = "web"
	MethodEmail Method = "email"
	MethodPush  Method = "push"
)

type Reminder struct {
	ID      int64
	EntryID int64
	UserID  int64
	Message string
	Kind    ReminderKind
	// FireAt is epoch millis; adhoc only.
	FireAt int64
	// Spec is a cron expression or interval; recurring only.
	Spec     string
	Timezone string
	Methods  []Method
	Status   ReminderStatus
}

func (r Reminder) Key() string { return strconv.FormatInt(r.ID, 10) }

func (r Reminder) FireTime() time.Time { return time.UnixMilli(r.FireAt) }

// Location resolves Timezone, defaulting to UTC when empty.
func (r Reminder) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}
