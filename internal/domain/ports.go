package domain

import (
	"context"
	"net/url"
)

// EntryStore is the slice of the entry repository the workers need.
type EntryStore interface {
	Entry(ctx context.Context, id int64) (Entry, error)
	Entries(ctx context.Context, ids []int64) ([]Entry, error)
	// MergeProperties applies patch to the stored entry atomically and
	// returns the entry as written.
	MergeProperties(ctx context.Context, id int64, patch PropertyPatch) (Entry, error)
}

type UserStore interface {
	User(ctx context.Context, id int64) (User, error)
}

type AuditLog interface {
	Append(ctx context.Context, e AuditEvent) error
}

// Notifier records an in-app (web) notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Deliverer sends a notification through one delivery method.
type Deliverer interface {
	Deliver(ctx context.Context, m Method, n Notification) error
}

type ReminderStore interface {
	ActiveReminders(ctx context.Context) ([]Reminder, error)
	Reminder(ctx context.Context, id int64) (Reminder, error)
	CompleteReminder(ctx context.Context, id int64) error
}

type ResourceStore interface {
	Resources(ctx context.Context, entryID int64) ([]Resource, error)
	AddResource(ctx context.Context, r Resource) (Resource, error)
	// DeleteGenerated removes every generated resource row of the entry.
	DeleteGenerated(ctx context.Context, entryID int64) ([]Resource, error)
}

type RefStore interface {
	// ReplaceRefs atomically sets the outbound references of origin.
	ReplaceRefs(ctx context.Context, origin int64, targets []int64) error
}

type DigestSource interface {
	DigestRecipients(ctx context.Context) ([]User, error)
	RandomUnreadLinks(ctx context.Context, userID int64, n int) ([]Entry, error)
}

// Artifact is a file a processor wrote into the request's temp directory.
type Artifact struct {
	Kind ResourceKind
	Path string
}

// Enrichment is what a processor learned about a link.
type Enrichment struct {
	Title      string
	Properties Properties
	Content    string
	Artifacts  []Artifact
}

type Suggestion struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Processor enriches links it matches.
type Processor interface {
	Name() string
	Match(u *url.URL) bool
	Init(ctx context.Context) error
	Enrich(ctx context.Context, u *url.URL, tmpDir string) (Enrichment, error)
	Scrape(ctx context.Context, u *url.URL, tmpDir string) (Enrichment, error)
	Suggest(ctx context.Context, u *url.URL) (Suggestion, error)
}
