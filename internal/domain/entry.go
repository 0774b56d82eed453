package domain

import (
	"errors"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("not found")

type EntryKind string

const (
	KindLink EntryKind = "link"
	KindNote EntryKind = "note"
	KindFact EntryKind = "fact"
	KindFile EntryKind = "file"
)

// Well-known entry property keys.
const (
	PropDiscussions = "discussions"
	PropDead        = "dead"
	PropThumbnail   = "thumbnail"
	PropContent     = "content"
	PropDescription = "description"
	PropImage       = "image"
)

// Entry is a captured item. Workers only touch links and entry bodies.
type Entry struct {
	ID         int64
	UserID     int64
	Kind       EntryKind
	URL        string
	Title      string
	Body       string
	Properties Properties
	Read       bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (e Entry) IsLink() bool { return e.Kind == KindLink && e.URL != "" }

// Key is the entry id as used by keyed workers.
func (e Entry) Key() string { return strconv.FormatInt(e.ID, 10) }

// Discussion is a thread about a link found on a remote site.
type Discussion struct {
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Comments  int       `json:"comments"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEvent struct {
	ID      int64
	EntryID int64
	Kind    string
	Message string
	At      time.Time
}

// Audit kinds written by workers.
const (
	AuditDiscussionsFound = "discussions.found"
	AuditDiscussionsNone  = "discussions.none"
	AuditLinkProcessed    = "link.processed"
	AuditLinkFailed       = "link.failed"
)

type ResourceKind string

const (
	ResourceThumbnail ResourceKind = "thumbnail"
	ResourceSnapshot  ResourceKind = "snapshot"
	ResourceImage     ResourceKind = "image"
)

// Resource is a file stored for an entry under the data directory.
type Resource struct {
	ID        int64
	EntryID   int64
	Kind      ResourceKind
	Path      string
	Generated bool
	CreatedAt time.Time
}

type User struct {
	ID             int64
	Email          string
	TelegramChatID int64
	DigestEnabled  bool
	Timezone       string
}
