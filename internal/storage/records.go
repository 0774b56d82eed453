package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"stashd/internal/domain"
)

// Audit is the append-only audit trail of entries.
type Audit struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ domain.AuditLog = (*Audit)(nil)

type sqlxAudit struct {
	ID      int64  `db:"id"`
	EntryID int64  `db:"entry_id"`
	Kind    string `db:"kind"`
	Message string `db:"message"`
	At      int64  `db:"at"`
}

func (s *Audit) Append(ctx context.Context, e domain.AuditEvent) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	query, args, err := sq.
		Insert("audit").
		Columns("entry_id", "kind", "message", "at").
		Values(e.EntryID, e.Kind, e.Message, e.At.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ForEntry lists the audit events of an entry, oldest first.
func (s *Audit) ForEntry(ctx context.Context, entryID int64) ([]domain.AuditEvent, error) {
	query, args, err := sq.
		Select("id", "entry_id", "kind", "message", "at").
		From("audit").
		Where(sq.Eq{"entry_id": entryID}).
		OrderBy("at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxAudit
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AuditEvent{
			ID: r.ID, EntryID: r.EntryID, Kind: r.Kind, Message: r.Message, At: time.UnixMilli(r.At),
		})
	}
	return out, nil
}

// Notifications stores in-app notifications.
type Notifications struct {
	db  *sqlx.DB
	now func() time.Time
}

type sqlxNotification struct {
	ID        string `db:"id"`
	UserID    int64  `db:"user_id"`
	EntryID   int64  `db:"entry_id"`
	Level     string `db:"level"`
	Title     string `db:"title"`
	Body      string `db:"body"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Notifications) Insert(ctx context.Context, n domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	query, args, err := sq.
		Insert("notifications").
		Columns("id", "user_id", "entry_id", "level", "title", "body", "created_at").
		Values(n.ID.String(), n.UserID, n.EntryID, string(n.Level), n.Title, n.Body, n.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Notifications) ForUser(ctx context.Context, userID int64) ([]domain.Notification, error) {
	query, args, err := sq.
		Select("id", "user_id", "entry_id", "level", "title", "body", "created_at").
		From("notifications").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxNotification
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("notification id %q: %w", r.ID, err)
		}
		out = append(out, domain.Notification{
			ID: id, UserID: r.UserID, EntryID: r.EntryID, Level: domain.Level(r.Level),
			Title: r.Title, Body: r.Body, CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

// Resources tracks files stored for entries.
type Resources struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ domain.ResourceStore = (*Resources)(nil)

type sqlxResource struct {
	ID        int64  `db:"id"`
	EntryID   int64  `db:"entry_id"`
	Kind      string `db:"kind"`
	Path      string `db:"path"`
	Generated bool   `db:"generated"`
	CreatedAt int64  `db:"created_at"`
}

func (r sqlxResource) toDomain() domain.Resource {
	return domain.Resource{
		ID: r.ID, EntryID: r.EntryID, Kind: domain.ResourceKind(r.Kind), Path: r.Path,
		Generated: r.Generated, CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

func (s *Resources) Resources(ctx context.Context, entryID int64) ([]domain.Resource, error) {
	return s.find(ctx, sq.Eq{"entry_id": entryID})
}

func (s *Resources) find(ctx context.Context, where sq.Sqlizer) ([]domain.Resource, error) {
	query, args, err := sq.
		Select("id", "entry_id", "kind", "path", "generated", "created_at").
		From("resources").
		Where(where).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxResource
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Resource, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Resources) AddResource(ctx context.Context, r domain.Resource) (domain.Resource, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	query, args, err := sq.
		Insert("resources").
		Columns("entry_id", "kind", "path", "generated", "created_at").
		Values(r.EntryID, string(r.Kind), r.Path, boolInt(r.Generated), r.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return domain.Resource{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Resource{}, err
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

// DeleteGenerated removes the generated resource rows of an entry and
// returns them so the caller can remove the files.
func (s *Resources) DeleteGenerated(ctx context.Context, entryID int64) ([]domain.Resource, error) {
	var out []domain.Resource
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		where := sq.Eq{"entry_id": entryID, "generated": 1}
		query, args, err := sq.
			Select("id", "entry_id", "kind", "path", "generated", "created_at").
			From("resources").
			Where(where).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		var rows []sqlxResource
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, r.toDomain())
		}
		query, args, err = sq.Delete("resources").Where(where).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	return out, err
}

// Refs stores [[entry:id]] references between entries.
type Refs struct {
	db *sqlx.DB
}

var _ domain.RefStore = (*Refs)(nil)

func (s *Refs) ReplaceRefs(ctx context.Context, origin int64, targets []int64) error {
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query, args, err := sq.Delete("entry_refs").Where(sq.Eq{"origin_id": origin}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		ins := sq.Insert("entry_refs").Columns("origin_id", "target_id").Options("OR IGNORE")
		for _, t := range targets {
			ins = ins.Values(origin, t)
		}
		query, args, err = ins.ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

// Targets lists the entries origin references.
func (s *Refs) Targets(ctx context.Context, origin int64) ([]int64, error) {
	query, args, err := sq.
		Select("target_id").
		From("entry_refs").
		Where(sq.Eq{"origin_id": origin}).
		OrderBy("target_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []int64
	err = s.db.SelectContext(ctx, &out, query, args...)
	return out, err
}
