package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"stashd/internal/domain"
)

type Entries struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ domain.EntryStore = (*Entries)(nil)

var entryColumns = []string{
	"id", "user_id", "kind", "url", "title", "body", "properties", "is_read", "created_at", "updated_at",
}

type sqlxEntry struct {
	ID         int64             `db:"id"`
	UserID     int64             `db:"user_id"`
	Kind       string            `db:"kind"`
	URL        string            `db:"url"`
	Title      string            `db:"title"`
	Body       string            `db:"body"`
	Properties domain.Properties `db:"properties"`
	IsRead     bool              `db:"is_read"`
	CreatedAt  int64             `db:"created_at"`
	UpdatedAt  int64             `db:"updated_at"`
}

func (r sqlxEntry) toDomain() domain.Entry {
	props := r.Properties
	if props == nil {
		props = domain.Properties{}
	}
	return domain.Entry{
		ID:         r.ID,
		UserID:     r.UserID,
		Kind:       domain.EntryKind(r.Kind),
		URL:        r.URL,
		Title:      r.Title,
		Body:       r.Body,
		Properties: props,
		Read:       r.IsRead,
		CreatedAt:  time.UnixMilli(r.CreatedAt),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt),
	}
}

func (s *Entries) Entry(ctx context.Context, id int64) (domain.Entry, error) {
	query, args, err := sq.Select(entryColumns...).From("entries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Entry{}, fmt.Errorf("build query: %w", err)
	}
	var row sqlxEntry
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, fmt.Errorf("entry %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Entry{}, err
	}
	return row.toDomain(), nil
}

// Entries returns the entries that exist among ids, in id order.
func (s *Entries) Entries(ctx context.Context, ids []int64) ([]domain.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select(entryColumns...).From("entries").Where(sq.Eq{"id": ids}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxEntry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MergeProperties reads the entry, applies patch and writes it back in one
// transaction.
func (s *Entries) MergeProperties(ctx context.Context, id int64, patch domain.PropertyPatch) (domain.Entry, error) {
	var out domain.Entry
	err := inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query, args, err := sq.Select(entryColumns...).From("entries").Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		var row sqlxEntry
		err = tx.GetContext(ctx, &row, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entry %d: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		e := row.toDomain()
		e.Properties = patch.Apply(e.Properties)
		if e.Title == "" {
			e.Title = patch.Title
		}
		now := s.now()
		query, args, err = sq.
			Update("entries").
			Set("title", e.Title).
			Set("properties", e.Properties).
			Set("updated_at", now.UnixMilli()).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		e.UpdatedAt = time.UnixMilli(now.UnixMilli())
		out = e
		return nil
	})
	return out, err
}

// CreateEntry inserts e and returns it with its id and timestamps set.
func (s *Entries) CreateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	now := s.now()
	if e.Properties == nil {
		e.Properties = domain.Properties{}
	}
	query, args, err := sq.
		Insert("entries").
		Columns("user_id", "kind", "url", "title", "body", "properties", "is_read", "created_at", "updated_at").
		Values(e.UserID, string(e.Kind), e.URL, e.Title, e.Body, e.Properties, boolInt(e.Read), now.UnixMilli(), now.UnixMilli()).
		ToSql()
	if err != nil {
		return domain.Entry{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Entry{}, err
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Entry{}, err
	}
	e.CreatedAt, e.UpdatedAt = time.UnixMilli(now.UnixMilli()), time.UnixMilli(now.UnixMilli())
	return e, nil
}

func (s *Entries) DeleteEntry(ctx context.Context, id int64) error {
	query, args, err := sq.Delete("entries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// RandomUnreadLinks samples up to n unread links of a user.
func (s *Entries) RandomUnreadLinks(ctx context.Context, userID int64, n int) ([]domain.Entry, error) {
	query, args, err := sq.
		Select(entryColumns...).
		From("entries").
		Where(sq.Eq{"user_id": userID, "kind": string(domain.KindLink), "is_read": 0}).
		OrderBy("RANDOM()").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxEntry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
