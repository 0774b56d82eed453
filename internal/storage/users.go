package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"stashd/internal/domain"
)

type Users struct {
	db *sqlx.DB
}

var userColumns = []string{"id", "email", "telegram_chat_id", "digest_enabled", "timezone"}

type sqlxUser struct {
	ID             int64  `db:"id"`
	Email          string `db:"email"`
	TelegramChatID int64  `db:"telegram_chat_id"`
	DigestEnabled  bool   `db:"digest_enabled"`
	Timezone       string `db:"timezone"`
}

func (r sqlxUser) toDomain() domain.User {
	return domain.User{
		ID:             r.ID,
		Email:          r.Email,
		TelegramChatID: r.TelegramChatID,
		DigestEnabled:  r.DigestEnabled,
		Timezone:       r.Timezone,
	}
}

func (s *Users) User(ctx context.Context, id int64) (domain.User, error) {
	query, args, err := sq.Select(userColumns...).From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.User{}, fmt.Errorf("build query: %w", err)
	}
	var row sqlxUser
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, err
	}
	return row.toDomain(), nil
}

func (s *Users) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	query, args, err := sq.
		Insert("users").
		Columns("email", "telegram_chat_id", "digest_enabled", "timezone").
		Values(u.Email, u.TelegramChatID, boolInt(u.DigestEnabled), u.Timezone).
		ToSql()
	if err != nil {
		return domain.User{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.User{}, err
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

// DigestRecipients lists users with the digest enabled and an email set.
func (s *Users) DigestRecipients(ctx context.Context) ([]domain.User, error) {
	query, args, err := sq.
		Select(userColumns...).
		From("users").
		Where(sq.And{sq.Eq{"digest_enabled": 1}, sq.NotEq{"email": ""}}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxUser
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Digest implements domain.DigestSource.
type Digest struct {
	Users   *Users
	Entries *Entries
}

var _ domain.DigestSource = (*Digest)(nil)

func (d *Digest) DigestRecipients(ctx context.Context) ([]domain.User, error) {
	return d.Users.DigestRecipients(ctx)
}

func (d *Digest) RandomUnreadLinks(ctx context.Context, userID int64, n int) ([]domain.Entry, error) {
	return d.Entries.RandomUnreadLinks(ctx, userID, n)
}
