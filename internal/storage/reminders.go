package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"stashd/internal/domain"
)

type Reminders struct {
	db *sqlx.DB
}

var _ domain.ReminderStore = (*Reminders)(nil)

var reminderColumns = []string{
	"id", "entry_id", "user_id", "message", "kind", "fire_at", "spec", "timezone", "methods", "status",
}

type sqlxReminder struct {
	ID       int64  `db:"id"`
	EntryID  int64  `db:"entry_id"`
	UserID   int64  `db:"user_id"`
	Message  string `db:"message"`
	Kind     string `db:"kind"`
	FireAt   int64  `db:"fire_at"`
	Spec     string `db:"spec"`
	Timezone string `db:"timezone"`
	Methods  string `db:"methods"`
	Status   string `db:"status"`
}

func (r sqlxReminder) toDomain() (domain.Reminder, error) {
	var methods []domain.Method
	if r.Methods != "" {
		if err := json.Unmarshal([]byte(r.Methods), &methods); err != nil {
			return domain.Reminder{}, fmt.Errorf("reminder %d methods: %w", r.ID, err)
		}
	}
	return domain.Reminder{
		ID:       r.ID,
		EntryID:  r.EntryID,
		UserID:   r.UserID,
		Message:  r.Message,
		Kind:     domain.ReminderKind(r.Kind),
		FireAt:   r.FireAt,
		Spec:     r.Spec,
		Timezone: r.Timezone,
		Methods:  methods,
		Status:   domain.ReminderStatus(r.Status),
	}, nil
}

func (s *Reminders) ActiveReminders(ctx context.Context) ([]domain.Reminder, error) {
	query, args, err := sq.
		Select(reminderColumns...).
		From("reminders").
		Where(sq.Eq{"status": string(domain.ReminderActive)}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxReminder
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Reminder, 0, len(rows))
	for _, r := range rows {
		rem, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, nil
}

func (s *Reminders) Reminder(ctx context.Context, id int64) (domain.Reminder, error) {
	query, args, err := sq.Select(reminderColumns...).From("reminders").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("build query: %w", err)
	}
	var row sqlxReminder
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, fmt.Errorf("reminder %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Reminder{}, err
	}
	return row.toDomain()
}

func (s *Reminders) CompleteReminder(ctx context.Context, id int64) error {
	query, args, err := sq.
		Update("reminders").
		Set("status", string(domain.ReminderCompleted)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Reminders) CreateReminder(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	if r.Status == "" {
		r.Status = domain.ReminderActive
	}
	if len(r.Methods) == 0 {
		r.Methods = []domain.Method{domain.MethodWeb}
	}
	methods, err := json.Marshal(r.Methods)
	if err != nil {
		return domain.Reminder{}, err
	}
	query, args, err := sq.
		Insert("reminders").
		Columns("entry_id", "user_id", "message", "kind", "fire_at", "spec", "timezone", "methods", "status").
		Values(r.EntryID, r.UserID, r.Message, string(r.Kind), r.FireAt, r.Spec, r.Timezone, string(methods), string(r.Status)).
		ToSql()
	if err != nil {
		return domain.Reminder{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Reminder{}, err
	}
	r.ID, err = res.LastInsertId()
	return r, err
}
