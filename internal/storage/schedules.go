package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"stashd/internal/task"
)

// Schedules implements task.ScheduleStore on the schedules table.
type Schedules struct {
	db *sqlx.DB
}

var _ task.ScheduleStore = (*Schedules)(nil)

type sqlxSchedule struct {
	Worker  string        `db:"worker"`
	Key     string        `db:"key"`
	Version int           `db:"version"`
	Payload []byte        `db:"payload"`
	LastRun sql.NullInt64 `db:"last_run"`
}

func (r sqlxSchedule) toTask() task.ScheduleRow {
	out := task.ScheduleRow{Worker: r.Worker, Key: r.Key, Version: r.Version, Payload: r.Payload}
	if r.LastRun.Valid {
		t := time.UnixMilli(r.LastRun.Int64)
		out.LastRun = &t
	}
	return out
}

func (s *Schedules) List(ctx context.Context, worker string) ([]task.ScheduleRow, error) {
	query, args, err := sq.
		Select("worker", "key", "version", "payload", "last_run").
		From("schedules").
		Where(sq.Eq{"worker": worker}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []sqlxSchedule
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]task.ScheduleRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

func (s *Schedules) Replace(ctx context.Context, worker, key string, next *task.ScheduleRow) error {
	return inTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query, args, err := sq.
			Select("last_run").
			From("schedules").
			Where(sq.Eq{"worker": worker, "key": key}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		var last sql.NullInt64
		err = tx.GetContext(ctx, &last, query, args...)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		query, args, err = sq.
			Delete("schedules").
			Where(sq.Eq{"worker": worker, "key": key}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		query, args, err = sq.
			Insert("schedules").
			Columns("worker", "key", "version", "payload", "last_run").
			Values(worker, key, next.Version, next.Payload, last).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *Schedules) Delete(ctx context.Context, worker, key string) error {
	query, args, err := sq.
		Delete("schedules").
		Where(sq.Eq{"worker": worker, "key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Schedules) LastRun(ctx context.Context, worker, key string) (time.Time, bool, error) {
	query, args, err := sq.
		Select("last_run").
		From("schedules").
		Where(sq.Eq{"worker": worker, "key": key}).
		ToSql()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("build query: %w", err)
	}
	var last sql.NullInt64
	err = s.db.GetContext(ctx, &last, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(last.Int64), true, nil
}

func (s *Schedules) MarkRun(ctx context.Context, worker, key string, at time.Time) error {
	query, args, err := sq.
		Update("schedules").
		Set("last_run", at.UnixMilli()).
		Where(sq.Eq{"worker": worker, "key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Schedules) UpdatePayload(ctx context.Context, worker, key string, version int, payload []byte) error {
	query, args, err := sq.
		Update("schedules").
		Set("version", version).
		Set("payload", payload).
		Where(sq.Eq{"worker": worker, "key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
