package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackerbot/internal/domain"
)

const scheduleColumns = `id, guild_id, scheduled_at, created_by, status, executed_at, error_message, metadata, created_at, updated_at`

func (s *Store) CreateSchedule(ctx context.Context, sr *domain.ScheduledRefresh) error {
	if sr == nil || sr.ID == "" {
		return errors.New("schedule id is required")
	}
	now := s.now()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = now
	}
	sr.UpdatedAt = now
	if sr.Status == "" {
		sr.Status = domain.SchedulePending
	}
	meta, err := encodeMetadata(sr.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_refreshes(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sr.ID, sr.GuildID, sr.ScheduledAt.UnixMilli(), sr.CreatedBy, string(sr.Status),
		nullMillis(sr.ExecutedAt), nullStr(sr.ErrorMessage), meta,
		sr.CreatedAt.UnixMilli(), sr.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) FindSchedule(ctx context.Context, id string) (*domain.ScheduledRefresh, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_refreshes WHERE id = ?`, id)
	sr, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	return sr, err
}

// FindPendingSchedules returns every pending schedule ordered by fire time.
func (s *Store) FindPendingSchedules(ctx context.Context) ([]domain.ScheduledRefresh, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_refreshes WHERE status = 'pending' ORDER BY scheduled_at, id`)
}

// UpdateSchedule applies u to a pending schedule. Terminal rows are never
// rewritten, nor are started rows when u.Unstarted is set: the call fails
// with ErrStateConflict instead.
func (s *Store) UpdateSchedule(ctx context.Context, id string, u domain.ScheduleUpdate) (*domain.ScheduledRefresh, error) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ExecutedAt != nil {
		sets = append(sets, "executed_at = ?")
		args = append(args, nullMillis(u.ExecutedAt))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(u.ErrorMessage))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), id)

	cond := ` WHERE id = ? AND status = 'pending'`
	if u.Unstarted {
		cond += ` AND executed_at IS NULL`
	}
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_refreshes SET `+strings.Join(sets, ", ")+cond, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.FindSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == domain.SchedulePending && cur.ExecutedAt != nil {
			return nil, fmt.Errorf("%w: schedule is executing", domain.ErrStateConflict)
		}
		return nil, fmt.Errorf("%w: status is %s", domain.ErrStateConflict, cur.Status)
	}
	return s.FindSchedule(ctx, id)
}

// ListSchedules returns schedules ordered by fire time. Terminal rows are
// included only when f.IncludeCompleted is set or f.Status selects them.
func (s *Store) ListSchedules(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledRefresh, error) {
	var (
		where []string
		args  []any
	)
	if f.GuildID != "" {
		where = append(where, "guild_id = ?")
		args = append(args, f.GuildID)
	}
	switch {
	case f.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	case !f.IncludeCompleted:
		where = append(where, "status = 'pending'")
	}
	q := `SELECT ` + scheduleColumns + ` FROM scheduled_refreshes`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY scheduled_at, id`
	return s.querySchedules(ctx, q, args...)
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...any) ([]domain.ScheduledRefresh, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ScheduledRefresh{}
	for rows.Next() {
		sr, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sr)
	}
	return out, rows.Err()
}

func scanSchedule(r rowScanner) (*domain.ScheduledRefresh, error) {
	var (
		sr          domain.ScheduledRefresh
		scheduledAt int64
		status      string
		executedAt  sql.NullInt64
		errMsg      sql.NullString
		meta        sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	if err := r.Scan(&sr.ID, &sr.GuildID, &scheduledAt, &sr.CreatedBy, &status, &executedAt, &errMsg, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sr.ScheduledAt = time.UnixMilli(scheduledAt)
	sr.Status = domain.ScheduleStatus(status)
	sr.ExecutedAt = timePtr(executedAt)
	sr.ErrorMessage = strPtr(errMsg)
	sr.CreatedAt = time.UnixMilli(createdAt)
	sr.UpdatedAt = time.UnixMilli(updatedAt)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sr.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", sr.ID, err)
		}
	}
	return &sr, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
