package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"trackerbot/internal/domain"
)

const profileColumns = `p.id, COALESCE(m.guild_id, ''), p.url, p.status, p.last_scraped_at, p.attempts, p.error, p.active, p.deleted, p.updated_at`

// FindPending returns ids of all pending, active, non-deleted profiles.
func (s *Store) FindPending(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM profiles
		 WHERE status = 'pending' AND active = 1 AND deleted = 0
		 ORDER BY id`)
}

// FindStale returns ids of active, non-deleted, not in-progress profiles whose
// last scrape is missing or older than q.Cutoff. When q.IncludePending is set,
// pending profiles match regardless of their last scrape.
func (s *Store) FindStale(ctx context.Context, q domain.StaleQuery) ([]string, error) {
	var b strings.Builder
	args := make([]any, 0, 4)
	b.WriteString(`SELECT p.id FROM profiles p
		LEFT JOIN guild_members m ON m.user_id = p.owner_id
		WHERE p.active = 1 AND p.deleted = 0 AND p.status != 'in_progress'`)
	if q.GuildID != "" {
		b.WriteString(` AND m.guild_id = ?`)
		args = append(args, q.GuildID)
	}
	b.WriteString(` AND (p.last_scraped_at IS NULL OR p.last_scraped_at < ?`)
	args = append(args, q.Cutoff.UnixMilli())
	if q.IncludePending {
		b.WriteString(` OR p.status = 'pending'`)
	}
	b.WriteString(`) ORDER BY p.id`)
	return s.queryIDs(ctx, b.String(), args...)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (*domain.TrackedProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles p
		 LEFT JOIN guild_members m ON m.user_id = p.owner_id
		 WHERE p.id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProfileNotFound
	}
	return p, err
}

// Update applies u to the profile. Writes are unconditional, so concurrent
// updates resolve as last-write-wins.
func (s *Store) Update(ctx context.Context, id string, u domain.ProfileUpdate) (*domain.TrackedProfile, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(u.Error))
	} else if u.ClearError {
		sets = append(sets, "error = NULL")
	}
	if u.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.LastScrapedAt != nil {
		sets = append(sets, "last_scraped_at = ?")
		args = append(args, nullMillis(u.LastScrapedAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrProfileNotFound
	}
	return s.Get(ctx, id)
}

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p ProfileSeed) error {
	status := p.Status
	if status == "" {
		status = string(domain.ScrapingPending)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(id, owner_id, url, status, last_scraped_at, attempts, active, deleted, updated_at)
		 VALUES(?,?,?,?,?,0,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id = excluded.owner_id, url = excluded.url, status = excluded.status,
		   last_scraped_at = excluded.last_scraped_at, active = excluded.active,
		   deleted = excluded.deleted, updated_at = excluded.updated_at`,
		p.ID, p.OwnerID, p.URL, status, nullMillis(p.LastScrapedAt), boolInt(!p.Inactive), boolInt(p.Deleted), s.now().UnixMilli(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (*domain.TrackedProfile, error) {
	var (
		p         domain.TrackedProfile
		status    string
		last      sql.NullInt64
		errMsg    sql.NullString
		active    int
		deleted   int
		updatedAt int64
	)
	if err := r.Scan(&p.ID, &p.GuildID, &p.URL, &status, &last, &p.ScrapingAttempts, &errMsg, &active, &deleted, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.ScrapingStatus(status)
	p.LastScrapedAt = timePtr(last)
	p.ScrapingError = strPtr(errMsg)
	p.Active = active == 1
	p.Deleted = deleted == 1
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// MarkFailed records a terminal failure with attempts reset to 1. It is a
// single unconditional UPDATE; concurrent callers resolve as last-write-wins.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET status = 'failed', error = ?, attempts = 1, updated_at = ? WHERE id = ?`,
		msg, s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProfileNotFound
	}
	return nil
}
