package storage

import (
	"context"
	"database/sql"
	"errors"

	"trackerbot/internal/domain"
)

func (s *Store) GuildExists(ctx context.Context, guildID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM guilds WHERE id = ?`, guildID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// IsProcessingEnabled reports the guild toggle. Unknown guilds are treated as
// disabled.
func (s *Store) IsProcessingEnabled(ctx context.Context, guildID string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT processing_enabled FROM guilds WHERE id = ?`, guildID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled == 1, nil
}

// GuildForProfile resolves the guild of the profile owner. Profiles whose
// owner belongs to no guild resolve to "".
func (s *Store) GuildForProfile(ctx context.Context, profileID string) (string, error) {
	var guildID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT m.guild_id FROM profiles p
		 LEFT JOIN guild_members m ON m.user_id = p.owner_id
		 WHERE p.id = ?`, profileID).Scan(&guildID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrProfileNotFound
	}
	if err != nil {
		return "", err
	}
	return guildID.String, nil
}

func (s *Store) SetProcessingEnabled(ctx context.Context, guildID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE guilds SET processing_enabled = ? WHERE id = ?`, boolInt(enabled), guildID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrGuildNotFound
	}
	return nil
}

// UpsertGuild creates or updates a guild and (re)assigns its members.
func (s *Store) UpsertGuild(ctx context.Context, g GuildSeed) error {
	enabled := true
	if g.ProcessingEnabled != nil {
		enabled = *g.ProcessingEnabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guilds(id, name, processing_enabled, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, processing_enabled = excluded.processing_enabled`,
		g.ID, g.Name, boolInt(enabled), s.now().UnixMilli(),
	); err != nil {
		return err
	}
	for _, uid := range g.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO guild_members(user_id, guild_id) VALUES(?,?)
			 ON CONFLICT(user_id) DO UPDATE SET guild_id = excluded.guild_id`,
			uid, g.ID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
