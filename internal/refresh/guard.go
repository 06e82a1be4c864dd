package refresh

import (
	"context"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

// Guard admits a profile when its owner's guild has processing enabled.
// Lookup failures deny.
type Guard struct {
	settings domain.GuildSettingsProvider
	log      logx.Logger
}

func NewGuard(settings domain.GuildSettingsProvider, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{settings: settings, log: log.With(logx.String("comp", "guard"))}
}

func (g *Guard) CanProcess(ctx context.Context, profileID string) bool {
	return g.check(ctx, profileID, nil)
}

// FilterProcessable keeps the admitted ids in input order. Each guild is
// looked up once per call.
func (g *Guard) FilterProcessable(ctx context.Context, ids []string) []string {
	cache := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if g.check(ctx, id, cache) {
			out = append(out, id)
		}
	}
	return out
}

func (g *Guard) check(ctx context.Context, profileID string, cache map[string]bool) bool {
	guildID, err := g.settings.GuildForProfile(ctx, profileID)
	if err != nil {
		g.log.Warn("guild lookup failed", logx.String("profile", profileID), logx.Err(err))
		return false
	}
	if ok, hit := cache[guildID]; hit {
		return ok
	}
	enabled, err := g.settings.IsProcessingEnabled(ctx, guildID)
	if err != nil {
		g.log.Warn("guild settings lookup failed", logx.String("guild", guildID), logx.Err(err))
		enabled = false
	}
	if cache != nil {
		cache[guildID] = enabled
	}
	return enabled
}
