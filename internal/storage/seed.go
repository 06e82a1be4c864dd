package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Seed is the on-disk format accepted by the -seed flag.
type Seed struct {
	Guilds   []GuildSeed   `json:"guilds"`
	Profiles []ProfileSeed `json:"profiles"`
}

// LoadSeed reads a JSON seed file. Unknown fields are rejected.
func LoadSeed(path string) (Seed, error) {
	var sd Seed
	b, err := os.ReadFile(path)
	if err != nil {
		return sd, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sd); err != nil {
		return sd, fmt.Errorf("decode seed: %w", err)
	}
	return sd, nil
}

// ApplySeed upserts guilds first so membership references resolve.
func (s *Store) ApplySeed(ctx context.Context, sd Seed) error {
	for _, g := range sd.Guilds {
		if err := s.UpsertGuild(ctx, g); err != nil {
			return fmt.Errorf("guild %s: %w", g.ID, err)
		}
	}
	for _, p := range sd.Profiles {
		if err := s.UpsertProfile(ctx, p); err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	s.log.Info("seed applied")
	return nil
}
