package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Path ":memory:" opens a private in-memory database (tests).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ProfileSeed is used by the seed loader and tests to create profiles.
type ProfileSeed struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	URL           string     `json:"url"`
	Status        string     `json:"status,omitempty"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	Inactive      bool       `json:"inactive,omitempty"`
	Deleted       bool       `json:"deleted,omitempty"`
}

// GuildSeed creates a guild with its members.
type GuildSeed struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	ProcessingEnabled *bool    `json:"processing_enabled,omitempty"`
	Members           []string `json:"members"`
}
