package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Sender is the outbound dependency guarded by the breaker.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

type Config struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	Burst      int

	BreakerThreshold int
	BreakerTimeout   time.Duration
	SendTimeout      time.Duration
}

const (
	defaultThreshold   = 5
	defaultOpenTimeout = 60 * time.Second
	defaultSendTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultOpenTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}
