// Package poll waits for an external condition with a fixed interval and a
// bounded number of attempts.
package poll

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 100
)

// Condition reports whether the awaited state was reached. A non nil error
// stops polling.
type Condition func(ctx context.Context) (bool, error)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clock.Clock
	// Counter, when set, is incremented once per attempt.
	Counter prometheus.Counter
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	return c
}

// Until evaluates cond right away and then once per interval until it holds.
// Running out of attempts yields an *errdefs.PollTimeoutError naming what.
func Until(ctx context.Context, what string, cfg Config, cond Condition) error {
	cfg = cfg.withDefaults()

	for attempt := 1; ; attempt++ {
		if cfg.Counter != nil {
			cfg.Counter.Inc()
		}

		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if attempt >= cfg.MaxAttempts {
			return &errdefs.PollTimeoutError{What: what, Attempts: attempt}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.Clock.After(cfg.Interval):
		}
	}
}
