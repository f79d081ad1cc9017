package consumer

import (
	"context"
	"time"

	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
)

// Defaults for the reclaim supervisor.
const (
	DefaultReclaimInterval = 30 * time.Second
	DefaultReclaimMinIdle  = 60 * time.Second
)

// Supervisor recovers entries abandoned by crashed group members. Reclaimed
// entries are transferred to the supervised consumer's pending list, where
// its next pass processes them like any other claimed entry. Processing stays
// on the consumer's single loop.
type Supervisor struct {
	consumer *Consumer
	interval time.Duration
	minIdle  time.Duration
	log      zerolog.Logger
}

// NewSupervisor creates a supervisor for c. Zero durations use the defaults.
func NewSupervisor(c *Consumer, interval, minIdle time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	if minIdle <= 0 {
		minIdle = DefaultReclaimMinIdle
	}
	return &Supervisor{
		consumer: c,
		interval: interval,
		minIdle:  minIdle,
		log:      c.log.With().Str("component", "supervisor").Logger(),
	}
}

// Sweep claims up to 100 entries of the group idle for at least minIdle on
// behalf of the supervised consumer and returns how many were reclaimed.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	c := s.consumer
	reclaimed := 0

	err := tenant.Run(ctx, c.tenant, func(ctx context.Context) error {
		entries, err := c.bus.ReclaimAbandoned(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, s.minIdle, 0)
		if err != nil {
			return err
		}
		reclaimed = len(entries)
		for _, entry := range entries {
			s.log.Warn().Str("entry_id", entry.ID).Msg("Reclaimed abandoned entry")
		}
		return nil
	})

	return reclaimed, err
}

// Run sweeps every interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error().Err(err).Msg("Reclaim sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("reclaimed", n).Msg("Reclaim sweep complete")
			}
		}
	}
}
