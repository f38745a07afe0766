package intel

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically expires stale verified intelligence.
type Sweeper struct {
	aggregator *Aggregator
	interval   time.Duration
	expiryDays int
}

// NewSweeper builds a Sweeper over the given aggregator.
func NewSweeper(a *Aggregator, interval time.Duration, expiryDays int) *Sweeper {
	return &Sweeper{aggregator: a, interval: interval, expiryDays: expiryDays}
}

// Run blocks until ctx is cancelled, sweeping once per interval. One sweep
// runs immediately at startup so a long-stopped coordinator catches up
// without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[Sweeper] Starting expiry sweeper (every %s, expiry: %d days)", s.interval, s.expiryDays)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] Stopping expiry sweeper")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.aggregator.SweepExpired(ctx, s.expiryDays)
	if err != nil {
		log.Printf("[Sweeper] Sweep failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[Sweeper] Expired %d stale IOCs", expired)
	}
}
