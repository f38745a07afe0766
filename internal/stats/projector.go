// Package stats assembles the read-only system overview served on
// GET /api/status. It projects over the hub registry, the trust
// population, the intel population, and the detection log; it owns no
// state of its own.
package stats

import (
	"context"
	"log"
	"time"

	"github.com/fedsig/threatnet/internal/hub"
	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

// Projector builds SystemStats snapshots.
type Projector struct {
	hub   *hub.Hub
	trust *trust.Manager
	intel *intel.Aggregator
	store store.Store

	now func() time.Time
}

// NewProjector wires a Projector to its four sources.
func NewProjector(h *hub.Hub, tm *trust.Manager, agg *intel.Aggregator, st store.Store) *Projector {
	return &Projector{hub: h, trust: tm, intel: agg, store: st, now: time.Now}
}

// SetClock overrides the projector's time source. Tests only.
func (p *Projector) SetClock(now func() time.Time) {
	p.now = now
}

// Build assembles one snapshot. Detection-log failures degrade to zero
// counts rather than failing the whole status page.
func (p *Projector) Build(ctx context.Context) (models.SystemStats, error) {
	clients := p.hub.Clients()
	online := 0
	for _, c := range clients {
		if c.Status != models.ClientOffline {
			online++
		}
	}

	intelStats, err := p.intel.Stats(ctx)
	if err != nil {
		return models.SystemStats{}, err
	}
	trustStats := p.trust.Stats(ctx)

	total, err := p.store.CountDetections(ctx, time.Time{})
	if err != nil {
		log.Printf("[Stats] Detection count failed: %v", err)
	}

	// "Today" is the server's calendar date, not a rolling 24h window.
	now := p.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := p.store.CountDetections(ctx, midnight)
	if err != nil {
		log.Printf("[Stats] Today's detection count failed: %v", err)
	}

	return models.SystemStats{
		TotalClients:     len(clients),
		OnlineClients:    online,
		OfflineClients:   len(clients) - online,
		TotalIOCs:        intelStats.TotalIOCs,
		VerifiedIOCs:     intelStats.VerifiedIOCs,
		PendingIOCs:      intelStats.PendingIOCs,
		CriticalIOCs:     intelStats.ThreatDistribution[string(models.ThreatCritical)],
		TotalDetections:  total,
		DetectionsToday:  today,
		AverageTrust:     trustStats.AverageTrust,
		HighTrustClients: trustStats.HighTrustCount,
		LowTrustClients:  trustStats.LowTrustCount,
	}, nil
}
