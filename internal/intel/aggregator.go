package intel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/pkg/models"
)

// vote is one client's corroboration of a pending IOC, carrying the
// reporter's trust at the moment the vote was cast.
type vote struct {
	ClientID string
	Trust    float64
}

// pendingEntry accumulates votes for an IOC that has not reached consensus.
// The IOC snapshot is frozen from the first report: later voters never
// overwrite threat_level or metadata.
type pendingEntry struct {
	IOC       models.IOC
	Votes     []vote
	FirstSeen time.Time
}

// Aggregator collects IOC reports, deduplicates them by content address, and
// promotes an IOC to verified once enough sufficiently-trusted clients have
// independently corroborated it.
//
// A single mutex guards both the pending table and the verified cache, so
// all reports for a given ioc_id are totally ordered and promotion is one
// well-defined event.
type Aggregator struct {
	store     store.Store
	threshold int
	trustAvg  float64

	mu       sync.Mutex
	verified map[string]models.ThreatIntel
	pending  map[string]*pendingEntry

	now func() time.Time
}

// NewAggregator builds an Aggregator and warms the verified cache from the
// store. Pending votes are intentionally not reloaded: a vote binds a trust
// value observed live, and resurrecting stale trusts after a restart would
// let outdated reputations decide consensus.
func NewAggregator(st store.Store, consensusThreshold int, consensusTrustAvg float64) (*Aggregator, error) {
	a := &Aggregator{
		store:     st,
		threshold: consensusThreshold,
		trustAvg:  consensusTrustAvg,
		verified:  make(map[string]models.ThreatIntel),
		pending:   make(map[string]*pendingEntry),
		now:       time.Now,
	}

	intels, err := st.ListIntel(context.Background(), models.StatusVerified)
	if err != nil {
		return nil, fmt.Errorf("intel: loading verified cache: %w", err)
	}
	for _, intel := range intels {
		a.verified[intel.IOC.IOCID] = intel
	}

	log.Printf("[Intel] Aggregator initialized (consensus: %d clients, trust: %.2f, %d cached IOCs)",
		consensusThreshold, consensusTrustAvg, len(a.verified))
	return a, nil
}

// SetClock overrides the aggregator's time source. Tests only.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Report processes one IOC report. It returns the ThreatIntel for the IOC
// when one exists, and promoted=true only when this call crossed the
// consensus boundary — the caller broadcasts and rewards exactly then.
//
// Replays against an already-verified IOC bump detection_count and the
// detection log but never touch the frozen verified_by set. A duplicate
// vote from the same client on a pending IOC is an idempotent no-op.
func (a *Aggregator) Report(ctx context.Context, ioc models.IOC, clientID string, trustScore float64) (*models.ThreatIntel, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	iocID := ioc.IOCID
	now := a.now()

	// Already verified: replay path.
	if cached, ok := a.verified[iocID]; ok {
		cached.DetectionCount++
		cached.LastSeen = now

		if err := a.store.IncrementDetection(ctx, iocID, now); err != nil {
			log.Printf("[Intel] Failed to bump detection count for %s: %v", shortID(iocID), err)
		}
		a.appendDetection(ctx, iocID, clientID, "reported")

		a.verified[iocID] = cached
		out := cloneIntel(cached)
		return &out, false, nil
	}

	entry, ok := a.pending[iocID]
	if !ok {
		entry = &pendingEntry{IOC: ioc, FirstSeen: now}
	}

	// One vote per client per ioc_id.
	for _, v := range entry.Votes {
		if v.ClientID == clientID {
			log.Printf("[Intel] Duplicate vote from %s on %s ignored", shortID(clientID), shortID(iocID))
			return nil, false, nil
		}
	}

	votes := append(append([]vote(nil), entry.Votes...), vote{ClientID: clientID, Trust: trustScore})
	numVotes := len(votes)
	avgTrust := meanTrust(votes)

	log.Printf("[Intel] IOC %s reported by %s (votes: %d/%d, avg_trust: %.2f)",
		shortID(iocID), shortID(clientID), numVotes, a.threshold, avgTrust)

	if numVotes >= a.threshold && avgTrust >= a.trustAvg {
		intel, err := a.promoteLocked(ctx, entry, votes, now)
		if err != nil {
			// Promotion failed to persist: the IOC stays pending with its
			// previous vote set, and nothing becomes visible to readers.
			return nil, false, err
		}
		out := cloneIntel(*intel)
		return &out, true, nil
	}

	// Persist the pending record before committing the vote in memory.
	pendingIntel := buildIntel(entry.IOC, votes, models.StatusPending, entry.FirstSeen, now)
	if err := a.store.UpsertIntel(ctx, pendingIntel); err != nil {
		return nil, false, fmt.Errorf("intel: persisting pending %s: %w", shortID(iocID), err)
	}
	entry.Votes = votes
	a.pending[iocID] = entry
	return nil, false, nil
}

// promoteLocked turns a pending entry into a verified record. The persist
// happens first; only on success does the verified cache change, so a store
// failure can never leak a half-verified record to readers or the
// broadcast path.
func (a *Aggregator) promoteLocked(ctx context.Context, entry *pendingEntry, votes []vote, now time.Time) (*models.ThreatIntel, error) {
	intel := buildIntel(entry.IOC, votes, models.StatusVerified, entry.FirstSeen, now)

	if err := a.store.UpsertIntel(ctx, intel); err != nil {
		return nil, fmt.Errorf("intel: persisting verified %s: %w", shortID(intel.IOC.IOCID), err)
	}

	a.verified[intel.IOC.IOCID] = intel
	delete(a.pending, intel.IOC.IOCID)

	log.Printf("[Intel] IOC %s VERIFIED (voters: %d, trust_weight: %.2f)",
		shortID(intel.IOC.IOCID), len(intel.VerifiedBy), intel.TrustWeight)
	return &intel, nil
}

func buildIntel(ioc models.IOC, votes []vote, status models.IntelStatus, firstSeen, lastSeen time.Time) models.ThreatIntel {
	verifiedBy := make([]string, len(votes))
	for i, v := range votes {
		verifiedBy[i] = v.ClientID
	}
	return models.ThreatIntel{
		IOC:            ioc,
		VerifiedBy:     verifiedBy,
		TrustWeight:    meanTrust(votes),
		Status:         status,
		FirstSeen:      firstSeen,
		LastSeen:       lastSeen,
		DetectionCount: len(votes),
	}
}

func meanTrust(votes []vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Trust
	}
	return sum / float64(len(votes))
}

// GetByID fetches one intel record, hitting the verified cache first.
func (a *Aggregator) GetByID(ctx context.Context, iocID string) (*models.ThreatIntel, error) {
	a.mu.Lock()
	if cached, ok := a.verified[iocID]; ok {
		out := cloneIntel(cached)
		a.mu.Unlock()
		return &out, nil
	}
	a.mu.Unlock()

	return a.store.GetIntel(ctx, iocID)
}

// List returns all intel records, optionally filtered by status. The
// verified filter is served straight from the cache.
func (a *Aggregator) List(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	if status == models.StatusVerified {
		a.mu.Lock()
		defer a.mu.Unlock()
		intels := make([]models.ThreatIntel, 0, len(a.verified))
		for _, intel := range a.verified {
			intels = append(intels, cloneIntel(intel))
		}
		return intels, nil
	}
	return a.store.ListIntel(ctx, status)
}

// Statistics summarizes the intel population. Distributions cover verified
// records only.
type Statistics struct {
	TotalIOCs          int            `json:"total_iocs"`
	VerifiedIOCs       int            `json:"verified_iocs"`
	PendingIOCs        int            `json:"pending_iocs"`
	RejectedIOCs       int            `json:"rejected_iocs"`
	ExpiredIOCs        int            `json:"expired_iocs"`
	ThreatDistribution map[string]int `json:"threat_distribution"`
	TypeDistribution   map[string]int `json:"type_distribution"`
	ConsensusThreshold int            `json:"consensus_threshold"`
	ConsensusTrustAvg  float64        `json:"consensus_trust_avg"`
}

// Stats computes intelligence statistics over the stored population.
func (a *Aggregator) Stats(ctx context.Context) (Statistics, error) {
	intels, err := a.store.ListIntel(ctx, "")
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{
		TotalIOCs:          len(intels),
		ThreatDistribution: make(map[string]int),
		TypeDistribution:   make(map[string]int),
		ConsensusThreshold: a.threshold,
		ConsensusTrustAvg:  a.trustAvg,
	}
	for _, intel := range intels {
		switch intel.Status {
		case models.StatusVerified:
			stats.VerifiedIOCs++
			stats.ThreatDistribution[string(intel.IOC.ThreatLevel)]++
			stats.TypeDistribution[string(intel.IOC.IOCType)]++
		case models.StatusPending:
			stats.PendingIOCs++
		case models.StatusRejected:
			stats.RejectedIOCs++
		case models.StatusExpired:
			stats.ExpiredIOCs++
		}
	}
	return stats, nil
}

// SweepExpired marks verified records whose last_seen is older than
// expiryDays as expired and reloads the verified cache. Returns the number
// of records expired.
func (a *Aggregator) SweepExpired(ctx context.Context, expiryDays int) (int, error) {
	cutoff := a.clockNow().AddDate(0, 0, -expiryDays)

	expired, err := a.store.MarkExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("intel: expiry sweep: %w", err)
	}
	if expired == 0 {
		return 0, nil
	}

	intels, err := a.store.ListIntel(ctx, models.StatusVerified)
	if err != nil {
		// The store rows are already expired; a reload failure leaves stale
		// cache entries until the next sweep. Log and continue.
		log.Printf("[Intel] Cache reload after sweep failed: %v", err)
		return expired, nil
	}

	a.mu.Lock()
	a.verified = make(map[string]models.ThreatIntel, len(intels))
	for _, intel := range intels {
		a.verified[intel.IOC.IOCID] = intel
	}
	a.mu.Unlock()

	log.Printf("[Intel] Marked %d IOCs as expired", expired)
	return expired, nil
}

// VerifiedCount reports the size of the verified cache.
func (a *Aggregator) VerifiedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.verified)
}

func (a *Aggregator) clockNow() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now()
}

func (a *Aggregator) appendDetection(ctx context.Context, iocID, clientID, action string) {
	rec := models.DetectionRecord{
		IOCID:     iocID,
		ClientID:  clientID,
		Timestamp: a.now(),
		Action:    action,
	}
	if err := a.store.AppendDetection(ctx, rec); err != nil {
		log.Printf("[Intel] Failed to append detection log for %s: %v", shortID(iocID), err)
	}
}

func cloneIntel(intel models.ThreatIntel) models.ThreatIntel {
	out := intel
	out.VerifiedBy = append([]string(nil), intel.VerifiedBy...)
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
