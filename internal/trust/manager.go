package trust

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/pkg/models"
)

// Trust calculation weights. The base score is a weighted blend of four
// behavioral components, then nudged by an immediate per-report delta.
const (
	weightAccuracy       = 0.4
	weightContribution   = 0.3
	weightResponsiveness = 0.2
	weightConsistency    = 0.1

	verifiedBoost   = 0.05
	rejectedPenalty = -0.10

	// Decay moves smaller than this are not worth a persist or history row.
	decayEpsilon = 0.01
)

// Options configure a Manager.
type Options struct {
	InitialTrust  float64
	MaxTrust      float64
	MinTrust      float64
	DecayRate     float64
	DecayInterval time.Duration
}

// DefaultOptions mirror the federation defaults.
func DefaultOptions() Options {
	return Options{
		InitialTrust:  0.5,
		MaxTrust:      1.0,
		MinTrust:      0.1,
		DecayRate:     0.95,
		DecayInterval: 24 * time.Hour,
	}
}

// Manager maintains one TrustScore per client with write-through
// persistence and an append-only change history.
//
// All mutations are serialised by a single mutex, so every trust update for
// a given client is totally ordered. A failed persist rolls the in-memory
// record back: readers never observe a half-applied change.
type Manager struct {
	opts  Options
	store store.Store

	mu    sync.Mutex
	cache map[string]models.TrustScore

	now func() time.Time
}

// NewManager builds a Manager and warms its cache from the store.
func NewManager(st store.Store, opts Options) (*Manager, error) {
	m := &Manager{
		opts:  opts,
		store: st,
		cache: make(map[string]models.TrustScore),
		now:   time.Now,
	}

	scores, err := st.ListTrust(context.Background())
	if err != nil {
		return nil, fmt.Errorf("trust: loading cache: %w", err)
	}
	for _, score := range scores {
		m.cache[score.ClientID] = score
	}

	log.Printf("[Trust] Manager initialized (%d cached scores, initial: %.2f, decay: %.2f)",
		len(m.cache), opts.InitialTrust, opts.DecayRate)
	return m, nil
}

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Initialize creates a trust record for a new client. Idempotent: an
// already-known client gets its current score back unchanged.
func (m *Manager) Initialize(ctx context.Context, clientID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, clientID)
}

func (m *Manager) initializeLocked(ctx context.Context, clientID string) (float64, error) {
	if score, ok := m.cache[clientID]; ok {
		return score.TrustScore, nil
	}

	now := m.now()
	score := models.TrustScore{
		ClientID:    clientID,
		TrustScore:  m.opts.InitialTrust,
		LastUpdated: now,
		CreatedAt:   now,
	}

	if err := m.store.UpsertTrust(ctx, score); err != nil {
		return 0, fmt.Errorf("trust: initializing %s: %w", clientID, err)
	}
	m.appendHistory(ctx, clientID, score.TrustScore, models.TrustInitialized, "New client registration")

	m.cache[clientID] = score
	log.Printf("[Trust] Initialized client %s with trust %.2f", shortID(clientID), m.opts.InitialTrust)
	return score.TrustScore, nil
}

// Get returns the client's current trust score, lazily applying time-based
// decay first. Unknown clients are initialized.
func (m *Manager) Get(ctx context.Context, clientID string) (float64, error) {
	score, err := m.GetScore(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return score.TrustScore, nil
}

// GetScore returns the full decayed TrustScore record for a client.
func (m *Manager) GetScore(ctx context.Context, clientID string) (*models.TrustScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[clientID]; !ok {
		if _, err := m.initializeLocked(ctx, clientID); err != nil {
			return nil, err
		}
	}
	m.applyDecayLocked(ctx, clientID)

	score := m.cache[clientID]
	return &score, nil
}

// Update adjusts a client's trust after a report outcome. responseTime is
// the observed response latency in seconds; pass a negative value when no
// sample is available.
func (m *Manager) Update(ctx context.Context, clientID string, verified bool, responseTime float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[clientID]; !ok {
		if _, err := m.initializeLocked(ctx, clientID); err != nil {
			return 0, err
		}
	}

	score := m.cache[clientID]
	oldTrust := score.TrustScore

	score.TotalReports++
	if verified {
		score.VerifiedReports++
	} else {
		score.RejectedReports++
		score.FalsePositiveCount++
	}
	score.CalculateAccuracy()

	// Exponential moving average over observed response times.
	if responseTime >= 0 {
		if score.ResponseTimeAvg == 0 {
			score.ResponseTimeAvg = responseTime
		} else {
			score.ResponseTimeAvg = 0.7*score.ResponseTimeAvg + 0.3*responseTime
		}
	}

	score.TrustScore = m.clamp(m.baseTrust(score) + delta(verified))
	score.LastUpdated = m.now()

	// Persist before swapping into the cache. A store failure leaves the
	// previous record visible to readers.
	if err := m.store.UpsertTrust(ctx, score); err != nil {
		return oldTrust, fmt.Errorf("trust: updating %s: %w", clientID, err)
	}

	eventType := models.TrustIncreased
	if score.TrustScore <= oldTrust {
		eventType = models.TrustDecreased
	}
	reason := "Report verified"
	if !verified {
		reason = "Report rejected"
	}
	m.appendHistory(ctx, clientID, score.TrustScore, eventType, reason)

	m.cache[clientID] = score
	log.Printf("[Trust] %s trust: %.3f -> %.3f (accuracy: %.0f%%)",
		shortID(clientID), oldTrust, score.TrustScore, score.AccuracyRate*100)
	return score.TrustScore, nil
}

// baseTrust blends the four behavioral components.
func (m *Manager) baseTrust(score models.TrustScore) float64 {
	accuracy := score.AccuracyRate * weightAccuracy

	contribution := math.Min(1.0, math.Log1p(float64(score.ContributionCount))/5) * weightContribution

	responsiveness := 0.5
	if score.ResponseTimeAvg > 0 {
		responsiveness = math.Max(0, 1.0-score.ResponseTimeAvg/60) // 60s baseline
	}
	responsiveness *= weightResponsiveness

	consistency := 0.5
	if score.TotalReports > 0 {
		consistency = 1.0 - float64(score.FalsePositiveCount)/float64(score.TotalReports)
	}
	consistency *= weightConsistency

	return accuracy + contribution + responsiveness + consistency
}

func delta(verified bool) float64 {
	if verified {
		return verifiedBoost
	}
	return rejectedPenalty
}

// applyDecayLocked pulls a stale score geometrically toward InitialTrust.
// Decay is evaluated on read, which makes it a pure function of
// (trust, last_updated, now) instead of a background job.
func (m *Manager) applyDecayLocked(ctx context.Context, clientID string) {
	score, ok := m.cache[clientID]
	if !ok {
		return
	}

	now := m.now()
	elapsed := now.Sub(score.LastUpdated)
	if elapsed < m.opts.DecayInterval {
		return
	}

	periods := int(elapsed / m.opts.DecayInterval)
	factor := math.Pow(m.opts.DecayRate, float64(periods))

	oldTrust := score.TrustScore
	score.TrustScore = m.clamp(score.TrustScore*factor + m.opts.InitialTrust*(1-factor))
	score.LastUpdated = now

	if math.Abs(oldTrust-score.TrustScore) > decayEpsilon {
		if err := m.store.UpsertTrust(ctx, score); err != nil {
			log.Printf("[Trust] Failed to persist decay for %s: %v", shortID(clientID), err)
			return
		}
		m.appendHistory(ctx, clientID, score.TrustScore,
			models.TrustDecayed, fmt.Sprintf("Time-based decay after %d period(s)", periods))
		log.Printf("[Trust] %s trust decayed: %.3f -> %.3f", shortID(clientID), oldTrust, score.TrustScore)
	}
	m.cache[clientID] = score
}

// Reset restores a client's trust to the initial value. Counters are kept.
func (m *Manager) Reset(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.cache[clientID]
	if !ok {
		return store.ErrNotFound
	}

	score.TrustScore = m.opts.InitialTrust
	score.LastUpdated = m.now()

	if err := m.store.UpsertTrust(ctx, score); err != nil {
		return fmt.Errorf("trust: resetting %s: %w", clientID, err)
	}
	m.appendHistory(ctx, clientID, score.TrustScore, models.TrustReset, "Manual reset")

	m.cache[clientID] = score
	log.Printf("[Trust] Reset trust for %s to %.2f", shortID(clientID), m.opts.InitialTrust)
	return nil
}

// All returns decayed snapshots of every trust record.
func (m *Manager) All(ctx context.Context) []models.TrustScore {
	m.mu.Lock()
	defer m.mu.Unlock()

	scores := make([]models.TrustScore, 0, len(m.cache))
	for clientID := range m.cache {
		m.applyDecayLocked(ctx, clientID)
	}
	for _, score := range m.cache {
		scores = append(scores, score)
	}
	return scores
}

// History returns the most recent trust-history rows for a client.
func (m *Manager) History(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	return m.store.TrustHistory(ctx, clientID, limit)
}

// WeightedConsensus computes Σ confidence·trust / Σ trust over the given
// client→confidence map, in [0,1]. Empty input or zero total trust yields 0.
func (m *Manager) WeightedConsensus(ctx context.Context, confidences map[string]float64) float64 {
	if len(confidences) == 0 {
		return 0
	}

	var weightedSum, trustSum float64
	for clientID, confidence := range confidences {
		trust, err := m.Get(ctx, clientID)
		if err != nil {
			continue
		}
		weightedSum += confidence * trust
		trustSum += trust
	}
	if trustSum == 0 {
		return 0
	}
	return weightedSum / trustSum
}

// Statistics summarizes the trust population with banded counts:
// high ≥ 0.7, 0.4 ≤ medium < 0.7, low < 0.4.
type Statistics struct {
	TotalClients     int     `json:"total_clients"`
	AverageTrust     float64 `json:"average_trust"`
	MaxTrust         float64 `json:"max_trust"`
	MinTrust         float64 `json:"min_trust"`
	HighTrustCount   int     `json:"high_trust_count"`
	MediumTrustCount int     `json:"medium_trust_count"`
	LowTrustCount    int     `json:"low_trust_count"`
	TotalReports     int     `json:"total_reports"`
	TotalVerified    int     `json:"total_verified"`
	TotalRejected    int     `json:"total_rejected"`
}

// Stats computes population statistics over all decayed scores.
func (m *Manager) Stats(ctx context.Context) Statistics {
	scores := m.All(ctx)
	if len(scores) == 0 {
		return Statistics{AverageTrust: m.opts.InitialTrust}
	}

	stats := Statistics{
		TotalClients: len(scores),
		MaxTrust:     scores[0].TrustScore,
		MinTrust:     scores[0].TrustScore,
	}
	var sum float64
	for _, score := range scores {
		t := score.TrustScore
		sum += t
		if t > stats.MaxTrust {
			stats.MaxTrust = t
		}
		if t < stats.MinTrust {
			stats.MinTrust = t
		}
		switch {
		case t >= 0.7:
			stats.HighTrustCount++
		case t >= 0.4:
			stats.MediumTrustCount++
		default:
			stats.LowTrustCount++
		}
		stats.TotalReports += score.TotalReports
		stats.TotalVerified += score.VerifiedReports
		stats.TotalRejected += score.RejectedReports
	}
	stats.AverageTrust = sum / float64(len(scores))
	return stats
}

func (m *Manager) clamp(trust float64) float64 {
	return math.Max(m.opts.MinTrust, math.Min(m.opts.MaxTrust, trust))
}

// appendHistory writes one history row. History is advisory next to the
// score row itself, so a failed append is logged and the update proceeds.
func (m *Manager) appendHistory(ctx context.Context, clientID string, trust float64, eventType models.TrustEventType, reason string) {
	ev := models.TrustEvent{
		ClientID:   clientID,
		TrustScore: trust,
		EventType:  eventType,
		Reason:     reason,
		Timestamp:  m.now(),
	}
	if err := m.store.AppendTrustEvent(ctx, ev); err != nil {
		log.Printf("[Trust] Failed to append history for %s: %v", shortID(clientID), err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
