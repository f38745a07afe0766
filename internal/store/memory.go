package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

// MemoryStore implements Store entirely in memory. It backs the coordinator
// when DATABASE_URL is not configured (the process still runs, it just loses
// state on restart) and doubles as the test substrate.
type MemoryStore struct {
	mu         sync.RWMutex
	intel      map[string]models.ThreatIntel
	trust      map[string]models.TrustScore
	detections []models.DetectionRecord
	history    []models.TrustEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intel: make(map[string]models.ThreatIntel),
		trust: make(map[string]models.TrustScore),
	}
}

func (s *MemoryStore) Close() {}

func cloneIntel(intel models.ThreatIntel) models.ThreatIntel {
	out := intel
	out.VerifiedBy = append([]string(nil), intel.VerifiedBy...)
	if intel.IOC.Metadata != nil {
		out.IOC.Metadata = make(map[string]string, len(intel.IOC.Metadata))
		for k, v := range intel.IOC.Metadata {
			out.IOC.Metadata[k] = v
		}
	}
	return out
}

func (s *MemoryStore) UpsertIntel(_ context.Context, intel models.ThreatIntel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intel[intel.IOC.IOCID] = cloneIntel(intel)
	return nil
}

func (s *MemoryStore) GetIntel(_ context.Context, iocID string) (*models.ThreatIntel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intel, ok := s.intel[iocID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneIntel(intel)
	return &out, nil
}

func (s *MemoryStore) ListIntel(_ context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intels := make([]models.ThreatIntel, 0, len(s.intel))
	for _, intel := range s.intel {
		if status != "" && intel.Status != status {
			continue
		}
		intels = append(intels, cloneIntel(intel))
	}
	sort.Slice(intels, func(i, j int) bool {
		return intels[i].FirstSeen.Before(intels[j].FirstSeen)
	})
	return intels, nil
}

func (s *MemoryStore) IncrementDetection(_ context.Context, iocID string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intel, ok := s.intel[iocID]
	if !ok {
		return ErrNotFound
	}
	intel.DetectionCount++
	intel.LastSeen = lastSeen
	s.intel[iocID] = intel
	return nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, intel := range s.intel {
		if intel.Status == models.StatusVerified && intel.LastSeen.Before(cutoff) {
			intel.Status = models.StatusExpired
			s.intel[id] = intel
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryStore) AppendDetection(_ context.Context, rec models.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, rec)
	return nil
}

func (s *MemoryStore) ListDetections(_ context.Context, limit int) ([]models.DetectionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.detections)
	if limit > n {
		limit = n
	}
	recs := make([]models.DetectionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		recs = append(recs, s.detections[i])
	}
	return recs, nil
}

func (s *MemoryStore) CountDetections(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if since.IsZero() {
		return len(s.detections), nil
	}
	count := 0
	for _, rec := range s.detections {
		if !rec.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpsertTrust(_ context.Context, score models.TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.trust[score.ClientID]; ok {
		score.CreatedAt = prev.CreatedAt
	}
	s.trust[score.ClientID] = score
	return nil
}

func (s *MemoryStore) GetTrust(_ context.Context, clientID string) (*models.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.trust[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &score, nil
}

func (s *MemoryStore) ListTrust(_ context.Context) ([]models.TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make([]models.TrustScore, 0, len(s.trust))
	for _, score := range s.trust {
		scores = append(scores, score)
	}
	sort.Slice(scores, func(i, j int) bool {
		return scores[i].ClientID < scores[j].ClientID
	})
	return scores, nil
}

func (s *MemoryStore) AppendTrustEvent(_ context.Context, ev models.TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, ev)
	return nil
}

func (s *MemoryStore) TrustHistory(_ context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]models.TrustEvent, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(events) < limit; i-- {
		if s.history[i].ClientID == clientID {
			events = append(events, s.history[i])
		}
	}
	return events, nil
}
