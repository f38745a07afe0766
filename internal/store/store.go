package store

import (
	"context"
	"errors"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

// ErrNotFound is returned for lookups on rows that do not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable substrate behind the Trust Manager and the
// Intelligence Aggregator: two keyed tables (intel by ioc_id, trust by
// client_id) plus two append-only logs (trust history, detection log).
//
// Every mutation is a single-row atomic upsert or append. Transactions
// across tables are not required; the coordinator tolerates brief
// inconsistency between a promoted IOC and its detection-log entry.
type Store interface {
	// Intel table, keyed by ioc_id.
	UpsertIntel(ctx context.Context, intel models.ThreatIntel) error
	GetIntel(ctx context.Context, iocID string) (*models.ThreatIntel, error)
	// ListIntel returns all rows, or only those with the given status
	// when status is non-empty.
	ListIntel(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error)
	IncrementDetection(ctx context.Context, iocID string, lastSeen time.Time) error
	// MarkExpired flips verified rows with last_seen before cutoff to
	// expired and reports how many changed.
	MarkExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Detection log, append-only.
	AppendDetection(ctx context.Context, rec models.DetectionRecord) error
	ListDetections(ctx context.Context, limit int) ([]models.DetectionRecord, error)
	// CountDetections counts log rows at or after since; use the zero
	// time for an all-time count.
	CountDetections(ctx context.Context, since time.Time) (int, error)

	// Trust table, keyed by client_id.
	UpsertTrust(ctx context.Context, score models.TrustScore) error
	GetTrust(ctx context.Context, clientID string) (*models.TrustScore, error)
	ListTrust(ctx context.Context) ([]models.TrustScore, error)

	// Trust history, append-only.
	AppendTrustEvent(ctx context.Context, ev models.TrustEvent) error
	TrustHistory(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error)

	Close()
}
