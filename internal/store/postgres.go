package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedsig/threatnet/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside a runtime image that does not carry the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[Store] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Store] ThreatNet schema initialized")
	return nil
}

// UpsertIntel writes the full intel row, replacing any prior state for the
// same ioc_id. This is the single-row atomic write the Aggregator relies on
// for both pending updates and promotion.
func (s *PostgresStore) UpsertIntel(ctx context.Context, intel models.ThreatIntel) error {
	verifiedBy, err := json.Marshal(intel.VerifiedBy)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(intel.IOC.Metadata)
	if err != nil {
		return err
	}

	sql := `
		INSERT INTO iocs
			(ioc_id, ioc_type, value, threat_level, source_client, verified_by,
			 trust_weight, status, first_seen, last_seen, detection_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ioc_id) DO UPDATE SET
			verified_by = EXCLUDED.verified_by,
			trust_weight = EXCLUDED.trust_weight,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			detection_count = EXCLUDED.detection_count;
	`
	_, err = s.pool.Exec(ctx, sql,
		intel.IOC.IOCID, intel.IOC.IOCType, intel.IOC.Value, intel.IOC.ThreatLevel,
		intel.IOC.SourceClient, verifiedBy, intel.TrustWeight, intel.Status,
		intel.FirstSeen, intel.LastSeen, intel.DetectionCount, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert intel: %w", err)
	}
	return nil
}

const intelColumns = `ioc_id, ioc_type, value, threat_level, source_client,
	verified_by, trust_weight, status, first_seen, last_seen, detection_count, metadata`

func scanIntel(row pgx.Row) (*models.ThreatIntel, error) {
	var intel models.ThreatIntel
	var verifiedBy, metadata []byte

	err := row.Scan(&intel.IOC.IOCID, &intel.IOC.IOCType, &intel.IOC.Value,
		&intel.IOC.ThreatLevel, &intel.IOC.SourceClient, &verifiedBy,
		&intel.TrustWeight, &intel.Status, &intel.FirstSeen, &intel.LastSeen,
		&intel.DetectionCount, &metadata)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(verifiedBy, &intel.VerifiedBy); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &intel.IOC.Metadata); err != nil {
			return nil, err
		}
	}
	intel.IOC.Timestamp = intel.FirstSeen
	return &intel, nil
}

// GetIntel fetches one intel row by its content address.
func (s *PostgresStore) GetIntel(ctx context.Context, iocID string) (*models.ThreatIntel, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+intelColumns+" FROM iocs WHERE ioc_id = $1", iocID)
	intel, err := scanIntel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return intel, err
}

// ListIntel scans all intel rows, optionally restricted to one status.
func (s *PostgresStore) ListIntel(ctx context.Context, status models.IntelStatus) ([]models.ThreatIntel, error) {
	sql := "SELECT " + intelColumns + " FROM iocs"
	args := []any{}
	if status != "" {
		sql += " WHERE status = $1"
		args = append(args, status)
	}
	sql += " ORDER BY first_seen"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intels := make([]models.ThreatIntel, 0)
	for rows.Next() {
		intel, err := scanIntel(rows)
		if err != nil {
			return nil, err
		}
		intels = append(intels, *intel)
	}
	return intels, rows.Err()
}

// IncrementDetection bumps detection_count and refreshes last_seen for an
// already-stored IOC.
func (s *PostgresStore) IncrementDetection(ctx context.Context, iocID string, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE iocs
		SET detection_count = detection_count + 1, last_seen = $1
		WHERE ioc_id = $2`, lastSeen, iocID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkExpired flips stale verified rows to expired.
func (s *PostgresStore) MarkExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE iocs SET status = $1
		WHERE last_seen < $2 AND status = $3`,
		models.StatusExpired, cutoff, models.StatusVerified)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AppendDetection inserts one detection-log row. Rows are never updated.
func (s *PostgresStore) AppendDetection(ctx context.Context, rec models.DetectionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO detection_log (ioc_id, client_id, timestamp, action)
		VALUES ($1, $2, $3, $4)`,
		rec.IOCID, rec.ClientID, rec.Timestamp, rec.Action)
	return err
}

// ListDetections returns the most recent detection-log rows, newest first.
func (s *PostgresStore) ListDetections(ctx context.Context, limit int) ([]models.DetectionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ioc_id, client_id, timestamp, action
		FROM detection_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]models.DetectionRecord, 0, limit)
	for rows.Next() {
		var rec models.DetectionRecord
		if err := rows.Scan(&rec.IOCID, &rec.ClientID, &rec.Timestamp, &rec.Action); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountDetections counts detection-log rows, optionally restricted to rows
// at or after since.
func (s *PostgresStore) CountDetections(ctx context.Context, since time.Time) (int, error) {
	var count int
	var err error
	if since.IsZero() {
		err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM detection_log").Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM detection_log WHERE timestamp >= $1", since).Scan(&count)
	}
	return count, err
}

// UpsertTrust writes the full trust row for a client. created_at is
// preserved on conflict so the first-registration time survives updates.
func (s *PostgresStore) UpsertTrust(ctx context.Context, score models.TrustScore) error {
	sql := `
		INSERT INTO trust_scores
			(client_id, trust_score, accuracy_rate, contribution_count,
			 false_positive_count, total_reports, verified_reports,
			 rejected_reports, response_time_avg, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			accuracy_rate = EXCLUDED.accuracy_rate,
			contribution_count = EXCLUDED.contribution_count,
			false_positive_count = EXCLUDED.false_positive_count,
			total_reports = EXCLUDED.total_reports,
			verified_reports = EXCLUDED.verified_reports,
			rejected_reports = EXCLUDED.rejected_reports,
			response_time_avg = EXCLUDED.response_time_avg,
			last_updated = EXCLUDED.last_updated;
	`
	_, err := s.pool.Exec(ctx, sql,
		score.ClientID, score.TrustScore, score.AccuracyRate, score.ContributionCount,
		score.FalsePositiveCount, score.TotalReports, score.VerifiedReports,
		score.RejectedReports, score.ResponseTimeAvg, score.LastUpdated, score.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trust score: %w", err)
	}
	return nil
}

const trustColumns = `client_id, trust_score, accuracy_rate, contribution_count,
	false_positive_count, total_reports, verified_reports, rejected_reports,
	response_time_avg, last_updated, created_at`

func scanTrust(row pgx.Row) (*models.TrustScore, error) {
	var score models.TrustScore
	err := row.Scan(&score.ClientID, &score.TrustScore, &score.AccuracyRate,
		&score.ContributionCount, &score.FalsePositiveCount, &score.TotalReports,
		&score.VerifiedReports, &score.RejectedReports, &score.ResponseTimeAvg,
		&score.LastUpdated, &score.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// GetTrust fetches one trust row.
func (s *PostgresStore) GetTrust(ctx context.Context, clientID string) (*models.TrustScore, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+trustColumns+" FROM trust_scores WHERE client_id = $1", clientID)
	score, err := scanTrust(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return score, err
}

// ListTrust scans every trust row.
func (s *PostgresStore) ListTrust(ctx context.Context) ([]models.TrustScore, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+trustColumns+" FROM trust_scores")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]models.TrustScore, 0)
	for rows.Next() {
		score, err := scanTrust(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, *score)
	}
	return scores, rows.Err()
}

// AppendTrustEvent inserts one trust-history row. Rows are never rewritten.
func (s *PostgresStore) AppendTrustEvent(ctx context.Context, ev models.TrustEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trust_history (client_id, trust_score, event_type, reason, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ClientID, ev.TrustScore, ev.EventType, ev.Reason, ev.Timestamp)
	return err
}

// TrustHistory returns the most recent history rows for one client,
// newest first.
func (s *PostgresStore) TrustHistory(ctx context.Context, clientID string, limit int) ([]models.TrustEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, trust_score, event_type, reason, timestamp
		FROM trust_history WHERE client_id = $1
		ORDER BY id DESC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.TrustEvent, 0, limit)
	for rows.Next() {
		var ev models.TrustEvent
		if err := rows.Scan(&ev.ClientID, &ev.TrustScore, &ev.EventType, &ev.Reason, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
