package store

import (
	"context"
	"testing"
	"time"

	"github.com/fedsig/threatnet/pkg/models"
)

func testIntel(value string, status models.IntelStatus, lastSeen time.Time) models.ThreatIntel {
	return models.ThreatIntel{
		IOC: models.IOC{
			IOCID:       models.GenerateIOCID(models.IOCTypeDomain, value),
			IOCType:     models.IOCTypeDomain,
			Value:       value,
			ThreatLevel: models.ThreatMedium,
		},
		VerifiedBy:     []string{"client-a"},
		Status:         status,
		FirstSeen:      lastSeen,
		LastSeen:       lastSeen,
		DetectionCount: 1,
	}
}

func TestIntelRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	intel := testIntel("evil.example", models.StatusPending, now)
	intel.IOC.Metadata = map[string]string{"campaign": "alpha"}
	if err := st.UpsertIntel(ctx, intel); err != nil {
		t.Fatalf("UpsertIntel: %v", err)
	}

	got, err := st.GetIntel(ctx, intel.IOC.IOCID)
	if err != nil {
		t.Fatalf("GetIntel: %v", err)
	}
	if got.IOC.Value != "evil.example" || got.IOC.Metadata["campaign"] != "alpha" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Returned records are copies: mutating one must not leak back.
	got.VerifiedBy[0] = "tampered"
	again, _ := st.GetIntel(ctx, intel.IOC.IOCID)
	if again.VerifiedBy[0] != "client-a" {
		t.Error("stored record aliased by a returned copy")
	}

	if _, err := st.GetIntel(ctx, "missing"); err != ErrNotFound {
		t.Errorf("missing lookup err = %v, want ErrNotFound", err)
	}
}

func TestListIntelFiltersByStatus(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	st.UpsertIntel(ctx, testIntel("a.example", models.StatusPending, now))
	st.UpsertIntel(ctx, testIntel("b.example", models.StatusVerified, now.Add(time.Second)))
	st.UpsertIntel(ctx, testIntel("c.example", models.StatusVerified, now.Add(2*time.Second)))

	all, err := st.ListIntel(ctx, "")
	if err != nil {
		t.Fatalf("ListIntel: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all rows = %d, want 3", len(all))
	}

	verified, _ := st.ListIntel(ctx, models.StatusVerified)
	if len(verified) != 2 {
		t.Errorf("verified rows = %d, want 2", len(verified))
	}
	if verified[0].FirstSeen.After(verified[1].FirstSeen) {
		t.Error("rows not ordered by first_seen")
	}
}

func TestIncrementDetection(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	intel := testIntel("d.example", models.StatusVerified, now)
	st.UpsertIntel(ctx, intel)

	later := now.Add(time.Hour)
	if err := st.IncrementDetection(ctx, intel.IOC.IOCID, later); err != nil {
		t.Fatalf("IncrementDetection: %v", err)
	}

	got, _ := st.GetIntel(ctx, intel.IOC.IOCID)
	if got.DetectionCount != 2 {
		t.Errorf("detection_count = %d, want 2", got.DetectionCount)
	}
	if !got.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, later)
	}

	if err := st.IncrementDetection(ctx, "missing", later); err != ErrNotFound {
		t.Errorf("missing increment err = %v, want ErrNotFound", err)
	}
}

func TestMarkExpiredOnlyTouchesStaleVerified(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	st.UpsertIntel(ctx, testIntel("stale.example", models.StatusVerified, now.Add(-40*24*time.Hour)))
	st.UpsertIntel(ctx, testIntel("fresh.example", models.StatusVerified, now))
	st.UpsertIntel(ctx, testIntel("old-pending.example", models.StatusPending, now.Add(-40*24*time.Hour)))

	expired, err := st.MarkExpired(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired %d rows, want 1", expired)
	}

	rows, _ := st.ListIntel(ctx, models.StatusExpired)
	if len(rows) != 1 || rows[0].IOC.Value != "stale.example" {
		t.Errorf("expired rows = %+v", rows)
	}
}

func TestDetectionLogCounts(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := st.AppendDetection(ctx, models.DetectionRecord{
			IOCID:     "ioc-1",
			ClientID:  "client-a",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Action:    "reported",
		})
		if err != nil {
			t.Fatalf("AppendDetection: %v", err)
		}
	}

	total, err := st.CountDetections(ctx, time.Time{})
	if err != nil {
		t.Fatalf("CountDetections: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	since, _ := st.CountDetections(ctx, base.Add(time.Hour))
	if since != 2 {
		t.Errorf("since = %d, want 2 (boundary inclusive)", since)
	}

	recs, _ := st.ListDetections(ctx, 2)
	if len(recs) != 2 {
		t.Fatalf("listed %d rows, want 2", len(recs))
	}
	if !recs[0].Timestamp.After(recs[1].Timestamp) {
		t.Error("detections not newest first")
	}
}

func TestTrustHistoryNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		st.AppendTrustEvent(ctx, models.TrustEvent{
			ClientID:   "client-a",
			TrustScore: 0.5 + float64(i)*0.01,
			EventType:  models.TrustIncreased,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	st.AppendTrustEvent(ctx, models.TrustEvent{ClientID: "client-b", TrustScore: 0.5})

	events, err := st.TrustHistory(ctx, "client-a", 3)
	if err != nil {
		t.Fatalf("TrustHistory: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].TrustScore != 0.54 {
		t.Errorf("newest event trust = %v, want 0.54", events[0].TrustScore)
	}
	for _, ev := range events {
		if ev.ClientID != "client-a" {
			t.Errorf("history leaked another client's row: %+v", ev)
		}
	}
}

func TestUpsertTrustPreservesCreatedAt(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.UpsertTrust(ctx, models.TrustScore{ClientID: "client-a", TrustScore: 0.5, CreatedAt: created})
	st.UpsertTrust(ctx, models.TrustScore{ClientID: "client-a", TrustScore: 0.6, CreatedAt: time.Now()})

	got, err := st.GetTrust(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetTrust: %v", err)
	}
	if got.TrustScore != 0.6 {
		t.Errorf("trust = %v, want 0.6", got.TrustScore)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at rewritten: %v, want %v", got.CreatedAt, created)
	}
}
