package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/store"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

func newTestHub(t *testing.T) (*Hub, *trust.Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	tm, err := trust.NewManager(st, trust.DefaultOptions())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	agg, err := intel.NewAggregator(st, 2, 0.6)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return NewHub(tm, agg, 30*time.Second), tm, st
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", event, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON(%s): %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return env
}

func register(t *testing.T, conn *websocket.Conn, clientID string) models.Registered {
	t.Helper()
	sendEvent(t, conn, models.EventClientRegister, models.ClientProfile{
		ClientID: clientID,
		Hostname: clientID + ".example",
		Platform: "linux",
	})
	env := readEvent(t, conn)
	if env.Event != models.EventRegistered {
		t.Fatalf("event = %s, want registered", env.Event)
	}
	var ack models.Registered
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("registered payload: %v", err)
	}
	return ack
}

func TestRegisterAndSync(t *testing.T) {
	h, _, _ := newTestHub(t)
	srv := newTestServer(t, h)
	conn := dial(t, srv)

	ack := register(t, conn, "client-a")
	if ack.ClientID != "client-a" {
		t.Errorf("client_id = %s, want client-a", ack.ClientID)
	}
	if ack.TrustScore != 0.5 {
		t.Errorf("initial trust = %v, want 0.5", ack.TrustScore)
	}

	profile, ok := h.Client("client-a")
	if !ok {
		t.Fatal("registered client missing from registry")
	}
	if profile.Status != models.ClientOnline {
		t.Errorf("status = %s, want online", profile.Status)
	}

	sendEvent(t, conn, models.EventSyncRequest, models.SyncRequest{ClientID: "client-a"})
	env := readEvent(t, conn)
	if env.Event != models.EventSyncResponse {
		t.Fatalf("event = %s, want sync_response", env.Event)
	}
	var sync models.SyncResponse
	if err := json.Unmarshal(env.Data, &sync); err != nil {
		t.Fatalf("sync payload: %v", err)
	}
	if sync.Count != 0 {
		t.Errorf("sync count = %d, want 0 on a fresh coordinator", sync.Count)
	}
}

func TestConsensusBroadcastAndReward(t *testing.T) {
	h, tm, _ := newTestHub(t)
	srv := newTestServer(t, h)
	ctx := context.Background()

	connA := dial(t, srv)
	connB := dial(t, srv)
	register(t, connA, "client-a")
	register(t, connB, "client-b")

	// Lift both reporters over the consensus trust bar.
	if _, err := tm.Update(ctx, "client-a", true, -1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := tm.Update(ctx, "client-b", true, -1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ioc := models.IOC{
		IOCType:     models.IOCTypeDomain,
		Value:       "evil.example",
		ThreatLevel: models.ThreatHigh,
		Timestamp:   time.Now(),
	}
	sendEvent(t, connA, models.EventIOCReport, ioc)
	time.Sleep(100 * time.Millisecond) // let the first vote land
	sendEvent(t, connB, models.EventIOCReport, ioc)

	// Each voter receives a targeted trust_update and the hub-wide
	// broadcast, in that order.
	for _, conn := range []*websocket.Conn{connA, connB} {
		seen := map[string]bool{}
		for i := 0; i < 2; i++ {
			env := readEvent(t, conn)
			seen[env.Event] = true
			if env.Event == models.EventIOCBroadcast {
				var record models.ThreatIntel
				if err := json.Unmarshal(env.Data, &record); err != nil {
					t.Fatalf("broadcast payload: %v", err)
				}
				if record.Status != models.StatusVerified {
					t.Errorf("broadcast status = %s, want verified", record.Status)
				}
				if len(record.VerifiedBy) != 2 {
					t.Errorf("broadcast verified_by = %v, want both voters", record.VerifiedBy)
				}
			}
		}
		if !seen[models.EventTrustUpdate] || !seen[models.EventIOCBroadcast] {
			t.Errorf("voter frames = %v, want trust_update and ioc_broadcast", seen)
		}
	}

	profile, _ := h.Client("client-a")
	if profile.IOCsVerified != 1 {
		t.Errorf("iocs_verified = %d, want 1", profile.IOCsVerified)
	}
}

func TestUnregisteredReportIsDroppedSilently(t *testing.T) {
	h, _, st := newTestHub(t)
	srv := newTestServer(t, h)
	conn := dial(t, srv)

	sendEvent(t, conn, models.EventIOCReport, models.IOC{
		IOCType: models.IOCTypeDomain,
		Value:   "evil.example",
	})

	// The report must be dropped without a reply or state change: the next
	// frame on the wire is the sync response, and the store stays empty.
	sendEvent(t, conn, models.EventSyncRequest, models.SyncRequest{})
	env := readEvent(t, conn)
	if env.Event != models.EventSyncResponse {
		t.Fatalf("event = %s, want sync_response (report should be silent)", env.Event)
	}

	rows, err := st.ListIntel(context.Background(), "")
	if err != nil {
		t.Fatalf("ListIntel: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("unregistered report reached the store: %+v", rows)
	}
}

func TestSubmitReportValidation(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	_, _, err := h.SubmitReport(ctx, models.IOC{IOCType: models.IOCTypeDomain}, "client-a")
	if !IsValidationError(err) {
		t.Errorf("empty value err = %v, want validation error", err)
	}

	_, _, err = h.SubmitReport(ctx, models.IOC{IOCType: "carrier_pigeon", Value: "x"}, "client-a")
	if !IsValidationError(err) {
		t.Errorf("bad type err = %v, want validation error", err)
	}

	// A valid report gets its content address and threat-level default.
	ioc := models.IOC{IOCType: models.IOCTypeDomain, Value: "evil.example"}
	if err := validateIOC(&ioc); err != nil {
		t.Fatalf("validateIOC: %v", err)
	}
	if ioc.IOCID != models.GenerateIOCID(models.IOCTypeDomain, "evil.example") {
		t.Errorf("ioc_id = %s, want content address", ioc.IOCID)
	}
	if ioc.ThreatLevel != models.ThreatMedium {
		t.Errorf("threat_level default = %s, want medium", ioc.ThreatLevel)
	}
}

func TestWatchdogMarksStaleClientsOffline(t *testing.T) {
	h, _, _ := newTestHub(t)

	h.clients["stale"] = &models.ClientProfile{
		ClientID:      "stale",
		Status:        models.ClientOnline,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}
	h.clients["fresh"] = &models.ClientProfile{
		ClientID:      "fresh",
		Status:        models.ClientOnline,
		LastHeartbeat: time.Now(),
	}

	h.sweepStale()

	if h.clients["stale"].Status != models.ClientOffline {
		t.Error("stale client not flipped offline")
	}
	if h.clients["fresh"].Status != models.ClientOnline {
		t.Error("fresh client flipped offline")
	}
	if h.OnlineCount() != 1 {
		t.Errorf("online count = %d, want 1", h.OnlineCount())
	}
}

func TestHeartbeatRefreshesProfile(t *testing.T) {
	h, _, _ := newTestHub(t)

	h.clients["client-a"] = &models.ClientProfile{
		ClientID:      "client-a",
		Status:        models.ClientOffline,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}

	sess := newSession("s1", h, nil)
	sess.ClientID = "client-a"
	payload, _ := json.Marshal(models.Heartbeat{
		ClientID:     "client-a",
		Status:       models.ClientScanning,
		IOCsReported: 7,
	})
	h.handleHeartbeat(sess, payload)

	profile := h.clients["client-a"]
	if profile.Status != models.ClientScanning {
		t.Errorf("status = %s, want scanning", profile.Status)
	}
	if profile.IOCsReported != 7 {
		t.Errorf("iocs_reported = %d, want 7", profile.IOCsReported)
	}
	if time.Since(profile.LastHeartbeat) > time.Second {
		t.Error("last_heartbeat not refreshed")
	}
}

func TestDetectionFeedIsBounded(t *testing.T) {
	h, _, _ := newTestHub(t)
	sess := newSession("s1", h, nil)
	sess.ClientID = "client-a"

	for i := 0; i < maxDetectionFeed+50; i++ {
		payload, _ := json.Marshal(models.DetectionEvent{
			ClientID:       "client-a",
			ThreatDetected: true,
			Action:         "quarantine",
		})
		h.handleDetection(sess, payload)
	}

	if len(h.detections) != maxDetectionFeed {
		t.Errorf("feed length = %d, want %d", len(h.detections), maxDetectionFeed)
	}

	recent := h.RecentDetections(10)
	if len(recent) != 10 {
		t.Errorf("recent = %d, want 10", len(recent))
	}
}
