// Package hub is the session layer of the coordinator: it owns the
// websocket connections, the registry of monitoring clients, and the
// real-time event protocol between them and the intel/trust subsystems.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fedsig/threatnet/internal/intel"
	"github.com/fedsig/threatnet/internal/metrics"
	"github.com/fedsig/threatnet/internal/trust"
	"github.com/fedsig/threatnet/pkg/models"
)

// maxDetectionFeed caps the in-memory detection feed.
const maxDetectionFeed = 1000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients connect from arbitrary endpoints
	},
}

// Hub coordinates all live sessions and the client registry. Broadcasts
// iterate a snapshot of the session set so a connect or disconnect during
// fan-out never races the iteration.
type Hub struct {
	trust         *trust.Manager
	intel         *intel.Aggregator
	clientTimeout time.Duration

	mu         sync.Mutex
	sessions   map[string]*Session
	byClient   map[string]*Session
	clients    map[string]*models.ClientProfile
	detections []models.DetectionEvent

	now func() time.Time
}

// NewHub wires the session layer to the trust and intel subsystems.
func NewHub(tm *trust.Manager, agg *intel.Aggregator, clientTimeout time.Duration) *Hub {
	return &Hub{
		trust:         tm,
		intel:         agg,
		clientTimeout: clientTimeout,
		sessions:      make(map[string]*Session),
		byClient:      make(map[string]*Session),
		clients:       make(map[string]*models.ClientProfile),
		now:           time.Now,
	}
}

// Serve upgrades an HTTP request to a websocket session and runs its pumps.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	sess := newSession(uuid.NewString(), h, conn)

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	total := len(h.sessions)
	h.mu.Unlock()
	metrics.ConnectedSessions.Set(float64(total))

	log.Printf("[Hub] Session %s connected (%d active)", shortID(sess.ID), total)

	go sess.writePump()
	go sess.readPump()
}

// unregister tears a session down. The bound client, if any, flips to
// offline so REST readers and the watchdog agree on its state.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	if s.ClientID != "" {
		if h.byClient[s.ClientID] == s {
			delete(h.byClient, s.ClientID)
		}
		if profile, ok := h.clients[s.ClientID]; ok {
			profile.Status = models.ClientOffline
		}
	}
	total := len(h.sessions)
	h.mu.Unlock()
	s.shutdown()

	metrics.ConnectedSessions.Set(float64(total))
	h.refreshOnlineGauge()
	log.Printf("[Hub] Session %s disconnected (%d active)", shortID(s.ID), total)
}

// handleEnvelope dispatches one inbound frame.
func (h *Hub) handleEnvelope(s *Session, env models.Envelope) {
	ctx := context.Background()

	switch env.Event {
	case models.EventClientRegister:
		h.handleRegister(ctx, s, env.Data)
	case models.EventClientHeartbeat:
		h.handleHeartbeat(s, env.Data)
	case models.EventIOCReport:
		h.handleIOCReport(ctx, s, env.Data)
	case models.EventDetectionEvent:
		h.handleDetection(s, env.Data)
	case models.EventSyncRequest:
		h.handleSync(ctx, s, env.Data)
	default:
		log.Printf("[Hub] Session %s sent unknown event %q", shortID(s.ID), env.Event)
		s.sendError("unknown event: " + env.Event)
	}
}

func (h *Hub) handleRegister(ctx context.Context, s *Session, data json.RawMessage) {
	var profile models.ClientProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		s.sendError("malformed client_register payload")
		return
	}
	if profile.ClientID == "" {
		profile.ClientID = uuid.NewString()
	}

	trustScore, err := h.trust.Initialize(ctx, profile.ClientID)
	if err != nil {
		log.Printf("[Hub] Trust init failed for %s: %v", shortID(profile.ClientID), err)
		s.sendError("registration failed")
		return
	}

	now := h.now()
	profile.Status = models.ClientOnline
	profile.LastHeartbeat = now

	h.mu.Lock()
	if existing, ok := h.clients[profile.ClientID]; ok {
		// Re-registration keeps the lifetime counters and first-seen time.
		profile.IOCsReported = existing.IOCsReported
		profile.IOCsVerified = existing.IOCsVerified
		profile.DetectionsLocal = existing.DetectionsLocal
		profile.RegisteredAt = existing.RegisteredAt
	} else {
		profile.RegisteredAt = now
	}
	h.clients[profile.ClientID] = &profile
	s.ClientID = profile.ClientID
	h.byClient[profile.ClientID] = s
	h.mu.Unlock()
	h.refreshOnlineGauge()

	log.Printf("[Hub] Client %s registered (%s, trust: %.2f)",
		shortID(profile.ClientID), profile.Hostname, trustScore)

	env, err := models.NewEnvelope(models.EventRegistered, models.Registered{
		ClientID:   profile.ClientID,
		TrustScore: trustScore,
		Status:     "success",
	})
	if err != nil {
		return
	}
	s.Send(env)
}

func (h *Hub) handleHeartbeat(s *Session, data json.RawMessage) {
	var hb models.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		s.sendError("malformed client_heartbeat payload")
		return
	}

	clientID := s.ClientID
	if clientID == "" {
		clientID = hb.ClientID
	}

	h.mu.Lock()
	profile, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		log.Printf("[Hub] Heartbeat from unregistered client %s dropped", shortID(clientID))
		return
	}
	profile.LastHeartbeat = h.now()
	if hb.Status != "" {
		profile.Status = hb.Status
	} else {
		profile.Status = models.ClientOnline
	}
	if hb.IOCsReported > profile.IOCsReported {
		profile.IOCsReported = hb.IOCsReported
	}
	if hb.DetectionsLocal > profile.DetectionsLocal {
		profile.DetectionsLocal = hb.DetectionsLocal
	}
	h.mu.Unlock()
	h.refreshOnlineGauge()
}

func (h *Hub) handleIOCReport(ctx context.Context, s *Session, data json.RawMessage) {
	// Reports from unregistered sessions are dropped without a reply.
	if s.ClientID == "" {
		log.Printf("[Hub] IOC report from unregistered session %s dropped", shortID(s.ID))
		return
	}

	var ioc models.IOC
	if err := json.Unmarshal(data, &ioc); err != nil {
		s.sendError("malformed ioc_report payload")
		return
	}
	ioc.SourceClient = s.ClientID

	if _, _, err := h.SubmitReport(ctx, ioc, s.ClientID); err != nil {
		s.sendError(err.Error())
		return
	}

	h.mu.Lock()
	if profile, ok := h.clients[s.ClientID]; ok {
		profile.IOCsReported++
	}
	h.mu.Unlock()
}

func (h *Hub) handleDetection(s *Session, data json.RawMessage) {
	var ev models.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError("malformed detection_event payload")
		return
	}
	if ev.ClientID == "" {
		ev.ClientID = s.ClientID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	h.mu.Lock()
	h.detections = append(h.detections, ev)
	if len(h.detections) > maxDetectionFeed {
		h.detections = h.detections[len(h.detections)-maxDetectionFeed:]
	}
	if profile, ok := h.clients[ev.ClientID]; ok {
		profile.DetectionsLocal++
	}
	h.mu.Unlock()
}

func (h *Hub) handleSync(ctx context.Context, s *Session, data json.RawMessage) {
	var req models.SyncRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError("malformed sync_request payload")
			return
		}
	}

	intels, err := h.intel.List(ctx, models.StatusVerified)
	if err != nil {
		s.sendError("sync failed")
		return
	}

	env, err := models.NewEnvelope(models.EventSyncResponse, models.SyncResponse{
		IOCs:      intels,
		Count:     len(intels),
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	s.Send(env)

	clientID := s.ClientID
	if clientID == "" {
		clientID = req.ClientID
	}
	log.Printf("[Hub] Synced %d IOCs to %s", len(intels), shortID(clientID))
}

// SubmitReport runs one IOC report through validation, consensus, and the
// promotion side effects. It serves both the websocket ioc_report path and
// the REST /api/report_threat path.
func (h *Hub) SubmitReport(ctx context.Context, ioc models.IOC, clientID string) (*models.ThreatIntel, bool, error) {
	start := time.Now()
	defer func() {
		metrics.ReportDuration.Observe(time.Since(start).Seconds())
	}()

	if err := validateIOC(&ioc); err != nil {
		return nil, false, err
	}

	trustScore, err := h.trust.Get(ctx, clientID)
	if err != nil {
		return nil, false, err
	}

	record, promoted, err := h.intel.Report(ctx, ioc, clientID, trustScore)
	if err != nil {
		return nil, false, err
	}

	switch {
	case promoted:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomePromoted).Inc()
		metrics.VerifiedTotal.Inc()
		h.rewardVoters(ctx, record, clientID, responseSeconds(ioc, h.now()))
		h.BroadcastIntel(record)
	case record != nil:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomeReplay).Inc()
	default:
		metrics.ReportsTotal.WithLabelValues(metrics.OutcomePending).Inc()
	}
	return record, promoted, nil
}

// rewardVoters bumps trust for every client whose vote contributed to the
// promotion and notifies each one that is currently connected. Only the
// final reporter has a meaningful response-time sample.
func (h *Hub) rewardVoters(ctx context.Context, record *models.ThreatIntel, reporter string, reporterRT float64) {
	for _, voterID := range record.VerifiedBy {
		rt := -1.0
		if voterID == reporter {
			rt = reporterRT
		}
		newTrust, err := h.trust.Update(ctx, voterID, true, rt)
		if err != nil {
			log.Printf("[Hub] Trust reward failed for %s: %v", shortID(voterID), err)
			continue
		}

		h.mu.Lock()
		if profile, ok := h.clients[voterID]; ok {
			profile.IOCsVerified++
		}
		sess := h.byClient[voterID]
		h.mu.Unlock()

		if sess == nil {
			continue
		}
		env, err := models.NewEnvelope(models.EventTrustUpdate, models.TrustUpdate{
			ClientID:   voterID,
			TrustScore: newTrust,
			Reason:     "IOC verified by consensus",
		})
		if err != nil {
			continue
		}
		sess.Send(env)
	}
}

// BroadcastIntel fans a verified intel record out to every live session.
func (h *Hub) BroadcastIntel(record *models.ThreatIntel) {
	env, err := models.NewEnvelope(models.EventIOCBroadcast, record)
	if err != nil {
		log.Printf("[Hub] Broadcast encode failed: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		targets = append(targets, sess)
	}
	h.mu.Unlock()

	for _, sess := range targets {
		sess.Send(env)
	}
	metrics.BroadcastsTotal.Inc()
	log.Printf("[Hub] Broadcast IOC %s to %d sessions", shortID(record.IOC.IOCID), len(targets))
}

// Watchdog flips clients offline when their heartbeats stop. Runs until ctx
// is cancelled.
func (h *Hub) Watchdog(ctx context.Context) {
	interval := h.clientTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStale()
		}
	}
}

func (h *Hub) sweepStale() {
	cutoff := h.now().Add(-h.clientTimeout)

	h.mu.Lock()
	var stale []string
	for id, profile := range h.clients {
		if profile.Status != models.ClientOffline && profile.LastHeartbeat.Before(cutoff) {
			profile.Status = models.ClientOffline
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		log.Printf("[Hub] Client %s timed out, marked offline", shortID(id))
	}
	if len(stale) > 0 {
		h.refreshOnlineGauge()
	}
}

// Clients returns a snapshot of every known client profile.
func (h *Hub) Clients() []models.ClientProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ClientProfile, 0, len(h.clients))
	for _, profile := range h.clients {
		out = append(out, *profile)
	}
	return out
}

// Client returns one client profile.
func (h *Hub) Client(clientID string) (models.ClientProfile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	profile, ok := h.clients[clientID]
	if !ok {
		return models.ClientProfile{}, false
	}
	return *profile, true
}

// RecentDetections returns up to limit feed entries, newest first.
func (h *Hub) RecentDetections(limit int) []models.DetectionEvent {
	if limit <= 0 || limit > maxDetectionFeed {
		limit = 50
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.detections)
	if limit > n {
		limit = n
	}
	out := make([]models.DetectionEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.detections[i])
	}
	return out
}

// OnlineCount reports how many clients are currently not offline.
func (h *Hub) OnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

func (h *Hub) onlineLocked() int {
	online := 0
	for _, profile := range h.clients {
		if profile.Status != models.ClientOffline {
			online++
		}
	}
	return online
}

// SessionCount reports the number of live websocket sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) refreshOnlineGauge() {
	h.mu.Lock()
	online := h.onlineLocked()
	h.mu.Unlock()
	metrics.OnlineClients.Set(float64(online))
}

// validateIOC normalizes a report in place: it checks the closed enums,
// defaults the timestamp, and stamps the content address.
func validateIOC(ioc *models.IOC) error {
	if ioc.Value == "" {
		return errEmptyValue
	}
	if !models.ValidIOCType(ioc.IOCType) {
		return errBadType
	}
	if ioc.ThreatLevel == "" {
		ioc.ThreatLevel = models.ThreatMedium
	}
	if !models.ValidThreatLevel(ioc.ThreatLevel) {
		return errBadThreatLevel
	}
	if ioc.Timestamp.IsZero() {
		ioc.Timestamp = time.Now()
	}
	ioc.IOCID = models.GenerateIOCID(ioc.IOCType, ioc.Value)
	return nil
}

// responseSeconds derives the reporter's response latency from the report's
// own timestamp. Negative (no sample) when the timestamp is missing or in
// the future.
func responseSeconds(ioc models.IOC, now time.Time) float64 {
	if ioc.Timestamp.IsZero() {
		return -1
	}
	rt := now.Sub(ioc.Timestamp).Seconds()
	if rt < 0 {
		return -1
	}
	return rt
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
