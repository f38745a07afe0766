package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// IOCType is the closed set of indicator categories the federation exchanges.
type IOCType string

const (
	IOCTypeFileHash      IOCType = "file_hash"
	IOCTypeIPAddress     IOCType = "ip_address"
	IOCTypeDomain        IOCType = "domain"
	IOCTypeURL           IOCType = "url"
	IOCTypeFileSignature IOCType = "file_signature"
	IOCTypeBehavior      IOCType = "behavior_pattern"
	IOCTypeRegistryKey   IOCType = "registry_key"
	IOCTypeProcessName   IOCType = "process_name"
)

// ValidIOCType reports whether t is one of the known indicator categories.
func ValidIOCType(t IOCType) bool {
	switch t {
	case IOCTypeFileHash, IOCTypeIPAddress, IOCTypeDomain, IOCTypeURL,
		IOCTypeFileSignature, IOCTypeBehavior, IOCTypeRegistryKey, IOCTypeProcessName:
		return true
	}
	return false
}

// ThreatLevel is the ordered severity tag attached to an indicator.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatInfo: 0, ThreatLow: 1, ThreatMedium: 2, ThreatHigh: 3, ThreatCritical: 4,
}

// ValidThreatLevel reports whether l is a known severity.
func ValidThreatLevel(l ThreatLevel) bool {
	_, ok := threatRank[l]
	return ok
}

// MeetsThreshold reports whether l is at least min on the severity ordering.
func (l ThreatLevel) MeetsThreshold(min ThreatLevel) bool {
	return threatRank[l] >= threatRank[min]
}

// IntelStatus is the lifecycle state of a ThreatIntel record.
// The progression is pending → verified → expired; rejected exists for
// extension but no current code path produces it.
type IntelStatus string

const (
	StatusPending  IntelStatus = "pending"
	StatusVerified IntelStatus = "verified"
	StatusRejected IntelStatus = "rejected"
	StatusExpired  IntelStatus = "expired"
)

// ClientStatus is the session-scoped state of a monitoring endpoint.
type ClientStatus string

const (
	ClientOnline   ClientStatus = "online"
	ClientOffline  ClientStatus = "offline"
	ClientScanning ClientStatus = "scanning"
	ClientSyncing  ClientStatus = "syncing"
	ClientIdle     ClientStatus = "idle"
	ClientError    ClientStatus = "error"
)

// IOC is a single indicator of compromise reported by a client.
//
// IOCID is content-addressed: a pure function of (ioc_type, value), so two
// clients reporting the same indicator collide by construction regardless of
// who reported it first.
type IOC struct {
	IOCID        string            `json:"ioc_id"`
	IOCType      IOCType           `json:"ioc_type"`
	Value        string            `json:"value"`
	ThreatLevel  ThreatLevel       `json:"threat_level"`
	SourceClient string            `json:"source_client"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// GenerateIOCID derives the stable content address for an indicator.
func GenerateIOCID(iocType IOCType, value string) string {
	sum := sha256.Sum256([]byte(string(iocType) + ":" + value))
	return hex.EncodeToString(sum[:])
}

// ThreatIntel wraps an IOC with its consensus state on the coordinator.
//
// Once Status is verified, VerifiedBy and TrustWeight are frozen at their
// promotion-time values; only DetectionCount, LastSeen, and a transition to
// expired may change afterwards.
type ThreatIntel struct {
	IOC            IOC         `json:"ioc"`
	VerifiedBy     []string    `json:"verified_by"`
	TrustWeight    float64     `json:"trust_weight"`
	Status         IntelStatus `json:"status"`
	FirstSeen      time.Time   `json:"first_seen"`
	LastSeen       time.Time   `json:"last_seen"`
	DetectionCount int         `json:"detection_count"`
}

// TrustScore is the per-client reputation record.
type TrustScore struct {
	ClientID           string    `json:"client_id"`
	TrustScore         float64   `json:"trust_score"`
	AccuracyRate       float64   `json:"accuracy_rate"`
	ContributionCount  int       `json:"contribution_count"`
	FalsePositiveCount int       `json:"false_positive_count"`
	TotalReports       int       `json:"total_reports"`
	VerifiedReports    int       `json:"verified_reports"`
	RejectedReports    int       `json:"rejected_reports"`
	ResponseTimeAvg    float64   `json:"response_time_avg"`
	LastUpdated        time.Time `json:"last_updated"`
	CreatedAt          time.Time `json:"created_at"`
}

// CalculateAccuracy recomputes AccuracyRate from the report counters.
// Defined as 0 when no reports have been filed.
func (s *TrustScore) CalculateAccuracy() {
	if s.TotalReports == 0 {
		s.AccuracyRate = 0
		return
	}
	s.AccuracyRate = float64(s.VerifiedReports) / float64(s.TotalReports)
}

// TrustEventType tags a row in the append-only trust history log.
type TrustEventType string

const (
	TrustInitialized TrustEventType = "initialized"
	TrustIncreased   TrustEventType = "increased"
	TrustDecreased   TrustEventType = "decreased"
	TrustDecayed     TrustEventType = "decayed"
	TrustReset       TrustEventType = "reset"
)

// TrustEvent is one append-only trust history row. Never mutated after insert.
type TrustEvent struct {
	ClientID   string         `json:"client_id"`
	TrustScore float64        `json:"trust_score"`
	EventType  TrustEventType `json:"event_type"`
	Reason     string         `json:"reason"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ClientProfile is the session-scoped view of a monitoring endpoint.
type ClientProfile struct {
	ClientID        string       `json:"client_id"`
	Hostname        string       `json:"hostname"`
	IPAddress       string       `json:"ip_address"`
	Platform        string       `json:"platform"`
	WatchDirs       []string     `json:"watch_directories,omitempty"`
	Status          ClientStatus `json:"status"`
	IOCsReported    int          `json:"iocs_reported"`
	IOCsVerified    int          `json:"iocs_verified"`
	DetectionsLocal int          `json:"detections_local"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

// DetectionEvent is a client-side detection forwarded to the coordinator feed.
type DetectionEvent struct {
	ClientID       string      `json:"client_id"`
	IOC            *IOC        `json:"ioc,omitempty"`
	FilePath       string      `json:"file_path,omitempty"`
	ThreatDetected bool        `json:"threat_detected"`
	ThreatLevel    ThreatLevel `json:"threat_level"`
	Action         string      `json:"action"`
	Timestamp      time.Time   `json:"timestamp"`
}

// DetectionRecord is one append-only detection log row.
type DetectionRecord struct {
	IOCID     string    `json:"ioc_id"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
}

// SystemStats is the aggregate read-only view served by GET /api/status.
type SystemStats struct {
	TotalClients     int     `json:"total_clients"`
	OnlineClients    int     `json:"online_clients"`
	OfflineClients   int     `json:"offline_clients"`
	TotalIOCs        int     `json:"total_iocs"`
	VerifiedIOCs     int     `json:"verified_iocs"`
	PendingIOCs      int     `json:"pending_iocs"`
	CriticalIOCs     int     `json:"critical_iocs"`
	TotalDetections  int     `json:"total_detections"`
	DetectionsToday  int     `json:"detections_today"`
	AverageTrust     float64 `json:"average_trust"`
	HighTrustClients int     `json:"high_trust_clients"`
	LowTrustClients  int     `json:"low_trust_clients"`
}
