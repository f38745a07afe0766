package models

import "encoding/json"

// Wire protocol: every message on a session is a JSON envelope
// { "event": <name>, "data": <payload> }. Payload schemas match the
// pkg/models types field-for-field.

// Client → coordinator events.
const (
	EventClientRegister  = "client_register"
	EventClientHeartbeat = "client_heartbeat"
	EventIOCReport       = "ioc_report"
	EventDetectionEvent  = "detection_event"
	EventSyncRequest     = "sync_request"
)

// Coordinator → client events.
const (
	EventRegistered   = "registered"
	EventSyncResponse = "sync_response"
	EventIOCBroadcast = "ioc_broadcast"
	EventTrustUpdate  = "trust_update"
	EventError        = "error"
)

// Envelope is the tagged wire frame. Data is decoded per Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for the wire. Marshal errors surface to the
// caller so a bad payload never silently drops.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// Heartbeat is the client_heartbeat payload.
type Heartbeat struct {
	ClientID        string       `json:"client_id"`
	Status          ClientStatus `json:"status"`
	IOCsReported    int          `json:"iocs_reported"`
	DetectionsLocal int          `json:"detections_local"`
	Timestamp       string       `json:"timestamp,omitempty"`
}

// SyncRequest is the sync_request payload.
type SyncRequest struct {
	ClientID string `json:"client_id"`
}

// Registered is the registration acknowledgment payload.
type Registered struct {
	ClientID   string  `json:"client_id"`
	TrustScore float64 `json:"trust_score"`
	Status     string  `json:"status"`
}

// SyncResponse carries the full verified list plus a server timestamp.
type SyncResponse struct {
	IOCs      []ThreatIntel `json:"iocs"`
	Count     int           `json:"count"`
	Timestamp string        `json:"timestamp"`
}

// TrustUpdate is the targeted trust notification payload.
type TrustUpdate struct {
	ClientID   string  `json:"client_id"`
	TrustScore float64 `json:"trust_score"`
	Reason     string  `json:"reason"`
}

// ErrorPayload is the error envelope payload. Sessions stay open after one.
type ErrorPayload struct {
	Message string `json:"message"`
}
