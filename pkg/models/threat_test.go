package models

import (
	"encoding/json"
	"testing"
)

func TestGenerateIOCIDIsContentAddressed(t *testing.T) {
	a := GenerateIOCID(IOCTypeIPAddress, "203.0.113.7")
	b := GenerateIOCID(IOCTypeIPAddress, "203.0.113.7")
	if a != b {
		t.Errorf("same (type, value) produced different ids: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("id length = %d, want 64 hex chars", len(a))
	}

	// The type participates in the address: an IP and a domain with the
	// same textual value are distinct indicators.
	c := GenerateIOCID(IOCTypeDomain, "203.0.113.7")
	if a == c {
		t.Error("different types collided on the same value")
	}
}

func TestValidIOCType(t *testing.T) {
	if !ValidIOCType(IOCTypeFileHash) {
		t.Error("file_hash rejected")
	}
	if ValidIOCType("carrier_pigeon") {
		t.Error("unknown type accepted")
	}
}

func TestThreatLevelOrdering(t *testing.T) {
	if !ThreatCritical.MeetsThreshold(ThreatHigh) {
		t.Error("critical < high")
	}
	if ThreatLow.MeetsThreshold(ThreatMedium) {
		t.Error("low >= medium")
	}
	if !ThreatMedium.MeetsThreshold(ThreatMedium) {
		t.Error("threshold is not inclusive")
	}
}

func TestCalculateAccuracy(t *testing.T) {
	var s TrustScore
	s.CalculateAccuracy()
	if s.AccuracyRate != 0 {
		t.Errorf("accuracy with no reports = %v, want 0", s.AccuracyRate)
	}

	s.TotalReports = 4
	s.VerifiedReports = 3
	s.CalculateAccuracy()
	if s.AccuracyRate != 0.75 {
		t.Errorf("accuracy = %v, want 0.75", s.AccuracyRate)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventTrustUpdate, TrustUpdate{
		ClientID:   "client-a",
		TrustScore: 0.65,
		Reason:     "IOC verified by consensus",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Event != EventTrustUpdate {
		t.Errorf("event = %s, want %s", decoded.Event, EventTrustUpdate)
	}

	var payload TrustUpdate
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload.ClientID != "client-a" || payload.TrustScore != 0.65 {
		t.Errorf("payload = %+v", payload)
	}
}
