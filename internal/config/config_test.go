package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "5000" {
		t.Errorf("port = %s, want 5000", cfg.Port)
	}
	if cfg.InitialTrust != 0.5 || cfg.MinTrust != 0.1 || cfg.MaxTrust != 1.0 {
		t.Errorf("trust bounds = %v/%v/%v", cfg.MinTrust, cfg.InitialTrust, cfg.MaxTrust)
	}
	if cfg.DecayRate != 0.95 || cfg.DecayInterval != 24*time.Hour {
		t.Errorf("decay = %v every %v", cfg.DecayRate, cfg.DecayInterval)
	}
	if cfg.ConsensusThreshold != 2 || cfg.ConsensusTrustAvg != 0.6 {
		t.Errorf("consensus = %d/%v", cfg.ConsensusThreshold, cfg.ConsensusTrustAvg)
	}
	if cfg.ClientTimeout != 30*time.Second {
		t.Errorf("client timeout = %v", cfg.ClientTimeout)
	}
	if cfg.ExpiryDays != 30 || cfg.SweepInterval != 6*time.Hour {
		t.Errorf("expiry = %d days, sweep %v", cfg.ExpiryDays, cfg.SweepInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CONSENSUS_THRESHOLD", "3")
	t.Setenv("CONSENSUS_TRUST_AVG", "0.75")
	t.Setenv("TRUST_DECAY_RATE", "not-a-number")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("port = %s, want 9000", cfg.Port)
	}
	if cfg.ConsensusThreshold != 3 || cfg.ConsensusTrustAvg != 0.75 {
		t.Errorf("consensus = %d/%v, want 3/0.75", cfg.ConsensusThreshold, cfg.ConsensusTrustAvg)
	}
	// Unparseable values fall back to the default.
	if cfg.DecayRate != 0.95 {
		t.Errorf("decay rate = %v, want default 0.95", cfg.DecayRate)
	}
}
