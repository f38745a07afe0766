package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the coordinator's tunable surface. Everything is read from the
// environment with safe defaults so the binary can run with zero setup; only
// DATABASE_URL is genuinely optional (the coordinator degrades to the
// in-memory store without it).
type Config struct {
	Port        string
	DatabaseURL string

	// Trust parameters
	InitialTrust  float64
	MaxTrust      float64
	MinTrust      float64
	DecayRate     float64
	DecayInterval time.Duration

	// Consensus parameters
	ConsensusThreshold int
	ConsensusTrustAvg  float64

	// Session / lifecycle
	ClientTimeout time.Duration
	ExpiryDays    int
	SweepInterval time.Duration
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		Port:        getEnvOrDefault("PORT", "5000"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		InitialTrust:  envFloat("INITIAL_TRUST", 0.5),
		MaxTrust:      envFloat("MAX_TRUST", 1.0),
		MinTrust:      envFloat("MIN_TRUST", 0.1),
		DecayRate:     envFloat("TRUST_DECAY_RATE", 0.95),
		DecayInterval: time.Duration(envInt("DECAY_INTERVAL_HOURS", 24)) * time.Hour,

		ConsensusThreshold: envInt("CONSENSUS_THRESHOLD", 2),
		ConsensusTrustAvg:  envFloat("CONSENSUS_TRUST_AVG", 0.6),

		ClientTimeout: time.Duration(envInt("CLIENT_TIMEOUT_SEC", 30)) * time.Second,
		ExpiryDays:    envInt("EXPIRY_DAYS", 30),
		SweepInterval: time.Duration(envInt("SWEEP_INTERVAL_HOURS", 6)) * time.Hour,
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
