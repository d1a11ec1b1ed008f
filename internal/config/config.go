// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Vector index settings.
	VectorURL        string // Qdrant URL, e.g. "http://localhost:6333".
	VectorAPIKey     string
	VectorCollection string

	// Embedding service settings.
	EmbeddingURL        string
	EmbeddingDimensions int // Vector dimensions; must match the model's output.
	EmbeddingTimeout    time.Duration
	EmbeddingRetries    int

	// Working tier (Redis) settings.
	WorkingTierURL  string
	WorkingRingSize int           // Most-recent records kept per namespace.
	WorkingTTL      time.Duration // Record expiry.

	// Graph store settings.
	GraphDBPath string // Path to the sqlite database file.
	DataDir     string // Data root; defaults to $HOME/.vesper.

	// Consolidation tuning.
	DecayBaseDays     float64       // Relationship strength halves roughly every base×ln2 days.
	PruneMinStrength  float32       // Relationships weaker than this become prune candidates.
	PruneMinAccess    int           // Access count at or above this exempts an edge from pruning.
	PruneMinAge       time.Duration // Edges younger than this are never pruned.
	CoOccurThreshold  int           // Co-occurrence count that materializes a relational vector.
	ConsolidationHour int           // Local wall-clock hour for the daily run.
	BackupRetention   time.Duration // Backup metadata expiry.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		VectorURL:           envStr("VECTOR_URL", "http://localhost:6333"),
		VectorAPIKey:        envStr("VECTOR_API_KEY", ""),
		VectorCollection:    envStr("VESPER_COLLECTION", "vesper_memories"),
		EmbeddingURL:        envStr("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingDimensions: envInt("VESPER_EMBEDDING_DIMENSIONS", 1024),
		EmbeddingTimeout:    envDuration("VESPER_EMBEDDING_TIMEOUT", 30*time.Second),
		EmbeddingRetries:    envInt("VESPER_EMBEDDING_RETRIES", 3),
		WorkingTierURL:      envStr("WORKING_TIER_URL", "redis://localhost:6379/0"),
		WorkingRingSize:     envInt("VESPER_WORKING_RING_SIZE", 5),
		WorkingTTL:          envDuration("VESPER_WORKING_TTL", 7*24*time.Hour),
		GraphDBPath:         envStr("GRAPH_DB_PATH", ""),
		DataDir:             envStr("VESPER_DATA_DIR", ""),
		DecayBaseDays:       envFloat("VESPER_DECAY_BASE_DAYS", 30),
		PruneMinStrength:    float32(envFloat("VESPER_PRUNE_MIN_STRENGTH", 0.05)),
		PruneMinAccess:      envInt("VESPER_PRUNE_MIN_ACCESS", 3),
		PruneMinAge:         envDuration("VESPER_PRUNE_MIN_AGE", 90*24*time.Hour),
		CoOccurThreshold:    envInt("VESPER_COOCCURRENCE_THRESHOLD", 2),
		ConsolidationHour:   envInt("VESPER_CONSOLIDATION_HOUR", 3),
		BackupRetention:     envDuration("VESPER_BACKUP_RETENTION", 7*24*time.Hour),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "vesper"),
		LogLevel:            envStr("LOG_LEVEL", "info"),
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".vesper")
	}
	if cfg.GraphDBPath == "" {
		cfg.GraphDBPath = filepath.Join(cfg.DataDir, "data", "vesper.db")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: VESPER_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.WorkingRingSize <= 0 {
		return fmt.Errorf("config: VESPER_WORKING_RING_SIZE must be positive")
	}
	if c.DecayBaseDays <= 0 {
		return fmt.Errorf("config: VESPER_DECAY_BASE_DAYS must be positive")
	}
	if c.ConsolidationHour < 0 || c.ConsolidationHour > 23 {
		return fmt.Errorf("config: VESPER_CONSOLIDATION_HOUR must be in [0,23]")
	}
	if c.GraphDBPath == "" {
		return fmt.Errorf("config: GRAPH_DB_PATH is required")
	}
	return nil
}

// EnsureDataDirs creates the data root layout (data/, logs/, docker-data/).
func (c Config) EnsureDataDirs() error {
	for _, sub := range []string{"data", "logs", "docker-data"} {
		if err := os.MkdirAll(filepath.Join(c.DataDir, sub), 0o750); err != nil {
			return fmt.Errorf("config: create %s dir: %w", sub, err)
		}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
