// Package config loads client configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all client configuration.
type Config struct {
	// Collector settings.
	ServerURL      string // Base URL of the AIQA collector (e.g. "https://app.aiqa.dev/api").
	APIKey         string
	OrganisationID string

	// Span identity settings.
	ServiceName  string
	ComponentTag string // Stamped on every span as a "component" attribute.
	SamplingRate float64

	// Export pipeline settings.
	FlushInterval   time.Duration // How often the background loop flushes buffered spans.
	ShutdownTimeout time.Duration // Bound on waiting for the flush loop during shutdown.
	SampleLimit     int           // Max sampled values kept in a stream summary attribute.
}

// FromEnv reads configuration from environment variables with defaults.
// A missing server URL is not an error here: the exporter tolerates running
// unconfigured and the client surfaces it at flush time.
func FromEnv() Config {
	return Config{
		ServerURL:       strings.TrimRight(envStr("AIQA_SERVER_URL", ""), "/"),
		APIKey:          envStr("AIQA_API_KEY", ""),
		OrganisationID:  envStr("AIQA_ORGANISATION_ID", ""),
		ServiceName:     envStr("AIQA_SERVICE_NAME", "aiqa-go-client"),
		ComponentTag:    envStr("AIQA_COMPONENT_TAG", ""),
		SamplingRate:    envFloat("AIQA_SAMPLING_RATE", 1.0),
		FlushInterval:   envDuration("AIQA_FLUSH_INTERVAL", 5*time.Second),
		ShutdownTimeout: envDuration("AIQA_SHUTDOWN_TIMEOUT", 10*time.Second),
		SampleLimit:     envInt("AIQA_SAMPLE_LIMIT", 10),
	}
}

// Validate checks that configuration required for delivery is present.
// Used by callers that need a working collector up front (e.g. the emit tool);
// the library itself runs without a server and drops spans at flush time.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: AIQA_SERVER_URL is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: AIQA_FLUSH_INTERVAL must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: AIQA_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.SampleLimit < 0 {
		return fmt.Errorf("config: AIQA_SAMPLE_LIMIT must not be negative")
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
