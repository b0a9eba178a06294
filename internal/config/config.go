// Package config loads the gateway's own configuration: where the upstream
// agent server lives, how to reach Postgres for the channel-config store,
// and the HTTP listener settings. Per-channel/platform configuration
// (credentials, strategy, system prompt) lives in the database as
// gatewaytypes.ChannelConfig rows (spec.md §6) — it is not part of this
// static file.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway process.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// DatabaseConfig configures Postgres, the backing store for channel configs
// (spec.md §6).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env GOCLAW_POSTGRES_DSN only
}

// GatewayConfig controls the gateway's own HTTP listener and upstream agent
// server connection.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AgentBaseURL    string `json:"agent_base_url"`      // the single upstream agent server (spec.md §4.4)
	EncryptionKey   string `json:"-"`                   // from env GOCLAW_ENCRYPTION_KEY only; decrypts ChannelConfig.Credentials
	MaxMessageChars int    `json:"max_message_chars,omitempty"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Hash returns a SHA-256 hash of the config, used by callers that want to
// detect a reload.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
