package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Mode string

const (
	ModeHub   Mode = "hub"
	ModeSpoke Mode = "spoke"
)

type Config struct {
	Mode  Mode        `json:"mode"`
	Hub   HubConfig   `json:"hub,omitempty"`
	Spoke SpokeConfig `json:"spoke,omitempty"`
}

type HubConfig struct {
	InstanceCode string `json:"instance_code"`
	DataDir      string `json:"data_dir"`
	ListenAddr   string `json:"listen_addr"`
	MetricsAddr  string `json:"metrics_addr"`

	// Guardrail ceilings and floors applied to tenant-authored policy.
	Guardrails GuardrailConfig `json:"guardrails"`

	// Staleness thresholds for derived sync state. Zero values fall back
	// to the defaults in DefaultHubConfig.
	StaleAfter         Duration `json:"stale_after"`
	CriticalStaleAfter Duration `json:"critical_stale_after"`
	OfflineAfter       Duration `json:"offline_after"`

	// Critical-update acknowledgment polling.
	AckPollInterval Duration `json:"ack_poll_interval"`
	AckTimeout      Duration `json:"ack_timeout"`

	// Partner revocation notification.
	NotifyTimeout Duration `json:"notify_timeout"`

	Collaborators CollaboratorConfig `json:"collaborators"`
}

type SpokeConfig struct {
	InstanceCode       string   `json:"instance_code"`
	HubAddress         string   `json:"hub_address"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	OfflineGrace       Duration `json:"offline_grace"`
	TokenRefreshBuffer Duration `json:"token_refresh_buffer"`
}

type GuardrailConfig struct {
	MaxSessionHours       int    `json:"max_session_hours"`
	MaxTokenLifetimeMin   int    `json:"max_token_lifetime_minutes"`
	MFARequiredAbove      string `json:"mfa_required_above"`
	MinAuditRetentionDays int    `json:"min_audit_retention_days"`
}

type CollaboratorConfig struct {
	IdPAdminURL       string `json:"idp_admin_url"`
	KASRegistryURL    string `json:"kas_registry_url"`
	PolicyEngineURL   string `json:"policy_engine_url"`
	BroadcastEndpoint string `json:"broadcast_endpoint"`
}

// Duration wraps time.Duration so config files can say "30s" or "1h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration value: %s", string(data))
	}
	*d = Duration(time.Duration(n))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		DataDir:     "./data",
		ListenAddr:  ":8443",
		MetricsAddr: ":9090",
		Guardrails: GuardrailConfig{
			MaxSessionHours:       10,
			MaxTokenLifetimeMin:   60,
			MFARequiredAbove:      "CONFIDENTIAL",
			MinAuditRetentionDays: 90,
		},
		StaleAfter:         Duration(30 * time.Minute),
		CriticalStaleAfter: Duration(4 * time.Hour),
		OfflineAfter:       Duration(24 * time.Hour),
		AckPollInterval:    Duration(5 * time.Second),
		AckTimeout:         Duration(30 * time.Second),
		NotifyTimeout:      Duration(10 * time.Second),
	}
}

func DefaultSpokeConfig() SpokeConfig {
	return SpokeConfig{
		HeartbeatInterval:  Duration(30 * time.Second),
		OfflineGrace:       Duration(1 * time.Hour),
		TokenRefreshBuffer: Duration(5 * time.Minute),
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Hub: DefaultHubConfig(), Spoke: DefaultSpokeConfig()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Mode:  Mode(getEnv("FEDHUB_MODE", "hub")),
		Hub:   DefaultHubConfig(),
		Spoke: DefaultSpokeConfig(),
	}

	if cfg.Mode == ModeHub {
		cfg.Hub.InstanceCode = getEnv("FEDHUB_INSTANCE_CODE", "")
		cfg.Hub.DataDir = getEnv("FEDHUB_DATA_DIR", cfg.Hub.DataDir)
		cfg.Hub.ListenAddr = getEnv("FEDHUB_LISTEN_ADDR", cfg.Hub.ListenAddr)
		cfg.Hub.MetricsAddr = getEnv("FEDHUB_METRICS_ADDR", cfg.Hub.MetricsAddr)
		cfg.Hub.Guardrails.MaxSessionHours = getEnvInt("FEDHUB_MAX_SESSION_HOURS", cfg.Hub.Guardrails.MaxSessionHours)
		cfg.Hub.Guardrails.MinAuditRetentionDays = getEnvInt("FEDHUB_MIN_AUDIT_RETENTION_DAYS", cfg.Hub.Guardrails.MinAuditRetentionDays)
	} else {
		cfg.Spoke.InstanceCode = getEnv("FEDHUB_INSTANCE_CODE", "")
		cfg.Spoke.HubAddress = getEnv("FEDHUB_HUB_ADDRESS", "localhost:8443")
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
