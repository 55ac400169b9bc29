package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	. "github.com/openclaw/core/internal/logging"
	"github.com/openclaw/core/internal/paths"
)

// GatewayConfig controls the Gateway Router's network surface and auth.
type GatewayConfig struct {
	Port             int      `json:"port"`             // TCP bind port (default 18789)
	BindScope        string   `json:"bindScope"`        // "loopback" or "all"
	OriginAllowlist  []string `json:"originAllowlist"`  // allowed browser origins for platform:"web" clients
	Token            string   `json:"token,omitempty"`  // bearer token compared in constant time
	PasswordHash     string   `json:"passwordHash,omitempty"`
	TrustedProxies   []string `json:"trustedProxies,omitempty"`
	TailscaleEnabled bool     `json:"tailscaleEnabled"`
}

// CronConfig controls the cron scheduler.
type CronConfig struct {
	Enabled           bool `json:"enabled"`
	JobTimeoutMinutes int  `json:"jobTimeoutMinutes"` // 0 = no service-wide timeout; a job's payload timeoutSeconds still applies
}

// ActiveHoursConfig bounds when a heartbeat is allowed to fire.
type ActiveHoursConfig struct {
	StartMinuteLocal int    `json:"startMinuteLocal"`
	EndMinuteLocal   int    `json:"endMinuteLocal"`
	Timezone         string `json:"timezone"`
}

// VisibilityConfig controls whether a heartbeat result is ever delivered.
type VisibilityConfig struct {
	ShowAlerts   bool `json:"showAlerts"`
	ShowOk       bool `json:"showOk"`
	UseIndicator bool `json:"useIndicator"`
}

// HeartbeatConfig controls the heartbeat coordinator.
type HeartbeatConfig struct {
	Enabled         bool               `json:"enabled"`
	IntervalMinutes int                `json:"intervalMinutes"`
	Prompt          string             `json:"prompt,omitempty"`
	ActiveHours     *ActiveHoursConfig `json:"activeHours,omitempty"`
	Visibility      VisibilityConfig   `json:"visibility"`
}

// IdentityConfig binds a user to an externally-verified identity, such as a
// Tailscale-signed user or a registered device's pairing key.
type IdentityConfig struct {
	Provider string `json:"provider"` // "tailscale", "device"
	Value    string `json:"value"`
}

// CredentialConfig is a stored secret a user can authenticate with directly.
type CredentialConfig struct {
	Type  string `json:"type"` // "token" or "password"
	Hash  string `json:"hash"` // argon2id for "password"; sha256 digest for "token"
	Label string `json:"label,omitempty"`
}

// UserConfig describes one operator account.
type UserConfig struct {
	Name        string             `json:"name"`
	Scopes      []string           `json:"scopes"` // operator.read/write/admin/approvals/pairing
	Identities  []IdentityConfig   `json:"identities,omitempty"`
	Credentials []CredentialConfig `json:"credentials,omitempty"`
}

// Config is the root of config.json.
type Config struct {
	Gateway     GatewayConfig         `json:"gateway"`
	Cron        CronConfig            `json:"cron"`
	Heartbeat   HeartbeatConfig       `json:"heartbeat"`
	Users       map[string]UserConfig `json:"users"`
	OwnerUserID string                `json:"ownerUserId,omitempty"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:      18789,
			BindScope: "loopback",
		},
		Cron: CronConfig{
			Enabled:           true,
			JobTimeoutMinutes: 10,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			IntervalMinutes: 30,
			Visibility: VisibilityConfig{
				ShowAlerts:   true,
				ShowOk:       false,
				UseIndicator: true,
			},
		},
	}
}

// Load reads config.json (if present) and merges it over the defaults.
// A missing file is not an error: the defaults are returned as-is.
func Load() (*Config, error) {
	cfg := Default()

	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		L_info("config: no config.json found, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	L_info("config: loaded", "path", path)
	return cfg, nil
}

// Save writes cfg to path atomically, keeping a rotating backup.
func Save(path string, cfg *Config) error {
	return BackupAndWriteJSON(path, cfg, DefaultBackupCount)
}
