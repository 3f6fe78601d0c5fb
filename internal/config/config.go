// Package config implements the on-disk server configuration and the
// state-directory layout every other component reads and writes under,
// grounded on the teacher's internal/config/wing.go load/save-with-defaults
// pattern (here retargeted from a per-repo wing.yaml to a server-wide
// cyberspaced.yaml) and internal/config/paths.go's directory-helper shape
// (here retargeted from user-config/project-config to a single state
// directory holding the records file, resources, photos, and backups).
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds every setting that can be set either on disk or via CLI
// flags, per SPEC_FULL's ambient CLI/config stack.
type Config struct {
	ListenAddr string `yaml:"listen_addr,omitempty"` // TCP/TLS world protocol, default ":7600"
	UDPAddr    string `yaml:"udp_addr,omitempty"`     // voice echo-broadcast, default ":7601"
	ReadOnly   bool   `yaml:"read_only,omitempty"`

	// AdminUsernames names the registered users who hold the server-admin
	// override in spec §4.F's authorisation rule; there is no per-user
	// admin flag in the record format, matching the original server's
	// config-driven (not database-driven) notion of admin.
	AdminUsernames []string `yaml:"admin_usernames,omitempty"`

	TLSCertFile string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile  string `yaml:"tls_key_file,omitempty"`

	NPC    NPCConfig    `yaml:"npc,omitempty"`
	Backup BackupConfig `yaml:"backup,omitempty"`
	Dash   DashConfig   `yaml:"dash,omitempty"`
}

// NPCConfig configures the streaming model endpoint NPCs talk to.
type NPCConfig struct {
	Endpoint     string `yaml:"endpoint,omitempty"`
	APIKey       string `yaml:"api_key,omitempty"`
	Model        string `yaml:"model,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// BackupConfig controls the opt-in periodic records+resources backup.
type BackupConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Dir      string `yaml:"dir,omitempty"`
	Interval string `yaml:"interval,omitempty"` // parsed with time.ParseDuration, default "1h"
	Keep     int    `yaml:"keep,omitempty"`     // number of rotated backups to retain, default 5
}

// DashConfig controls the diagnostic websocket feed's admin auth.
type DashConfig struct {
	Addr      string `yaml:"addr,omitempty"` // default ":7702"
	TokenTTL  string `yaml:"token_ttl,omitempty"` // default "15m"
}

func defaults() Config {
	return Config{
		ListenAddr: ":7600",
		UDPAddr:    ":7601",
		Backup: BackupConfig{
			Dir:      "backups",
			Interval: "1h",
			Keep:     5,
		},
		Dash: DashConfig{
			Addr:     ":7702",
			TokenTTL: "15m",
		},
	}
}

// Load reads cyberspaced.yaml from stateDir, returning a defaulted Config
// if the file does not yet exist (mirroring wing.go's LoadWingConfig,
// which treats an absent file as "use zero value" rather than an error).
func Load(stateDir string) (*Config, error) {
	cfg := defaults()
	path := filepath.Join(stateDir, "cyberspaced.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to stateDir/cyberspaced.yaml, creating stateDir if
// necessary.
func Save(stateDir string, cfg *Config) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "cyberspaced.yaml"), data, 0o644)
}
