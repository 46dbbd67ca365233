// Package config manages MEDRELAY server instance configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	ConfigDirName   = ".medrelay"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"
)

// Peer describes another server instance reachable over Relay Protocol A.
type Peer struct {
	Endpoint string `json:"endpoint"` // full URL of the receive endpoint
	APIKey   string `json:"api_key"`  // pre-shared key for this server pair
}

// TrustWeights are the composite score weights per dimension. They must sum
// to 1.0.
type TrustWeights struct {
	User        float64 `json:"user"`
	Device      float64 `json:"device"`
	Network     float64 `json:"network"`
	Session     float64 `json:"session"`
	Permissions float64 `json:"permissions"`
	Behavior    float64 `json:"behavior"`
}

// Thresholds hold the pass/fail cut-offs for the scoring engine and the
// intrusion detector. The values mirror the observed production constants;
// they are configuration rather than hardcoded so they can be tuned per
// deployment.
type Thresholds struct {
	Overall      int `json:"overall"`       // composite trust gate
	BlockRisk    int `json:"block_risk"`    // risk score that triggers a 1h block
	CriticalRisk int `json:"critical_risk"` // risk score that triggers a 24h block
}

// Config holds the full configuration for one server instance.
type Config struct {
	ServerID           string            `json:"server_id"` // hospital | company | development
	Role               string            `json:"role"`      // chain role this instance serves
	DataDir            string            `json:"data_dir"`
	ListenUDP          string            `json:"listen_udp"` // Relay B datagram listener
	ListenHTTP         string            `json:"listen_http"`
	LogLevel           string            `json:"log_level"`
	Peers              map[string]Peer   `json:"peers"`          // server id -> relay A peer
	RoleEndpoints      map[string]string `json:"role_endpoints"` // role -> host:port for relay B
	ReceiveAPIKey      string            `json:"receive_api_key"`
	KeySalt            string            `json:"key_salt"` // hex; must match across cooperating servers
	TrustedNetworks    []string          `json:"trusted_networks"` // CIDR allow-list
	Weights            TrustWeights      `json:"weights"`
	Thresholds         Thresholds        `json:"thresholds"`
	SessionIdleMinutes int               `json:"session_idle_minutes"`
	RelayTimeoutSecs   int               `json:"relay_timeout_secs"`
}

// Default returns sensible defaults for a development instance.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ServerID:   "development",
		Role:       "main",
		DataDir:    filepath.Join(home, ConfigDirName, "data"),
		ListenUDP:  "127.0.0.1:5060",
		ListenHTTP: "127.0.0.1:8443",
		LogLevel:   DefaultLogLevel,
		KeySalt:    "6d656472656c61792d64656661756c742d73616c742d76312d646f2d6f766572",
		Peers:      map[string]Peer{},
		RoleEndpoints: map[string]string{
			"hospital": "127.0.0.1:5061",
			"company":  "127.0.0.1:5062",
			"admin":    "127.0.0.1:5063",
			"tl":       "127.0.0.1:5064",
			"analyst":  "127.0.0.1:5065",
			"main":     "127.0.0.1:5066",
		},
		TrustedNetworks: []string{
			"127.0.0.0/8",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
			"::1/128",
		},
		Weights: TrustWeights{
			User:        0.25,
			Device:      0.20,
			Network:     0.15,
			Session:     0.20,
			Permissions: 0.15,
			Behavior:    0.05,
		},
		Thresholds: Thresholds{
			Overall:      70,
			BlockRisk:    60,
			CriticalRisk: 80,
		},
		SessionIdleMinutes: 15,
		RelayTimeoutSecs:   30,
	}
}

// SessionIdleTimeout returns the configured idle timeout as a duration.
func (c Config) SessionIdleTimeout() time.Duration {
	if c.SessionIdleMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

// RelayTimeout returns the configured relay deadline as a duration.
func (c Config) RelayTimeout() time.Duration {
	if c.RelayTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RelayTimeoutSecs) * time.Second
}

// ConfigDir returns the global MEDRELAY config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// Load reads the config from ~/.medrelay/config.json, falling back to defaults.
func Load() (Config, error) {
	return LoadFile(filepath.Join(ConfigDir(), ConfigFileName))
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists the config to ~/.medrelay/config.json.
func Save(cfg Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}
