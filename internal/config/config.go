package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/buildrmi/internal/ref"
	"github.com/pelletier/go-toml/v2"
)

// DaemonConfig is the rmid config file.
type DaemonConfig struct {
	Name             string            `toml:"name"`
	ListenAddr       string            `toml:"listen_addr"`
	DiagnosticsAddr  string            `toml:"diagnostics_addr"`
	Root             string            `toml:"root"`
	Statistics       bool              `toml:"statistics"`
	ReferencePolicy  string            `toml:"reference_policy"`
	SoftRetain       int               `toml:"soft_retain"`
	Workers          int               `toml:"workers"`
	MaxPayloadBytes  uint64            `toml:"max_payload_bytes"`
	HandshakeTimeout string            `toml:"handshake_timeout"`
	Environment      map[string]string `toml:"environment"`
	OperatorToken    string            `toml:"operator_token"`
}

// ClientConfig is the rmictl config file.
type ClientConfig struct {
	Name            string `toml:"name"`
	DaemonAddr      string `toml:"daemon_addr"`
	Statistics      bool   `toml:"statistics"`
	ReferencePolicy string `toml:"reference_policy"`
	ConnectAttempts int    `toml:"connect_attempts"`
	ConnectTimeout  string `toml:"connect_timeout"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "rmid"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7450"
	}
	if cfg.ReferencePolicy == "" {
		cfg.ReferencePolicy = string(ref.PolicyWeak)
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "rmictl"
	}
	if cfg.DaemonAddr == "" {
		cfg.DaemonAddr = "127.0.0.1:7450"
	}
	if cfg.ReferencePolicy == "" {
		cfg.ReferencePolicy = string(ref.PolicyWeak)
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("daemon config missing listen_addr")
	}
	if cfg.DiagnosticsAddr != "" && strings.TrimSpace(cfg.DiagnosticsAddr) == strings.TrimSpace(cfg.ListenAddr) {
		return fmt.Errorf("daemon config diagnostics_addr equals listen_addr")
	}
	if _, err := ref.Parse(cfg.ReferencePolicy, cfg.SoftRetain); err != nil {
		return fmt.Errorf("daemon config reference_policy: %w", err)
	}
	if cfg.SoftRetain < 0 {
		return fmt.Errorf("daemon config soft_retain must not be negative")
	}
	if _, err := parseDuration(cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("daemon config handshake_timeout: %w", err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("client config missing name")
	}
	if strings.TrimSpace(cfg.DaemonAddr) == "" {
		return fmt.Errorf("client config missing daemon_addr")
	}
	if _, err := ref.Parse(cfg.ReferencePolicy, 0); err != nil {
		return fmt.Errorf("client config reference_policy: %w", err)
	}
	if cfg.ConnectAttempts < 0 {
		return fmt.Errorf("client config connect_attempts must not be negative")
	}
	if _, err := parseDuration(cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("client config connect_timeout: %w", err)
	}
	return nil
}

// parseDuration accepts an empty string as "use the default".
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
