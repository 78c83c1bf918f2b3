package main

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/buildrmi/internal/daemon"
	"github.com/danmuck/buildrmi/internal/ref"
)

// EnvStatistics overrides the statistics flag of the config file.
const EnvStatistics = "BUILDRMI_STATISTICS"

// rmid config.toml key mapping to daemon runtime settings.
type fileConfig struct {
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

func loadDaemonConfig(path string) (daemon.Config, error) {
	cfg := daemon.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.Config{}, fmt.Errorf("load rmid config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}

	if meta.IsDefined("diagnostics_addr") {
		cfg.DiagnosticsAddr = strings.TrimSpace(raw.DiagnosticsAddr)
	}

	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}

	if meta.IsDefined("statistics") {
		cfg.Session.Statistics = raw.Statistics
	}

	if meta.IsDefined("reference_policy") {
		cfg.Session.ReferencePolicy = strings.TrimSpace(raw.ReferencePolicy)
	}

	if meta.IsDefined("soft_retain") {
		cfg.Session.SoftRetain = raw.SoftRetain
	}

	if _, err := ref.Parse(cfg.Session.ReferencePolicy, cfg.Session.SoftRetain); err != nil {
		return daemon.Config{}, fmt.Errorf("parse reference_policy: %w", err)
	}

	if meta.IsDefined("workers") {
		cfg.Session.Workers = raw.Workers
	}

	if meta.IsDefined("max_payload_bytes") {
		cfg.Session.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return daemon.Config{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.Session.HandshakeTimeout = d
	}

	if meta.IsDefined("operator_token") {
		cfg.OperatorToken = strings.TrimSpace(raw.OperatorToken)
	}

	if meta.IsDefined("environment") {
		cfg.Environment = maps.Clone(raw.Environment)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *daemon.Config) error {
	raw, ok := os.LookupEnv(EnvStatistics)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", EnvStatistics, err)
	}
	cfg.Session.Statistics = v
	return nil
}
