package config

import (
	"maps"

	"github.com/danmuck/buildrmi/internal/daemon"
	"github.com/danmuck/buildrmi/internal/protocol/session"
)

// DaemonRuntime maps a validated daemon file onto the daemon runtime config.
// Unset fields keep the daemon defaults.
func DaemonRuntime(cfg DaemonConfig) (daemon.Config, error) {
	if err := ValidateDaemonConfig(cfg); err != nil {
		return daemon.Config{}, err
	}
	out := daemon.DefaultConfig()
	out.Name = cfg.Name
	out.ListenAddr = cfg.ListenAddr
	out.DiagnosticsAddr = cfg.DiagnosticsAddr
	if cfg.Root != "" {
		out.Root = cfg.Root
	}
	if len(cfg.Environment) > 0 {
		out.Environment = maps.Clone(cfg.Environment)
	}
	out.OperatorToken = cfg.OperatorToken
	out.Session.Statistics = cfg.Statistics
	out.Session.ReferencePolicy = cfg.ReferencePolicy
	if cfg.SoftRetain > 0 {
		out.Session.SoftRetain = cfg.SoftRetain
	}
	if cfg.Workers != 0 {
		out.Session.Workers = cfg.Workers
	}
	if cfg.MaxPayloadBytes > 0 {
		out.Session.MaxPayloadBytes = cfg.MaxPayloadBytes
	}
	if d, _ := parseDuration(cfg.HandshakeTimeout); d > 0 {
		out.Session.HandshakeTimeout = d
	}
	return out, nil
}

// ClientSession maps a validated client file onto session settings.
func ClientSession(cfg ClientConfig) (session.Config, error) {
	if err := ValidateClientConfig(cfg); err != nil {
		return session.Config{}, err
	}
	out := session.DefaultConfig()
	out.Statistics = cfg.Statistics
	out.ReferencePolicy = cfg.ReferencePolicy
	if d, _ := parseDuration(cfg.ConnectTimeout); d > 0 {
		out.ConnectTimeout = d
	}
	return out, nil
}
