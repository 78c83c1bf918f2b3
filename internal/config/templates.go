package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "rmid"
listen_addr = "127.0.0.1:7450"
diagnostics_addr = "127.0.0.1:7451"
root = "."
statistics = false
reference_policy = "weak"
soft_retain = 64
workers = 0
handshake_timeout = "5s"

[environment]
toolchain = "go"
`

const clientTemplate = `name = "rmictl"
daemon_addr = "127.0.0.1:7450"
statistics = true
reference_policy = "weak"
connect_attempts = 5
connect_timeout = "5s"
`
