package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	daemonPath := filepath.Join(dir, "rmid.toml")
	require.NoError(t, WriteTemplate(daemonPath, "daemon", false))
	dcfg, err := LoadDaemonConfig(daemonPath)
	require.NoError(t, err)
	assert.Equal(t, "rmid", dcfg.Name)
	assert.Equal(t, "go", dcfg.Environment["toolchain"])

	rt, err := DaemonRuntime(dcfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7451", rt.DiagnosticsAddr)
	assert.Equal(t, 5*time.Second, rt.Session.HandshakeTimeout)
	assert.Equal(t, 64, rt.Session.SoftRetain)
	assert.Positive(t, rt.Session.Workers)

	clientPath := filepath.Join(dir, "rmictl.toml")
	require.NoError(t, WriteTemplate(clientPath, "client", false))
	ccfg, err := LoadClientConfig(clientPath)
	require.NoError(t, err)
	assert.Equal(t, 5, ccfg.ConnectAttempts)
	sess, err := ClientSession(ccfg)
	require.NoError(t, err)
	assert.True(t, sess.Statistics)

	assert.Error(t, WriteTemplate(clientPath, "client", false))
	assert.NoError(t, WriteTemplate(clientPath, "client", true))
	_, err = Template("ghost")
	assert.Error(t, err)
}

func TestValidateDaemonConfigRejects(t *testing.T) {
	testlog.Start(t)
	base := DaemonConfig{Name: "rmid", ListenAddr: "127.0.0.1:7450"}
	require.NoError(t, ValidateDaemonConfig(base))

	cases := []struct {
		name   string
		mutate func(*DaemonConfig)
	}{
		{name: "missing name", mutate: func(c *DaemonConfig) { c.Name = " " }},
		{name: "missing listen", mutate: func(c *DaemonConfig) { c.ListenAddr = "" }},
		{name: "shared addr", mutate: func(c *DaemonConfig) { c.DiagnosticsAddr = c.ListenAddr }},
		{name: "bad policy", mutate: func(c *DaemonConfig) { c.ReferencePolicy = "phantom" }},
		{name: "negative retain", mutate: func(c *DaemonConfig) { c.SoftRetain = -1 }},
		{name: "bad timeout", mutate: func(c *DaemonConfig) { c.HandshakeTimeout = "soon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, ValidateDaemonConfig(cfg))
		})
	}
}

func TestLoadDaemonConfigParseError(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \n"), 0o600))
	_, err := LoadDaemonConfig(path)
	assert.ErrorContains(t, err, "config parse failed")

	_, err = LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config load failed")
}
