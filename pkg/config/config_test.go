package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
[core]
url = "http://control-plane/jobs"
hostname = "agent.local"
token = "secret"

[docker]
start_port = 40000
end_port = 40010
`)

	t.Setenv("FOREMAN_CONFIG", filepath.Join(dir, configFileName))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://control-plane/jobs", cfg.Core.URL)
	assert.Equal(t, 3000, cfg.Core.Port) // default retained
	assert.Equal(t, "foreman", cfg.Core.NetworkName)
	assert.Equal(t, 5000, cfg.Core.PollFrequencyMS)
	assert.Equal(t, 40000, cfg.Docker.StartPort)
	assert.Equal(t, 40010, cfg.Docker.EndPort)
}

func TestLoadEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
[core]
url = "http://control-plane/jobs"
hostname = "agent.local"
token = "secret"
max_concurrent_jobs = 5
`)
	t.Setenv("FOREMAN_CONFIG", filepath.Join(dir, configFileName))
	t.Setenv("FOREMAN_CORE_MAX_CONCURRENT_JOBS", "99")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Core.MaxConcurrentJobs)
}

func TestLoadMissingConfigEnvPathFails(t *testing.T) {
	t.Setenv("FOREMAN_CONFIG", "/nonexistent/foreman.toml")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
[core]
url = "http://control-plane/jobs"
`)
	t.Setenv("FOREMAN_CONFIG", filepath.Join(dir, configFileName))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidPortRange(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
[core]
url = "http://control-plane/jobs"
hostname = "agent.local"
token = "secret"

[docker]
start_port = 500
end_port = 100
`)
	t.Setenv("FOREMAN_CONFIG", filepath.Join(dir, configFileName))

	_, err := Load()
	assert.Error(t, err)
}
