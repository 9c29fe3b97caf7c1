package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cds-challenges", cfg.Cluster.Namespace)
	assert.False(t, cfg.Cluster.Proxy.IsEnabled)
	assert.Equal(t, 10*time.Minute, cfg.Engine.UnitTTL)
	assert.Equal(t, float64(1), cfg.Scoring.Curve.DifficultyScale)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[cluster]
namespace = "ctf"
public_entry = "ctf.example.com"

[cluster.proxy]
is_enabled = true

[queue]
driver = "amqp"
url = "amqp://broker:5672/"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ctf", cfg.Cluster.Namespace)
	assert.Equal(t, "ctf.example.com", cfg.Cluster.PublicEntry)
	assert.True(t, cfg.Cluster.Proxy.IsEnabled)
	assert.Equal(t, "amqp", cfg.Queue.Driver)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Queue.Driver)
}

func TestLoadRejectsUnknownQueueDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\ndriver = \"carrier-pigeon\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CDS_CLUSTER_NAMESPACE", "override-ns")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "override-ns", cfg.Cluster.Namespace)
}
