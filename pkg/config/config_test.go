package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coldb.yaml")
	yaml := `
data_dir: /var/lib/coldb
node_id: node-1
cluster_enabled: true
seed_nodes:
  - 10.0.0.1:8080
  - 10.0.0.2:8080
use_direct_flush: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/coldb", cfg.DataDir)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.True(t, cfg.ClusterEnabled)
	assert.Equal(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, cfg.SeedNodes)
	assert.True(t, cfg.UseDirectFlush)

	// Fields the file never mentioned keep Default()'s values.
	assert.Equal(t, 150, cfg.VirtualNodes)
	assert.Equal(t, 1.0, cfg.NodeWeight)
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEngineOptionsTranslation(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.UseDirectFlush = true
	cfg.KeyParts = []string{"a", "b"}

	opts := cfg.EngineOptions()
	assert.Equal(t, "/data", opts.DataDir)
	assert.True(t, opts.UseDirectFlush)
	assert.Equal(t, []byte("a"), opts.KeyParts[0])
	assert.Equal(t, []byte("b"), opts.KeyParts[1])
	assert.Empty(t, opts.KeyParts[2])
}

func TestLogConfigTranslation(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogJSON = true

	lc := cfg.LogConfig()
	assert.Equal(t, true, lc.JSONOutput)
}
