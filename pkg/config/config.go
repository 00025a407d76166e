// Package config loads engine constructor options (spec.md §6) from a
// YAML file, the way cmd/warren's apply.go decodes resource YAML, and
// translates them into pkg/engine.Options and pkg/log.Config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coldb/coldb/pkg/crypto"
	"github.com/coldb/coldb/pkg/engine"
	"github.com/coldb/coldb/pkg/log"
)

// Config is the on-disk, YAML-shaped form of the engine's recognized
// options. Field names mirror spec.md §6's table exactly.
type Config struct {
	DataDir string `yaml:"data_dir"`

	NodeID string `yaml:"node_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	ClusterEnabled bool     `yaml:"cluster_enabled"`
	VirtualNodes   int      `yaml:"virtual_nodes"`
	NodeWeight     float64  `yaml:"node_weight"`
	DataPort       int      `yaml:"data_port"`
	SeedNodes      []string `yaml:"seed_nodes"`

	MemtableSizeLimit  int64 `yaml:"memtable_size_limit"`
	MemtableEntryLimit int64 `yaml:"memtable_entry_limit"`
	UseDirectFlush     bool  `yaml:"use_direct_flush"`

	// KeyParts, if set, overrides crypto.DefaultKeyParts. Each entry is
	// taken as raw UTF-8 bytes, not decoded — operators who want binary
	// key material should generate it from a random passphrase rather
	// than encode it here.
	KeyParts []string `yaml:"key_parts,omitempty"`
	Salt     string   `yaml:"salt,omitempty"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the engine's documented defaults, the same values
// Options.setDefaults applies when a field is left zero.
func Default() Config {
	return Config{
		DataDir:            "./data",
		Host:               "127.0.0.1",
		Port:               8080,
		VirtualNodes:       150,
		NodeWeight:         1.0,
		DataPort:           8081,
		MemtableSizeLimit:  64 * 1024 * 1024,
		MemtableEntryLimit: 100000,
		LogLevel:           "info",
	}
}

// Load reads and parses a YAML config file, starting from Default and
// letting the file override only the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// EngineOptions translates the config into engine.Options. The caller
// still owns Options.Logger if it wants a pre-built logger injected
// rather than letting engine.New build its own from LogConfig.
func (c Config) EngineOptions() engine.Options {
	opts := engine.Options{
		DataDir:            c.DataDir,
		NodeID:             c.NodeID,
		Host:               c.Host,
		Port:               c.Port,
		ClusterEnabled:     c.ClusterEnabled,
		VirtualNodes:       c.VirtualNodes,
		NodeWeight:         c.NodeWeight,
		DataPort:           c.DataPort,
		SeedNodes:          c.SeedNodes,
		MemtableSizeLimit:  c.MemtableSizeLimit,
		MemtableEntryLimit: c.MemtableEntryLimit,
		UseDirectFlush:     c.UseDirectFlush,
		Salt:               c.Salt,
	}
	if len(c.KeyParts) > 0 {
		var parts crypto.KeyParts
		for i, p := range c.KeyParts {
			if i >= len(parts) {
				break
			}
			parts[i] = []byte(p)
		}
		opts.KeyParts = parts
	}
	return opts
}

// LogConfig translates the config's logging fields into pkg/log.Config.
func (c Config) LogConfig() log.Config {
	level := log.InfoLevel
	switch c.LogLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	return log.Config{Level: level, JSONOutput: c.LogJSON}
}
