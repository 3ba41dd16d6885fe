// Package config loads mcp-memoria's configuration from built-in
// defaults, an optional YAML file, and MCP_MEMORY_* environment variables,
// in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the engine. ScanInterval, BatchSize,
// OrphanAge, OrphanCap, CandidateLimit and DecayHalfLifeDays are loaded
// and validated but not read by the engine: the worker and the searcher
// use their own built-in constants, which equal these defaults.
type Config struct {
	DataRoot  string `yaml:"data_root"`
	ModelPath string `yaml:"model_path"`
	EmbedDim  int    `yaml:"embed_dim"`

	EmbedCacheSize int `yaml:"embed_cache_size"`
	DedupCacheSize int `yaml:"dedup_cache_size"`

	ScanInterval time.Duration `yaml:"scan_interval"`
	BatchSize    int           `yaml:"batch_size"`
	OrphanAge    time.Duration `yaml:"orphan_age"`
	OrphanCap    int           `yaml:"orphan_cap"`

	CandidateLimit    int     `yaml:"candidate_limit"`
	DecayHalfLifeDays float64 `yaml:"decay_half_life_days"`

	SaveTimeout    time.Duration `yaml:"save_timeout"`
	SearchTimeout  time.Duration `yaml:"search_timeout"`
	CompactTimeout time.Duration `yaml:"compact_timeout"`
}

// Default returns the built-in defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataRoot:          filepath.Join(home, ".mcp-memoria", "data"),
		ModelPath:         "",
		EmbedDim:          384,
		EmbedCacheSize:    1024,
		DedupCacheSize:    512,
		ScanInterval:      5 * time.Second,
		BatchSize:         32,
		OrphanAge:         60 * time.Second,
		OrphanCap:         64,
		CandidateLimit:    50,
		DecayHalfLifeDays: 30,
		SaveTimeout:       5 * time.Second,
		SearchTimeout:     5 * time.Second,
		CompactTimeout:    60 * time.Second,
	}
}

// Load builds a Config starting from Default, applying path (a YAML file,
// ignored if empty or missing) and then MCP_MEMORY_* environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.Validate()
	return cfg, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("MCP_MEMORY_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("MCP_MEMORY_MODEL_PATH"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("MCP_MEMORY_EMBED_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbedDim = n
		}
	}
}

// Validate replaces zero or negative numeric fields and an empty DataRoot
// with their defaults. It never returns a non-nil error.
func (c *Config) Validate() error {
	defaults := Default()

	if c.DataRoot == "" {
		c.DataRoot = defaults.DataRoot
	}
	if c.EmbedDim <= 0 {
		c.EmbedDim = defaults.EmbedDim
	}
	if c.EmbedCacheSize <= 0 {
		c.EmbedCacheSize = defaults.EmbedCacheSize
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = defaults.DedupCacheSize
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaults.ScanInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = defaults.OrphanAge
	}
	if c.OrphanCap <= 0 {
		c.OrphanCap = defaults.OrphanCap
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = defaults.CandidateLimit
	}
	if c.DecayHalfLifeDays <= 0 {
		c.DecayHalfLifeDays = defaults.DecayHalfLifeDays
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = defaults.SaveTimeout
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = defaults.SearchTimeout
	}
	if c.CompactTimeout <= 0 {
		c.CompactTimeout = defaults.CompactTimeout
	}
	return nil
}
