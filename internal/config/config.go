// Package config loads the knowkeep YAML configuration. Every field has a
// working default so a missing or partial config file is fine.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the operator-facing configuration.
type Config struct {
	// StateDir holds the database, review queue, checkpoint and backups.
	StateDir string `yaml:"state_dir"`

	Ollama struct {
		BaseURL       string `yaml:"base_url"`
		EmbedModel    string `yaml:"embed_model"`
		EmbedDim      int    `yaml:"embed_dim"`
		GenerateModel string `yaml:"generate_model"`
	} `yaml:"ollama"`

	Dedup struct {
		// Threshold is the cosine similarity above which an incoming entry
		// goes to LLM arbitration instead of being added outright.
		Threshold float64 `yaml:"threshold"`
	} `yaml:"dedup"`

	Cluster struct {
		Tight           float64 `yaml:"tight"`
		MaxClusterSize  int     `yaml:"max_cluster_size"`
		IdempotencyDays float64 `yaml:"idempotency_days"`
	} `yaml:"cluster"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{StateDir: "state"}
	c.Dedup.Threshold = 0.85
	c.Cluster.Tight = 0.82
	c.Cluster.MaxClusterSize = 12
	c.Cluster.IdempotencyDays = 7
	return c
}

// Load reads a YAML config file, filling unset fields with defaults. A
// missing file returns the defaults without error.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.Dedup.Threshold <= 0 {
		c.Dedup.Threshold = 0.85
	}
	if c.Cluster.Tight <= 0 {
		c.Cluster.Tight = 0.82
	}
	if c.Cluster.MaxClusterSize <= 0 {
		c.Cluster.MaxClusterSize = 12
	}
	if c.Cluster.IdempotencyDays < 0 {
		c.Cluster.IdempotencyDays = 7
	}
	return c, nil
}

// ReviewQueuePath is where the merge engine parks flagged clusters.
func (c *Config) ReviewQueuePath() string {
	return filepath.Join(c.StateDir, "review-queue.json")
}

// CheckpointPath is where an interrupted consolidation run saves progress.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.StateDir, "consolidation-checkpoint.json")
}
