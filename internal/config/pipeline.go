// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the full configuration for one pipeline run: the
// topology inputs, per-node overrides, and the ambient subsystems
// (writer, storage, observability, resume) it runs with.
type PipelineConfig struct {
	Pipeline      PipelineInfo        `yaml:"pipeline"`
	Nodes         []NodeOverride      `yaml:"nodes"`
	Writer        WriterConfig        `yaml:"writer"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Resume        ResumeConfig        `yaml:"resume"`
	Logging       LoggingInfo         `yaml:"logging"`
}

// PipelineInfo describes the pipeline's identity and its external
// boundary streams.
type PipelineInfo struct {
	ID              string `yaml:"id"`
	Streaming       bool   `yaml:"streaming"`
	InputURI        string `yaml:"input_uri"`
	OutputURI       string `yaml:"output_uri"`
	DefaultProtocol string `yaml:"default_protocol"`
	BasePath        string `yaml:"base_path"`
	ResultsDir      string `yaml:"results_dir"`
}

// NodeOverride carries the per-node knobs a pipeline config can set.
// Operator names a built-in operator from the host binary's registry;
// a caller embedding this package directly can ignore it and wire
// NodeSpec.Operator in code instead.
type NodeOverride struct {
	ID           string `yaml:"id"`
	Operator     string `yaml:"operator"`
	BatchSize    int    `yaml:"batch_size"`
	ParallelSize int    `yaml:"parallel_size"`
}

// WriterConfig controls the output writer's batching and throttling
// behavior, mirrored onto writer.Config when building each node.
type WriterConfig struct {
	AsyncMode       bool          `yaml:"async_mode"`
	QueueSize       int           `yaml:"queue_size"`
	FlushBatchSize  int           `yaml:"flush_batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	RateLimitPerSec int           `yaml:"rate_limit_items_per_sec"`
}

// StorageConfig controls how stream storage backends persist data.
type StorageConfig struct {
	CompressionMode string `yaml:"compression_mode"` // "none", "gzip", "zstd"
}

// ObservabilityConfig controls the optional HTTP status endpoint and
// event log, surfaced as hooks.ObservabilityConfig when building hooks.
type ObservabilityConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Listen       string   `yaml:"listen"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ResumeConfig toggles checkpoint/resume behavior for a pipeline run.
type ResumeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingInfo controls the pipeline's root logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadPipelineConfig reads and validates the YAML file at path.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating pipeline config: %w", err)
	}

	return &cfg, nil
}

func (c *PipelineConfig) validate() error {
	if c.Pipeline.InputURI == "" {
		return fmt.Errorf("pipeline.input_uri is required")
	}
	if c.Pipeline.OutputURI == "" {
		return fmt.Errorf("pipeline.output_uri is required")
	}
	if c.Pipeline.DefaultProtocol == "" {
		c.Pipeline.DefaultProtocol = "jsonl"
	}
	if c.Pipeline.BasePath == "" {
		c.Pipeline.BasePath = "./tmp/streams"
	}
	if c.Pipeline.ResultsDir == "" {
		c.Pipeline.ResultsDir = "./tmp/results"
	}

	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d].id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d].id %q duplicated", i, n.ID)
		}
		seen[n.ID] = true
		if n.BatchSize <= 0 {
			c.Nodes[i].BatchSize = 50
		}
		if n.ParallelSize <= 0 {
			c.Nodes[i].ParallelSize = 1
		}
	}

	if c.Writer.QueueSize <= 0 {
		c.Writer.QueueSize = 5000
	}
	if c.Writer.FlushBatchSize <= 0 {
		c.Writer.FlushBatchSize = 100
	}
	if c.Writer.FlushInterval <= 0 {
		c.Writer.FlushInterval = 1 * time.Second
	}
	if c.Writer.RetryInterval <= 0 {
		c.Writer.RetryInterval = 100 * time.Millisecond
	}
	if c.Writer.RateLimitPerSec < 0 {
		return fmt.Errorf("writer.rate_limit_items_per_sec must not be negative")
	}

	switch c.Storage.CompressionMode {
	case "":
		c.Storage.CompressionMode = "none"
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("storage.compression_mode %q is not one of none, gzip, zstd", c.Storage.CompressionMode)
	}

	if c.Observability.Enabled {
		if c.Observability.Listen == "" {
			c.Observability.Listen = "127.0.0.1:9849"
		}
		if len(c.Observability.AllowOrigins) == 0 {
			c.Observability.AllowOrigins = []string{"127.0.0.1/32"}
		}
		if _, err := parseCIDRList(c.Observability.AllowOrigins); err != nil {
			return fmt.Errorf("observability.allow_origins: %w", err)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// parseCIDRList validates that every entry in raw parses as a CIDR or a
// bare IP (treated as a /32 or /128), the same acceptance rule the ACL
// applies at request time.
func parseCIDRList(raw []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(raw))
	for _, entry := range raw {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			out = append(out, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid CIDR or IP %q", entry)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out, nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
