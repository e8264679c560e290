// Package config holds runtime configuration: defaults, an optional YAML
// file, and environment overrides, applied in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that unmarshals from YAML as a plain integer or a
// string with a K/M/G suffix ("700M").
type ByteSize int64

// Duration wraps time.Duration for YAML strings like "30m".
type Duration time.Duration

// Config holds all runtime settings. Populate with Default, then Load to
// apply a config file and environment overrides.
type Config struct {
	// OutputDir is where repaired files are written.
	OutputDir string `yaml:"output_dir"`
	// BaseName is the output file stem; empty derives it from the input name.
	BaseName string `yaml:"base_name"`

	// MaxSegmentSize splits output files at this many bytes. Zero disables
	// the size limit.
	MaxSegmentSize ByteSize `yaml:"max_segment_size"`
	// MaxSegmentDuration splits output files at this much playback time.
	// Zero disables the duration limit.
	MaxSegmentDuration Duration `yaml:"max_segment_duration"`

	// Creator is stamped into rewritten FLV metadata.
	Creator string `yaml:"creator"`
	// KeyframeCapacity sizes the reserved FLV keyframe index.
	KeyframeCapacity int `yaml:"keyframe_capacity"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		OutputDir: ".",
		LogLevel:  "info",
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when
// path is empty) and then with REMUX_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("REMUX_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("REMUX_BASE_NAME"); v != "" {
		c.BaseName = v
	}
	if v := os.Getenv("REMUX_MAX_SIZE"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("config: REMUX_MAX_SIZE: %w", err)
		}
		c.MaxSegmentSize = n
	}
	if v := os.Getenv("REMUX_MAX_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: REMUX_MAX_DURATION: %w", err)
		}
		c.MaxSegmentDuration = Duration(d)
	}
	if v := os.Getenv("REMUX_CREATOR"); v != "" {
		c.Creator = v
	}
	if v := os.Getenv("REMUX_KEYFRAME_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REMUX_KEYFRAME_CAPACITY: %w", err)
		}
		c.KeyframeCapacity = n
	}
	if v := os.Getenv("REMUX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxSegmentSize < 0 {
		return fmt.Errorf("config: max_segment_size must not be negative")
	}
	if c.MaxSegmentDuration < 0 {
		return fmt.Errorf("config: max_segment_duration must not be negative")
	}
	if c.KeyframeCapacity < 0 {
		return fmt.Errorf("config: keyframe_capacity must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
}

// ParseSize parses a byte count with an optional K, M, or G suffix.
func ParseSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return ByteSize(n * mult), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
