// Package config loads the YAML configuration shared by GojoDB command-line tools.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Supported element codecs for string keys.
const (
	CodecString  = "string"
	CodecMsgpack = "msgpack"
	CodecBSON    = "bson"
)

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Tree      TreeConfig       `yaml:"tree"`
	Backup    BackupConfig     `yaml:"backup"`
}

// TreeConfig describes the backing file to open.
type TreeConfig struct {
	Path string `yaml:"path"`
	// Degree is only used when the file is created.
	Degree    int    `yaml:"degree"`
	Codec     string `yaml:"codec"`
	EagerLoad bool   `yaml:"eager_load"`
}

// BackupConfig controls the offline copy made by the backup command.
type BackupConfig struct {
	// RateBytesPerSec caps copy throughput; zero means unthrottled.
	RateBytesPerSec int64 `yaml:"rate_bytes_per_sec"`
	Verify          bool  `yaml:"verify"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName: "gojodb_cli",
		},
		Tree: TreeConfig{
			Path:   "gojodb.db",
			Degree: 16,
			Codec:  CodecString,
		},
		Backup: BackupConfig{
			Verify: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Tree.Path == "" {
		errs = append(errs, errors.New("tree.path must be set"))
	}
	if c.Tree.Degree < 2 {
		errs = append(errs, fmt.Errorf("tree.degree must be at least 2, got %d", c.Tree.Degree))
	}
	switch c.Tree.Codec {
	case CodecString, CodecMsgpack, CodecBSON:
	default:
		errs = append(errs, fmt.Errorf("tree.codec %q is not one of %s, %s, %s", c.Tree.Codec, CodecString, CodecMsgpack, CodecBSON))
	}
	if c.Backup.RateBytesPerSec < 0 {
		errs = append(errs, fmt.Errorf("backup.rate_bytes_per_sec must not be negative, got %d", c.Backup.RateBytesPerSec))
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port %d out of range", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
