// tiercache uses flags and a single config file for configuration.
// The config file is YAML (.yaml, .yml) or TOML (.toml) and contains the values that can be set via flags; every
// leaf of Config names its flag in a `flag` tag. Flags given on the command line win over the file.

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "", "Path to the YAML or TOML configuration file.")

var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Config is the schema of the config file. Leaves are pointers so that absent entries leave their flag alone.
type Config struct {
	Log          LogConfig          `yaml:"log" toml:"log"`
	RequestCache RequestCacheConfig `yaml:"request_cache" toml:"request_cache"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	CRM          CRMConfig          `yaml:"crm" toml:"crm"`
}

type LogConfig struct {
	HandlerType *string `yaml:"handler_type" toml:"handler_type" flag:"log_handler_type"`
	Level       *string `yaml:"level" toml:"level" flag:"log_level"`
	Source      *bool   `yaml:"source" toml:"source" flag:"log_source"`
}

// RequestCacheConfig holds the defaults of request caches; durations use Go syntax, e.g. "90s".
type RequestCacheConfig struct {
	MaxAge        *string `yaml:"max_age" toml:"max_age" flag:"request_cache_max_age"`
	MaxSize       *int    `yaml:"max_size" toml:"max_size" flag:"request_cache_max_size"`
	Strategy      *string `yaml:"strategy" toml:"strategy" flag:"request_cache_strategy"`
	SweepInterval *string `yaml:"sweep_interval" toml:"sweep_interval" flag:"request_cache_sweep_interval"`
}

type StorageConfig struct {
	EvictionRatio     *float64       `yaml:"eviction_ratio" toml:"eviction_ratio" flag:"storage_eviction_ratio"`
	DataDir           *string        `yaml:"data_dir" toml:"data_dir" flag:"data_dir"`
	LocalQuotaBytes   *int64         `yaml:"local_quota_bytes" toml:"local_quota_bytes" flag:"local_quota_bytes"`
	SessionQuotaBytes *int64         `yaml:"session_quota_bytes" toml:"session_quota_bytes" flag:"session_quota_bytes"`
	Postgres          PostgresConfig `yaml:"postgres" toml:"postgres"`
}

type PostgresConfig struct {
	DSN   *string `yaml:"dsn" toml:"dsn" flag:"postgres_dsn"`
	Table *string `yaml:"table" toml:"table" flag:"postgres_table"`
}

type CRMConfig struct {
	LeadsMaxAge       *string  `yaml:"leads_max_age" toml:"leads_max_age" flag:"crm_leads_max_age"`
	BackendLatency    *string  `yaml:"backend_latency" toml:"backend_latency" flag:"crm_backend_latency"`
	SessionTTL        *string  `yaml:"session_ttl" toml:"session_ttl" flag:"crm_session_ttl"`
	RevocationEntries *uint    `yaml:"revocation_entries" toml:"revocation_entries" flag:"crm_revocation_entries"`
	RevocationFPRate  *float64 `yaml:"revocation_fp_rate" toml:"revocation_fp_rate" flag:"crm_revocation_fp_rate"`
}

// Parse decodes a config file body; `format` is a file extension such as ".yaml".
func Parse(format string, data []byte) (*Config, error) {
	conf := new(Config)
	switch strings.ToLower(format) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse yaml config: %w", err)
		}
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(conf); err != nil {
			return nil, fmt.Errorf("failed to parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return conf, nil
}

// LoadFile reads and parses the config file at `path`, picking the format by extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(filepath.Ext(path), data)
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Debug("Config file not specified. Skipping config initialization.")
		return
	}
	conf, err := LoadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be used, we skip loading and use default flag values.
		slog.Error("Failed to load config file.", "path", *configFilePath, "error", err)
		return
	}

	explicitFlags := make(map[ /*flagName*/ string]bool)
	flag.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = true })
	if err := setConfigFlags(conf, explicitFlags); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}
