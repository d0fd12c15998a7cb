package config

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Tasks  TasksConfig  `yaml:"tasks"`
	Export ExportConfig `yaml:"export"`
	Minio  MinioConfig  `yaml:"minio"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DataConfig configures the shared parquet execution engine. ScanWorkers and
// BatchSize are fixed once at process start; the scans themselves are
// read-only and safe to run concurrently.
type DataConfig struct {
	Dir         string `yaml:"dir"`
	ScanWorkers int    `yaml:"scan_workers"`
	BatchSize   int    `yaml:"batch_size"`
}

type CacheConfig struct {
	Disabled          bool `yaml:"disabled"`
	MaxEntries        int  `yaml:"max_entries"`
	SearchTTLMinutes  int  `yaml:"search_ttl_minutes"`
	OptionsTTLMinutes int  `yaml:"options_ttl_minutes"`
}

type TasksConfig struct {
	Workers             int    `yaml:"workers"`
	MaxRetries          int    `yaml:"max_retries"`
	RetryBackoffSeconds int    `yaml:"retry_backoff_seconds"`
	MaxRecords          int    `yaml:"max_records"`
	ExportDir           string `yaml:"export_dir"`
}

type ExportConfig struct {
	BatchSize      int  `yaml:"batch_size"`
	RetryAttempts  int  `yaml:"retry_attempts"`
	RetryBackoffMS int  `yaml:"retry_backoff_ms"`
	IncludeBOM     bool `yaml:"include_bom"`
}

// MinioConfig enables uploading finished export artifacts to object storage.
type MinioConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "data/parquet"
	}
	if cfg.Data.ScanWorkers == 0 {
		cfg.Data.ScanWorkers = runtime.NumCPU()
	}
	if cfg.Data.BatchSize == 0 {
		cfg.Data.BatchSize = 4096
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 512
	}
	if cfg.Cache.SearchTTLMinutes == 0 {
		cfg.Cache.SearchTTLMinutes = 5
	}
	if cfg.Cache.OptionsTTLMinutes == 0 {
		cfg.Cache.OptionsTTLMinutes = 360
	}
	if cfg.Tasks.Workers == 0 {
		cfg.Tasks.Workers = 4
	}
	if cfg.Tasks.MaxRetries == 0 {
		cfg.Tasks.MaxRetries = 2
	}
	if cfg.Tasks.RetryBackoffSeconds == 0 {
		cfg.Tasks.RetryBackoffSeconds = 30
	}
	if cfg.Tasks.MaxRecords == 0 {
		cfg.Tasks.MaxRecords = 500
	}
	if cfg.Tasks.ExportDir == "" {
		cfg.Tasks.ExportDir = "exports"
	}
	if cfg.Export.BatchSize == 0 {
		cfg.Export.BatchSize = 1000
	}
	if cfg.Export.RetryAttempts == 0 {
		cfg.Export.RetryAttempts = 3
	}
	if cfg.Export.RetryBackoffMS == 0 {
		cfg.Export.RetryBackoffMS = 500
	}
}
