package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the attribution service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Engine    EngineConfig    `yaml:"engine"`
	Tuning    TuningConfig    `yaml:"tuning"`
	Campaigns CampaignsConfig `yaml:"campaigns"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig tunes identity resolution.
type ResolverConfig struct {
	// LookbackWindow bounds device-hash matching to recent journeys.
	LookbackWindow time.Duration `yaml:"lookbackWindow"`
}

// EngineConfig controls attribution computation.
type EngineConfig struct {
	Workers   int           `yaml:"workers"`
	ResultTTL time.Duration `yaml:"resultTTL"`
}

// TuningConfig holds the model parameters that operators adjust between runs.
// This section is hot-reloadable; see Loader.
type TuningConfig struct {
	TimeDecayHalfLife   time.Duration `yaml:"timeDecayHalfLife"`
	PositionFirstWeight float64       `yaml:"positionFirstWeight"`
	PositionLastWeight  float64       `yaml:"positionLastWeight"`
	BiasThreshold       float64       `yaml:"biasThreshold"`
	MinValidationSample int           `yaml:"minValidationSample"`
}

// CampaignsConfig configures the campaign collaborator client supplying cost
// and date-range reference data.
type CampaignsConfig struct {
	BaseURL  string        `yaml:"baseURL"`
	CostPath string        `yaml:"costPath"`
	Timeout  time.Duration `yaml:"timeout"`
	CostTTL  time.Duration `yaml:"costTTL"`
}

// CacheConfig controls the optional Valkey-backed result cache tier.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// BatchConfig schedules the aggregation and validation jobs.
type BatchConfig struct {
	AggregationInterval time.Duration `yaml:"aggregationInterval"`
	ValidationInterval  time.Duration `yaml:"validationInterval"`
	UnitTimeout         time.Duration `yaml:"unitTimeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ATTRIBUTION_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Path: "data/attribution.db"},
		Resolver: ResolverConfig{
			LookbackWindow: 30 * 24 * time.Hour,
		},
		Engine: EngineConfig{
			Workers:   4,
			ResultTTL: 10 * time.Minute,
		},
		Tuning: TuningConfig{
			TimeDecayHalfLife:   7 * 24 * time.Hour,
			PositionFirstWeight: 0.4,
			PositionLastWeight:  0.4,
			BiasThreshold:       0.10,
			MinValidationSample: 30,
		},
		Campaigns: CampaignsConfig{
			CostPath: "/api/v1/campaigns/cost",
			Timeout:  5 * time.Second,
			CostTTL:  5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Batch: BatchConfig{
			AggregationInterval: time.Hour,
			ValidationInterval:  6 * time.Hour,
			UnitTimeout:         2 * time.Minute,
		},
	}
}

func (c *Config) validate() error {
	if c.Resolver.LookbackWindow <= 0 {
		return fmt.Errorf("resolver lookback window must be positive")
	}
	if c.Tuning.TimeDecayHalfLife <= 0 {
		return fmt.Errorf("time-decay half life must be positive")
	}
	if frac := c.Tuning.PositionFirstWeight + c.Tuning.PositionLastWeight; frac <= 0 || frac >= 1 {
		return fmt.Errorf("position first+last weights must fall inside (0, 1), got %.2f", frac)
	}
	if c.Tuning.MinValidationSample <= 0 {
		return fmt.Errorf("minimum validation sample must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATTRIBUTION_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ATTRIBUTION_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ATTRIBUTION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ATTRIBUTION_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ATTRIBUTION_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ATTRIBUTION_LOOKBACK_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.LookbackWindow = d
		}
	}
	if v := os.Getenv("ATTRIBUTION_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("ATTRIBUTION_HALF_LIFE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tuning.TimeDecayHalfLife = d
		}
	}
	if v := os.Getenv("ATTRIBUTION_MIN_VALIDATION_SAMPLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tuning.MinValidationSample = n
		}
	}
	if v := os.Getenv("ATTRIBUTION_CAMPAIGNS_BASE_URL"); v != "" {
		cfg.Campaigns.BaseURL = v
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("ATTRIBUTION_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("ATTRIBUTION_AGGREGATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.AggregationInterval = d
		}
	}
	if v := os.Getenv("ATTRIBUTION_VALIDATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.ValidationInterval = d
		}
	}
	if v := os.Getenv("ATTRIBUTION_BATCH_UNIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.UnitTimeout = d
		}
	}
}
