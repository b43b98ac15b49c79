// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/artifact"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/sandbox"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Log     LogConfig         `yaml:"log"`
	Storage StorageConfig     `yaml:"storage"`
	Kafka   KafkaConfig       `yaml:"kafka"`
	S3      artifact.S3Config `yaml:"s3"`
	Sandbox SandboxConfig     `yaml:"sandbox"`
	Runs    RunsConfig        `yaml:"runs"`
	Market  MarketConfig      `yaml:"market"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// StorageConfig selects the backing store. DatabaseURL wins over
// SQLitePath; with neither set an in-memory store is used.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// KafkaConfig enables event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // comma-separated
}

// SandboxConfig holds execution limits and host settings.
type SandboxConfig struct {
	Limits       sandbox.Limits `yaml:"limits"`
	RootDir      string         `yaml:"root_dir"`
	DockerBinary string         `yaml:"docker_binary"`
}

// RunsConfig controls the run pipeline around the sandbox.
type RunsConfig struct {
	Workers           int           `yaml:"workers"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StaleGrace        time.Duration `yaml:"stale_grace"`
	SubmitRPS         float64       `yaml:"submit_rps"`
	SubmitBurst       int           `yaml:"submit_burst"`
}

// MarketConfig holds market defaults and stake caps. A zero cap disables it.
type MarketConfig struct {
	InitialLiquidity  float64 `yaml:"initial_liquidity"`
	MaxStakePerBet    float64 `yaml:"max_stake_per_bet"`
	MaxAgentStake     float64 `yaml:"max_agent_stake"`
	MaxStakePerMarket float64 `yaml:"max_stake_per_market"`
}

// Load reads the optional YAML file at path, then .env, then environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose environment variable is set.
func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &cfg.Server.Port)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("REDIS_URL", &cfg.Storage.RedisURL)

	str("KAFKA_BROKERS", &cfg.Kafka.Brokers)

	str("S3_BUCKET", &cfg.S3.Bucket)
	str("S3_REGION", &cfg.S3.Region)
	str("S3_ENDPOINT", &cfg.S3.Endpoint)
	str("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.S3.SecretKey)
	str("S3_PREFIX", &cfg.S3.Prefix)
	if v, ok := os.LookupEnv("S3_FORCE_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: S3_FORCE_PATH_STYLE: %w", err))
		} else {
			cfg.S3.ForcePathStyle = b
		}
	}

	duration("SANDBOX_TIMEOUT", &cfg.Sandbox.Limits.Timeout)
	str("SANDBOX_IMAGE", &cfg.Sandbox.Limits.Image)
	str("SANDBOX_ROOT_DIR", &cfg.Sandbox.RootDir)
	str("SANDBOX_DOCKER_BINARY", &cfg.Sandbox.DockerBinary)
	num("SANDBOX_CPUS", &cfg.Sandbox.Limits.CPUs)
	if v, ok := os.LookupEnv("SANDBOX_MEMORY_MB"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SANDBOX_MEMORY_MB: %w", err))
		} else {
			cfg.Sandbox.Limits.MemoryBytes = n << 20
		}
	}

	integer("RUN_WORKERS", &cfg.Runs.Workers)
	num("RUN_SUBMIT_RPS", &cfg.Runs.SubmitRPS)

	num("MARKET_INITIAL_LIQUIDITY", &cfg.Market.InitialLiquidity)
	num("MARKET_MAX_STAKE_PER_BET", &cfg.Market.MaxStakePerBet)
	num("MARKET_MAX_AGENT_STAKE", &cfg.Market.MaxAgentStake)
	num("MARKET_MAX_STAKE_PER_MARKET", &cfg.Market.MaxStakePerMarket)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("45s") or plain seconds ("45").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// setDefaults fills unset fields.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 5 * time.Minute
	}
	if cfg.Storage.LockTTL <= 0 {
		cfg.Storage.LockTTL = 10 * time.Second
	}

	def := sandbox.DefaultLimits()
	l := &cfg.Sandbox.Limits
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = def.MemoryBytes
	}
	if l.CPUs <= 0 {
		l.CPUs = def.CPUs
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = def.PidsLimit
	}
	if l.TmpfsBytes <= 0 {
		l.TmpfsBytes = def.TmpfsBytes
	}
	if l.User == "" {
		l.User = def.User
	}
	if l.Image == "" {
		l.Image = def.Image
	}
	if l.Interpreter == "" {
		l.Interpreter = def.Interpreter
	}
	if l.EntryPoint == "" {
		l.EntryPoint = def.EntryPoint
	}
	if l.OutputMaxBytes <= 0 {
		l.OutputMaxBytes = def.OutputMaxBytes
	}
	if cfg.Sandbox.DockerBinary == "" {
		cfg.Sandbox.DockerBinary = "docker"
	}

	if cfg.Runs.Workers <= 0 {
		cfg.Runs.Workers = 4
	}
	if cfg.Runs.ReconcileInterval <= 0 {
		cfg.Runs.ReconcileInterval = time.Minute
	}
	if cfg.Runs.StaleGrace <= 0 {
		cfg.Runs.StaleGrace = 2 * time.Minute
	}
	if cfg.Runs.SubmitRPS <= 0 {
		cfg.Runs.SubmitRPS = 0.2
	}
	if cfg.Runs.SubmitBurst <= 0 {
		cfg.Runs.SubmitBurst = 3
	}

	if cfg.Market.InitialLiquidity <= 0 {
		cfg.Market.InitialLiquidity = 1000
	}
	if cfg.Market.MaxStakePerBet == 0 {
		cfg.Market.MaxStakePerBet = 10000
	}
	if cfg.Market.MaxAgentStake == 0 {
		cfg.Market.MaxAgentStake = 100
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("config: invalid port %q", c.Server.Port))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("config: log format must be json or text, got %q", c.Log.Format))
	}
	if c.Market.MaxStakePerBet < 0 || c.Market.MaxAgentStake < 0 || c.Market.MaxStakePerMarket < 0 {
		errs = append(errs, errors.New("config: stake caps must not be negative"))
	}
	if c.Sandbox.Limits.CPUs > 64 {
		errs = append(errs, fmt.Errorf("config: sandbox cpus %.2f out of range", c.Sandbox.Limits.CPUs))
	}
	if c.S3.AccessKey != "" && c.S3.SecretKey == "" {
		errs = append(errs, errors.New("config: S3 secret key required with access key"))
	}
	return errors.Join(errs...)
}

// StaleAfter is how long a run may stay non-terminal before the reconciler
// fails it.
func (c *Config) StaleAfter() time.Duration {
	return c.Sandbox.Limits.Timeout + c.Runs.StaleGrace
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}

// NewLogger builds the process logger described by c.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
