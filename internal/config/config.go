// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server controls the bridge's own HTTP listener.
type Server struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Backends lists the generation-server pool the bridge load-balances across.
type Backends struct {
	Addresses   []string      `mapstructure:"addresses"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// Session controls per-client session TTL sweep behaviour.
type Session struct {
	LimitTimeoutCount int           `mapstructure:"limit_timeout_count"`
	TimeoutInterval   time.Duration `mapstructure:"timeout_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// LifeSeconds is the derived session eviction window: limit_timeout_count * timeout_interval.
func (s Session) LifeSeconds() time.Duration {
	return time.Duration(s.LimitTimeoutCount) * s.TimeoutInterval
}

// Workflow locates the template directory and the persisted alias list.
type Workflow struct {
	Dir       string `mapstructure:"dir"`
	AliasFile string `mapstructure:"alias_file"`
}

// State locates the persisted generation-count document.
type State struct {
	File string `mapstructure:"file"`
}

// Upload controls the validation/staging pipeline.
type Upload struct {
	MaxSizeMiB         int               `mapstructure:"max_size_mib"`
	MimeExtensionMap   map[string]string `mapstructure:"mime_extension_map"`
	SuspiciousPatterns []string          `mapstructure:"suspicious_patterns"`
	RateLimitPerSec    float64           `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst     int               `mapstructure:"rate_limit_burst"`
	TmpDir             string            `mapstructure:"tmp_dir"`
	OrphanSweepCron    string            `mapstructure:"orphan_sweep_cron"`
	OrphanMaxAge       time.Duration     `mapstructure:"orphan_max_age"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// TracingConfig controls the optional OTLP exporter. Tracing stays off
// (Enabled: false) unless Enabled is set and an endpoint is given, since the
// bridge has no OTel collector to send to in a bare deployment.
type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Redis configures the optional fast-path cache backing the generation counter.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type Config struct {
	Server         Server         `mapstructure:"server"`
	Backends       Backends       `mapstructure:"backends"`
	Session        Session        `mapstructure:"session"`
	Workflow       Workflow       `mapstructure:"workflow"`
	State          State          `mapstructure:"state"`
	Upload         Upload         `mapstructure:"upload"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Redis          Redis          `mapstructure:"redis"`
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			Host:         "0.0.0.0",
			Port:         8188,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses (history, ws) must not be cut off
		},
		Backends: Backends{
			Addresses:   []string{"127.0.0.1:8288"},
			DialTimeout: 5 * time.Second,
			PollTimeout: 2 * time.Second,
		},
		Session: Session{
			LimitTimeoutCount: 10,
			TimeoutInterval:   3 * time.Second,
			SweepInterval:     3 * time.Second,
		},
		Workflow: Workflow{
			Dir:       "./workflows",
			AliasFile: "./workflow_alias.json",
		},
		State: State{
			File: "./current_state.json",
		},
		Upload: Upload{
			MaxSizeMiB: 100,
			MimeExtensionMap: map[string]string{
				"image/png":  ".png",
				"image/jpeg": ".jpg",
				"image/webp": ".webp",
			},
			SuspiciousPatterns: []string{
				"<script", "<?php", "#!/", "import ", "eval(", "exec(", "system(",
			},
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
			TmpDir:          os.TempDir(),
			OrphanSweepCron: "0 */6 * * *",
			OrphanMaxAge:    24 * time.Hour,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing: TracingConfig{
				Enabled:          false,
				Environment:      "development",
				SamplingStrategy: "probabilistic",
				SamplingRate:     0.1,
			},
		},
		Redis: Redis{
			Addr:    "localhost:6379",
			Enabled: false,
		},
	}
}

// Load reads configuration from a YAML file with env-var overrides, same
// convention as the job-queue system: BRIDGE_SERVER_PORT overrides
// server.port, dots become underscores.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)

	v.SetDefault("backends.addresses", def.Backends.Addresses)
	v.SetDefault("backends.dial_timeout", def.Backends.DialTimeout)
	v.SetDefault("backends.poll_timeout", def.Backends.PollTimeout)

	v.SetDefault("session.limit_timeout_count", def.Session.LimitTimeoutCount)
	v.SetDefault("session.timeout_interval", def.Session.TimeoutInterval)
	v.SetDefault("session.sweep_interval", def.Session.SweepInterval)

	v.SetDefault("workflow.dir", def.Workflow.Dir)
	v.SetDefault("workflow.alias_file", def.Workflow.AliasFile)

	v.SetDefault("state.file", def.State.File)

	v.SetDefault("upload.max_size_mib", def.Upload.MaxSizeMiB)
	v.SetDefault("upload.mime_extension_map", def.Upload.MimeExtensionMap)
	v.SetDefault("upload.suspicious_patterns", def.Upload.SuspiciousPatterns)
	v.SetDefault("upload.rate_limit_per_sec", def.Upload.RateLimitPerSec)
	v.SetDefault("upload.rate_limit_burst", def.Upload.RateLimitBurst)
	v.SetDefault("upload.tmp_dir", def.Upload.TmpDir)
	v.SetDefault("upload.orphan_sweep_cron", def.Upload.OrphanSweepCron)
	v.SetDefault("upload.orphan_max_age", def.Upload.OrphanMaxAge)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.environment", def.Observability.Tracing.Environment)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.enabled", def.Redis.Enabled)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Backends.Addresses) == 0 {
		return fmt.Errorf("backends.addresses must be non-empty")
	}
	if cfg.Session.LimitTimeoutCount < 1 {
		return fmt.Errorf("session.limit_timeout_count must be >= 1")
	}
	if cfg.Session.TimeoutInterval <= 0 {
		return fmt.Errorf("session.timeout_interval must be > 0")
	}
	if cfg.Upload.MaxSizeMiB <= 0 {
		return fmt.Errorf("upload.max_size_mib must be > 0")
	}
	if len(cfg.Upload.MimeExtensionMap) == 0 {
		return fmt.Errorf("upload.mime_extension_map must be non-empty")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
