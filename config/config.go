// Package config loads the incentive engine's configuration: a YAML file,
// then .env and process environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Rules     RulesConfig     `yaml:"rules"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// Path of the SQLite database; ":memory:" for a throwaway store.
	Path string `yaml:"path" validate:"required"`
}

type EngineConfig struct {
	MinPaidBills     int64         `yaml:"min_paid_bills" validate:"min=1"`
	RuleCacheSize    int           `yaml:"rule_cache_size" validate:"min=1"`
	RuleCacheTTL     time.Duration `yaml:"rule_cache_ttl" validate:"min=0"`
	LeaderboardLimit int           `yaml:"leaderboard_limit" validate:"min=1"`
	BatchConcurrency int           `yaml:"batch_concurrency" validate:"min=1"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"required_if=Enabled true"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type RedisConfig struct {
	// Addr empty means batch locks are held in-process.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

type LogConfig struct {
	Mode string `yaml:"mode" validate:"oneof=dev prod"`
}

type RulesConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Store: StoreConfig{Path: "./data/incentives.db"},
		Engine: EngineConfig{
			MinPaidBills:     2,
			RuleCacheSize:    256,
			RuleCacheTTL:     5 * time.Minute,
			LeaderboardLimit: 100,
			BatchConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Hour,
			LockTTL:  30 * time.Minute,
		},
		Log: LogConfig{Mode: "prod"},
	}
}

// Load reads path (optional; "" or a missing file keeps the defaults),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q (value %v)", verrs[0].Namespace(), verrs[0].Tag(), verrs[0].Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_MODE"); v != "" {
		c.Log.Mode = v
	}
	if v := os.Getenv("MIN_PAID_BILLS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MIN_PAID_BILLS: %w", err)
		}
		c.Engine.MinPaidBills = n
	}
	if v := os.Getenv("RULES_SEED_FILE"); v != "" {
		c.Rules.SeedFile = v
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
