// Package config loads the engine configuration from YAML, with ${VAR}
// expansion and an optional .env file.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/agent-engine/internal/model"
)

// Config is the top-level engine configuration.
type Config struct {
	Service   ServiceConfig  `yaml:"service"`
	HTTP      HTTPConfig     `yaml:"http"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     RedisConfig    `yaml:"redis"`
	Journal   JournalConfig  `yaml:"journal"`
	Workers   WorkersConfig  `yaml:"workers"`
	Executor  ExecutorConfig `yaml:"executor"`
	Exit      ExitConfig     `yaml:"exit"`
	Risk      LimitsConfig   `yaml:"risk"`
	Users     []UserConfig   `yaml:"users"`
	AgentDefs []AgentConfig  `yaml:"agents"`
}

// ServiceConfig identifies the process.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
}

// HTTPConfig configures the operational HTTP server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL position store. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// RedisConfig configures the shared job store, user locks and the position
// cache. An empty URL runs single-process with in-memory equivalents.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Prefix   string        `yaml:"prefix"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// JournalConfig configures the job outcome journal. An empty path keeps
// the journal in memory.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	Count       int           `yaml:"count"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	IdleWait    time.Duration `yaml:"idle_wait"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// ExecutorConfig configures trade execution and the paper gateway.
type ExecutorConfig struct {
	Timeout        time.Duration   `yaml:"timeout"`
	SlippageBps    int64           `yaml:"slippage_bps"`
	ImpactBps      decimal.Decimal `yaml:"impact_bps"`
	MaxSlippageBps int64           `yaml:"max_slippage_bps"`
	Latency        time.Duration   `yaml:"latency"`
	Prices         []PriceConfig   `yaml:"prices"`
}

// PriceConfig seeds the paper price book.
type PriceConfig struct {
	Market  string          `yaml:"market"`
	Outcome string          `yaml:"outcome"`
	Price   decimal.Decimal `yaml:"price"`
}

// ExitConfig configures the exit evaluator.
type ExitConfig struct {
	Interval time.Duration `yaml:"interval"`
	Reemit   time.Duration `yaml:"reemit"` // 0 means 6 x interval
}

// LimitsConfig holds risk limits. Zero disables a check.
type LimitsConfig struct {
	MaxTradeAmount    decimal.Decimal `yaml:"max_trade_amount"`
	MaxMarketExposure decimal.Decimal `yaml:"max_market_exposure"`
	MaxTotalExposure  decimal.Decimal `yaml:"max_total_exposure"`
	Cooldown          time.Duration   `yaml:"cooldown"`
}

// UserConfig overrides limits for one user and sets its paper balance.
type UserConfig struct {
	ID                string           `yaml:"id"`
	MaxTradeAmount    *decimal.Decimal `yaml:"max_trade_amount"`
	MaxMarketExposure *decimal.Decimal `yaml:"max_market_exposure"`
	MaxTotalExposure  *decimal.Decimal `yaml:"max_total_exposure"`
	Cooldown          *time.Duration   `yaml:"cooldown"`
	Balance           *decimal.Decimal `yaml:"balance"`
}

// AgentConfig declares an agent and its exit rules.
type AgentConfig struct {
	ID                string           `yaml:"id"`
	UserID            string           `yaml:"user_id"`
	StopLossPercent   *decimal.Decimal `yaml:"stop_loss_percent"`
	TakeProfitPercent *decimal.Decimal `yaml:"take_profit_percent"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment. Defaults are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads the config and fills unset fields with defaults.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads an optional .env file from the working directory,
// then the config with defaults, and validates it.
func LoadAndValidate(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) user(id string) (UserConfig, bool) {
	for _, u := range c.Users {
		if u.ID == id {
			return u, true
		}
	}
	return UserConfig{}, false
}

// LimitsFor merges a user's overrides over the default limits.
func (c *Config) LimitsFor(userID string) model.RiskLimits {
	limits := model.RiskLimits{
		MaxTradeAmount:    c.Risk.MaxTradeAmount,
		MaxMarketExposure: c.Risk.MaxMarketExposure,
		MaxTotalExposure:  c.Risk.MaxTotalExposure,
		Cooldown:          c.Risk.Cooldown,
	}
	u, ok := c.user(userID)
	if !ok {
		return limits
	}
	if u.MaxTradeAmount != nil {
		limits.MaxTradeAmount = *u.MaxTradeAmount
	}
	if u.MaxMarketExposure != nil {
		limits.MaxMarketExposure = *u.MaxMarketExposure
	}
	if u.MaxTotalExposure != nil {
		limits.MaxTotalExposure = *u.MaxTotalExposure
	}
	if u.Cooldown != nil {
		limits.Cooldown = *u.Cooldown
	}
	return limits
}

// Limits implements risk.LimitsProvider.
func (c *Config) Limits(_ context.Context, userID string) (model.RiskLimits, error) {
	return c.LimitsFor(userID), nil
}

// Agents implements exit.AgentSource.
func (c *Config) Agents(_ context.Context) ([]model.Agent, error) {
	out := make([]model.Agent, 0, len(c.AgentDefs))
	for _, a := range c.AgentDefs {
		out = append(out, model.Agent{
			ID:                a.ID,
			UserID:            a.UserID,
			StopLossPercent:   a.StopLossPercent,
			TakeProfitPercent: a.TakeProfitPercent,
		})
	}
	return out, nil
}
