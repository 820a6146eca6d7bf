package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service.name is required")
	}
	switch c.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of debug, info, warn, error, got %q", c.Service.LogLevel)
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}

	if c.Database.URL != "" {
		if c.Database.MaxConns < 1 {
			return errors.New("database.max_conns must be >= 1")
		}
		if c.Database.MinConns < 0 {
			return errors.New("database.min_conns must be >= 0")
		}
		if c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("database.min_conns (%d) cannot exceed max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
		}
	}

	if c.Workers.Count < 1 {
		return errors.New("workers.count must be >= 1")
	}
	if c.Workers.Concurrency < 1 {
		return errors.New("workers.concurrency must be >= 1")
	}
	if c.Workers.MaxRetries < 0 {
		return errors.New("workers.max_retries must be >= 0")
	}
	if c.Workers.BackoffMax < c.Workers.BackoffBase {
		return fmt.Errorf("workers.backoff_max (%s) cannot be less than backoff_base (%s)", c.Workers.BackoffMax, c.Workers.BackoffBase)
	}

	if c.Executor.Timeout <= 0 {
		return errors.New("executor.timeout must be > 0")
	}
	if c.Executor.SlippageBps < 0 || c.Executor.MaxSlippageBps < 0 || c.Executor.ImpactBps.IsNegative() {
		return errors.New("executor slippage settings must be >= 0")
	}
	for i, p := range c.Executor.Prices {
		if p.Market == "" || p.Outcome == "" {
			return fmt.Errorf("executor.prices[%d]: market and outcome are required", i)
		}
		if !p.Price.IsPositive() {
			return fmt.Errorf("executor.prices[%d]: price must be > 0", i)
		}
	}

	// A user lock must outlive the attempt it guards.
	if c.Redis.URL != "" && c.Redis.LockTTL <= c.Executor.Timeout {
		return fmt.Errorf("redis.lock_ttl (%s) must exceed executor.timeout (%s)", c.Redis.LockTTL, c.Executor.Timeout)
	}

	if err := c.Risk.validate("risk"); err != nil {
		return err
	}

	seenUsers := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if seenUsers[u.ID] {
			return fmt.Errorf("users[%d].id %q is duplicated", i, u.ID)
		}
		seenUsers[u.ID] = true
		for _, f := range []struct {
			name string
			v    *decimal.Decimal
		}{
			{"max_trade_amount", u.MaxTradeAmount},
			{"max_market_exposure", u.MaxMarketExposure},
			{"max_total_exposure", u.MaxTotalExposure},
			{"balance", u.Balance},
		} {
			if f.v != nil && f.v.IsNegative() {
				return fmt.Errorf("users[%d].%s must be >= 0", i, f.name)
			}
		}
		if u.Cooldown != nil && *u.Cooldown < 0 {
			return fmt.Errorf("users[%d].cooldown must be >= 0", i)
		}
	}

	seenAgents := make(map[string]bool, len(c.AgentDefs))
	for i, a := range c.AgentDefs {
		if a.ID == "" || a.UserID == "" {
			return fmt.Errorf("agents[%d]: id and user_id are required", i)
		}
		if seenAgents[a.ID] {
			return fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID)
		}
		seenAgents[a.ID] = true
		if a.StopLossPercent != nil && !a.StopLossPercent.IsPositive() {
			return fmt.Errorf("agents[%d].stop_loss_percent must be > 0", i)
		}
		if a.TakeProfitPercent != nil && !a.TakeProfitPercent.IsPositive() {
			return fmt.Errorf("agents[%d].take_profit_percent must be > 0", i)
		}
	}

	return nil
}

func (l *LimitsConfig) validate(prefix string) error {
	if l.MaxTradeAmount.IsNegative() {
		return fmt.Errorf("%s.max_trade_amount must be >= 0", prefix)
	}
	if l.MaxMarketExposure.IsNegative() {
		return fmt.Errorf("%s.max_market_exposure must be >= 0", prefix)
	}
	if l.MaxTotalExposure.IsNegative() {
		return fmt.Errorf("%s.max_total_exposure must be >= 0", prefix)
	}
	if l.Cooldown < 0 {
		return fmt.Errorf("%s.cooldown must be >= 0", prefix)
	}
	return nil
}
