package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServiceName     = "agent-engine"
	DefaultLogLevel        = "info"
	DefaultHTTPAddr        = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultRedisPrefix     = "agent-engine"
	DefaultCacheTTL        = 30 * time.Second
	DefaultLockTTL         = 60 * time.Second
	DefaultWorkerCount     = 4
	DefaultConcurrency     = 8
	DefaultMaxRetries      = 5
	DefaultIdleWait        = 100 * time.Millisecond
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultExecTimeout     = 10 * time.Second
	DefaultExitInterval    = 10 * time.Second
)

func (c *Config) applyDefaults() {
	// Service defaults
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = DefaultLogLevel
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = DefaultReadTimeout
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = DefaultWriteTimeout
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Database defaults
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Redis defaults
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = DefaultCacheTTL
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = DefaultLockTTL
	}

	// Worker defaults
	if c.Workers.Count == 0 {
		c.Workers.Count = DefaultWorkerCount
	}
	if c.Workers.Concurrency == 0 {
		c.Workers.Concurrency = DefaultConcurrency
	}
	if c.Workers.MaxRetries == 0 {
		c.Workers.MaxRetries = DefaultMaxRetries
	}
	if c.Workers.IdleWait == 0 {
		c.Workers.IdleWait = DefaultIdleWait
	}
	if c.Workers.BackoffBase == 0 {
		c.Workers.BackoffBase = DefaultBackoffBase
	}
	if c.Workers.BackoffMax == 0 {
		c.Workers.BackoffMax = DefaultBackoffMax
	}

	// Executor defaults
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = DefaultExecTimeout
	}

	// Exit defaults
	if c.Exit.Interval == 0 {
		c.Exit.Interval = DefaultExitInterval
	}
}
