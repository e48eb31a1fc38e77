package config

import (
	"time"

	"github.com/vietddude/bastion/internal/breaker"
	"github.com/vietddude/bastion/internal/retry"
	"github.com/vietddude/bastion/internal/store/postgres"
	redisstore "github.com/vietddude/bastion/internal/store/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Store    StoreConfig       `yaml:"store"`
	Breaker  breaker.Config    `yaml:"breaker"`
	Retry    retry.Config      `yaml:"retry"`
	Budget   BudgetConfig      `yaml:"budget"`
	Workers  WorkerConfig      `yaml:"workers"`
	Logging  LoggingConfig     `yaml:"logging"`
	Circuits []CircuitOverride `yaml:"circuits"`
}

// StoreConfig selects and configures the state backend.
type StoreConfig struct {
	Backend  string            `yaml:"backend"` // memory, redis, postgres
	Redis    redisstore.Config `yaml:"redis"`
	Database postgres.Config   `yaml:"database"`
}

// BudgetConfig tunes per-tenant retry budgets.
type BudgetConfig struct {
	Cap               int           `yaml:"cap"`
	ReplenishInterval time.Duration `yaml:"replenish_interval"`
}

// WorkerConfig tunes the background loops.
type WorkerConfig struct {
	DLQExpiryInterval time.Duration `yaml:"dlq_expiry_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CircuitOverride tunes one provider's breaker away from the defaults.
type CircuitOverride struct {
	Provider string         `yaml:"provider"`
	TenantID string         `yaml:"tenant_id"`
	Region   string         `yaml:"region"`
	Engine   string         `yaml:"engine"`
	Resource string         `yaml:"resource"`
	Breaker  breaker.Config `yaml:"breaker"`
}
