package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"redeemd/native/rewards"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for redeemd. It is constructed
// once at startup and passed by reference into each component constructor;
// nothing reads ambient globals.
type Config struct {
	ListenAddress   string       `yaml:"listen"`
	DatabasePath    string       `yaml:"database"`
	TokenSecret     string       `yaml:"token_secret"`
	TokenSecretEnv  string       `yaml:"token_secret_env"`
	TokenSecretFile string       `yaml:"token_secret_file"`
	AdminToken      string       `yaml:"admin_token"`
	Ledger          LedgerConfig `yaml:"ledger"`
	Pools           []PoolConfig `yaml:"pools"`
	Roles           []RoleConfig `yaml:"roles"`
	BalancePoll     Duration     `yaml:"balance_poll_interval"`
	LogLevel        string       `yaml:"log_level"`
}

// LedgerConfig configures the settlement client.
type LedgerConfig struct {
	Endpoint            string   `yaml:"endpoint"`
	AuthToken           string   `yaml:"auth_token"`
	OperatorKey         string   `yaml:"operator_key"`
	OperatorKeyEnv      string   `yaml:"operator_key_env"`
	OperatorKeyFile     string   `yaml:"operator_key_file"`
	CheckBalance        bool     `yaml:"check_balance"`
	MaxAttempts         int      `yaml:"max_attempts"`
	AttemptTimeout      Duration `yaml:"attempt_timeout"`
	OverallTimeout      Duration `yaml:"overall_timeout"`
	ConfirmPollInterval Duration `yaml:"confirm_poll_interval"`
	ConfirmationLevel   string   `yaml:"confirmation_level"`
	BasePriorityFee     uint64   `yaml:"base_priority_fee"`
	PriorityFeeStep     uint64   `yaml:"priority_fee_step"`
	ComputeLimit        uint64   `yaml:"compute_limit"`
	ComputeStep         uint64   `yaml:"compute_step"`
	SubmitRate          float64  `yaml:"submit_rate"`
}

// PoolConfig declares one reward pool.
type PoolConfig struct {
	ID          string    `yaml:"id"`
	DisplayName string    `yaml:"name"`
	Asset       string    `yaml:"asset"`
	Account     string    `yaml:"account"`
	Decimals    uint8     `yaml:"decimals"`
	Amounts     []float64 `yaml:"amounts"`
	Weights     []uint64  `yaml:"weights"`
}

// RoleConfig grants an actor a privilege level on one pool.
type RoleConfig struct {
	Pool  string `yaml:"pool"`
	Actor string `yaml:"actor"`
	Role  string `yaml:"role"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants the engine depends on at startup instead
// of at first redemption.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8095"
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database path required")
	}
	if strings.TrimSpace(c.Ledger.Endpoint) == "" {
		return fmt.Errorf("config: ledger endpoint required")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("config: at least one pool required")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		pool := c.Pools[i].toPool()
		if pool.ID == "" {
			return fmt.Errorf("config: pool %d missing id", i)
		}
		if seen[pool.ID] {
			return fmt.Errorf("config: duplicate pool %s", pool.ID)
		}
		seen[pool.ID] = true
		if strings.TrimSpace(c.Pools[i].Account) == "" {
			return fmt.Errorf("config: pool %s missing ledger account", pool.ID)
		}
		if err := pool.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	for i, role := range c.Roles {
		switch rewards.Role(role.Role) {
		case rewards.RoleNone, rewards.RoleElevated, rewards.RoleBypass:
		default:
			return fmt.Errorf("config: role %d has unknown level %q", i, role.Role)
		}
	}
	return nil
}

func (p *PoolConfig) toPool() *rewards.Pool {
	return &rewards.Pool{
		ID:          strings.TrimSpace(p.ID),
		DisplayName: strings.TrimSpace(p.DisplayName),
		Asset:       strings.TrimSpace(p.Asset),
		Account:     strings.TrimSpace(p.Account),
		Decimals:    p.Decimals,
		Amounts:     p.Amounts,
		Weights:     p.Weights,
	}
}

// resolveSecret resolves a secret from the inline value, an environment
// variable, or a file, in that order.
func resolveSecret(inline, envName, filePath string) (string, error) {
	if v := strings.TrimSpace(inline); v != "" {
		return v, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v, nil
		}
	}
	if filePath = strings.TrimSpace(filePath); filePath != "" {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("secret not configured")
}
