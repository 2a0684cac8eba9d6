// Copyright 2025 Certen Protocol
//
// Anchor Configuration Loader
//
// Secondary, optional configuration surface for the Trust-Anchor Client:
// a YAML file carrying the gas and event-watcher tuning the plain
// env-var Config does not need to expose. ${VAR} and ${VAR:-default}
// references in the file are resolved against the process environment
// before parsing, so one file can serve several deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnchorConfig holds Trust-Anchor Client tuning loaded from YAML.
type AnchorConfig struct {
	Environment string `yaml:"environment"`

	Contract ContractSettings `yaml:"contract"`
	Network  EthereumSettings `yaml:"network"`
	Gas      GasSettings      `yaml:"gas"`
	Events   EventSettings    `yaml:"events"`
}

// ContractSettings identifies the on-chain anchor contract.
type ContractSettings struct {
	Address         string `yaml:"address"`
	ChainID         int64  `yaml:"chain_id"`
	DeploymentBlock int64  `yaml:"deployment_block"`
}

// EthereumSettings carries the RPC endpoint the anchor client submits
// root hashes through.
type EthereumSettings struct {
	RPCURL             string   `yaml:"rpc_url"`
	RPCTimeout         Duration `yaml:"rpc_timeout"`
	MaxConnections     int      `yaml:"max_connections"`
	MaxIdleConnections int      `yaml:"max_idle_connections"`
}

// GasSettings contains gas management configuration for root-hash
// submission transactions.
type GasSettings struct {
	MaxGasPriceGwei    int64   `yaml:"max_gas_price_gwei"`
	GasLimitAnchor     int64   `yaml:"gas_limit_anchor"`
	EIP1559Enabled     bool    `yaml:"eip1559_enabled"`
	MaxPriorityFeeGwei int64   `yaml:"max_priority_fee_gwei"`
	GasPriceMultiplier float64 `yaml:"gas_price_multiplier"`
}

// EventSettings contains event-watcher configuration for observing the
// anchor contract's confirmation events.
type EventSettings struct {
	Enabled            bool     `yaml:"enabled"`
	PollInterval       Duration `yaml:"poll_interval"`
	ConfirmationBlocks int      `yaml:"confirmation_blocks"`
}

// Duration reads Go duration strings ("30s", "1m30s") from YAML.
type Duration time.Duration

// UnmarshalYAML parses the scalar node's text as a time.Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// expandEnv resolves ${VAR} and ${VAR:-default} references against the
// process environment. An unset variable with no default expands to the
// empty string, which Validate then reports as missing.
func expandEnv(content string) string {
	return os.Expand(content, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// LoadAnchorConfig reads and parses the YAML file at path, expanding
// environment references first and filling defaults afterward.
func LoadAnchorConfig(path string) (*AnchorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg AnchorConfig
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (c *AnchorConfig) fillDefaults() {
	if c.Gas.MaxGasPriceGwei == 0 {
		c.Gas.MaxGasPriceGwei = 100
	}
	if c.Gas.GasLimitAnchor == 0 {
		c.Gas.GasLimitAnchor = 300000
	}
	if c.Gas.GasPriceMultiplier == 0 {
		c.Gas.GasPriceMultiplier = 1.1
	}
	if c.Network.RPCTimeout == 0 {
		c.Network.RPCTimeout = Duration(30 * time.Second)
	}
	if c.Network.MaxConnections == 0 {
		c.Network.MaxConnections = 10
	}
	if c.Events.PollInterval == 0 {
		c.Events.PollInterval = Duration(15 * time.Second)
	}
	if c.Events.ConfirmationBlocks == 0 {
		c.Events.ConfirmationBlocks = 12
	}
}

// Validate checks the fields required to submit real transactions.
func (c *AnchorConfig) Validate() error {
	var errs []string
	if c.Contract.Address == "" {
		errs = append(errs, "contract.address is required")
	}
	if c.Contract.ChainID == 0 {
		errs = append(errs, "contract.chain_id is required")
	}
	if c.Network.RPCURL == "" {
		errs = append(errs, "network.rpc_url is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("anchor configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MaxGasPriceWei returns the configured gas-price ceiling in wei.
func (c *AnchorConfig) MaxGasPriceWei() int64 {
	return c.Gas.MaxGasPriceGwei * 1_000_000_000
}
