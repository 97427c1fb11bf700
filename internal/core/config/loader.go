package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.UnmarshalStrict([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}

	o := &c.Oracle
	if o.ProofValidity == 0 {
		o.ProofValidity = domain.DefaultProofValidity
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = time.Minute
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.QueueSize == 0 {
		o.QueueSize = 256
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = 15 * time.Second
	}
	if o.RPCRetries == 0 {
		o.RPCRetries = 3
	}
	if o.ReceiptTimeout == 0 {
		o.ReceiptTimeout = 2 * time.Minute
	}
	if o.IssuanceRetries == 0 {
		o.IssuanceRetries = 3
	}
	if o.IssuanceBackoff == 0 {
		o.IssuanceBackoff = 2 * time.Second
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 30 * time.Second
	}

	c.Issuer = c.Issuer.WithDefaults()

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "bolt" && c.Storage.Path == "" {
		c.Storage.Path = "oracle.db"
	}

	for i := range c.Chains {
		if c.Chains[i].PollInterval == 0 {
			c.Chains[i].PollInterval = o.PollInterval
		}
	}
}

// Validate reports every problem found in the configuration.
func (c *AppConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Chains) == 0 {
		add("at least one chain must be configured")
	}
	seen := make(map[domain.ChainID]bool)
	for i, ch := range c.Chains {
		if ch.ID == "" {
			add("chains[%d]: id is required", i)
		} else if seen[ch.ID] {
			add("chains[%d]: duplicate id %q", i, ch.ID)
		} else if strings.Contains(string(ch.ID), ":") {
			add("chains[%d]: id %q must not contain ':'", i, ch.ID)
		}
		seen[ch.ID] = true

		if ch.RPCURL == "" {
			add("chain %s: rpc_url is required", ch.ID)
		}
		if ch.ChainID == 0 {
			add("chain %s: chain_id is required", ch.ID)
		}
		if !common.IsHexAddress(ch.BridgeAddress) {
			add("chain %s: invalid bridge_address %q", ch.ID, ch.BridgeAddress)
		}
		if !common.IsHexAddress(ch.VerifierAddress) {
			add("chain %s: invalid verifier_address %q", ch.ID, ch.VerifierAddress)
		}
		if ch.StartBlock != nil && *ch.StartBlock < 0 {
			add("chain %s: start_block must not be negative", ch.ID)
		}
		if ch.PollInterval < 0 {
			add("chain %s: poll_interval must be positive", ch.ID)
		}
	}

	o := c.Oracle
	if o.Signer.Key == "" && o.Signer.KeyFile == "" && o.Signer.KeyEnv == "" {
		add("oracle: one of signer_key, signer_key_file or signer_key_env is required")
	}
	for name, d := range map[string]time.Duration{
		"proof_validity":   o.ProofValidity,
		"poll_interval":    o.PollInterval,
		"max_backoff":      o.MaxBackoff,
		"rpc_timeout":      o.RPCTimeout,
		"receipt_timeout":  o.ReceiptTimeout,
		"issuance_backoff": o.IssuanceBackoff,
		"shutdown_timeout": o.ShutdownTimeout,
	} {
		if d <= 0 {
			add("oracle: %s must be positive", name)
		}
	}
	if o.Workers < 1 {
		add("oracle: workers must be at least 1")
	}
	if o.QueueSize < 1 {
		add("oracle: queue_size must be at least 1")
	}
	if o.IssuanceRetries < 0 {
		add("oracle: issuance_retries must not be negative")
	}

	if c.Issuer.IssuerAdminURL == "" {
		add("issuer: issuer_admin_url is required")
	}
	if c.Issuer.HolderAdminURL == "" {
		add("issuer: holder_admin_url is required")
	}
	if c.Issuer.CredentialDefinitionID == "" {
		add("issuer: credential_definition_id is required")
	}

	errs = append(errs, c.validateStorage()...)
	return errors.Join(errs...)
}

// ValidateStorage checks only the storage settings, for commands that do not
// talk to chains or agents.
func (c *AppConfig) ValidateStorage() error {
	return errors.Join(c.validateStorage()...)
}

func (c *AppConfig) validateStorage() []error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "bolt":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage: path is required for bolt"))
		}
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database: url is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	switch c.Storage.CursorDriver {
	case "", c.Storage.Driver:
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis: url is required for redis cursors"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown cursor_driver %q", c.Storage.CursorDriver))
	}
	return errs
}
