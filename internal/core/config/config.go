package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
	"github.com/vietddude/bridge-oracle/internal/infra/issuer"
	redisclient "github.com/vietddude/bridge-oracle/internal/infra/redis"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Oracle   OracleConfig       `yaml:"oracle"`
	Issuer   issuer.Config      `yaml:"issuer"`
	Storage  StorageConfig      `yaml:"storage"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Chains   []ChainConfig      `yaml:"chains"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // -1 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // also write to this rotated file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// OracleConfig holds the relayer settings shared by every chain.
type OracleConfig struct {
	Signer          signer.Config `yaml:",inline"`
	ProofValidity   time.Duration `yaml:"proof_validity"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	RPCRetries      int           `yaml:"rpc_retries"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout"`
	IssuanceRetries int           `yaml:"issuance_retries"`
	IssuanceBackoff time.Duration `yaml:"issuance_backoff"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// VerifyOnChain makes proof lookups also ask the target verifier.
	VerifyOnChain bool `yaml:"verify_on_chain"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	Driver       string `yaml:"driver"`        // memory, bolt, postgres
	Path         string `yaml:"path"`          // bolt file
	CursorDriver string `yaml:"cursor_driver"` // "" (same as driver) or redis
}

// ChainConfig holds settings for one bridged chain.
type ChainConfig struct {
	ID              domain.ChainID `yaml:"id"`
	RPCURL          string         `yaml:"rpc_url"`
	FallbackRPCURLs []string       `yaml:"fallback_rpc_urls"`
	ChainID         uint64         `yaml:"chain_id"`
	BridgeAddress   string         `yaml:"bridge_address"`
	VerifierAddress string         `yaml:"verifier_address"`
	// StartBlock is the first block to scan when no cursor is persisted.
	StartBlock    *int64 `yaml:"start_block"`
	StartFromHead bool   `yaml:"start_from_head"`
	Confirmations uint64 `yaml:"confirmations"`
	MaxBlockRange uint64 `yaml:"max_block_range"` // 0 = unlimited
	GasLimitCap   uint64 `yaml:"gas_limit_cap"`   // 0 = no cap
	// PollInterval overrides oracle.poll_interval for this chain.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Endpoint converts the chain settings into the domain form.
func (c ChainConfig) Endpoint() domain.ChainEndpoint {
	return domain.ChainEndpoint{
		ID:                 c.ID,
		RPCURL:             c.RPCURL,
		NumericChainID:     c.ChainID,
		BridgeAddress:      common.HexToAddress(c.BridgeAddress),
		VerifierAddress:    common.HexToAddress(c.VerifierAddress),
		LastProcessedBlock: c.InitialCursor(),
	}
}

// InitialCursor is the cursor a watcher starts from when nothing is persisted:
// one before start_block, or -1 when start_block is unset.
func (c ChainConfig) InitialCursor() int64 {
	if c.StartBlock == nil || *c.StartBlock <= 0 {
		return domain.NoBlockProcessed
	}
	return *c.StartBlock - 1
}

// RPCURLs returns the primary URL followed by the fallbacks.
func (c ChainConfig) RPCURLs() []string {
	return append([]string{c.RPCURL}, c.FallbackRPCURLs...)
}

// Chain returns the config of chain id.
func (c *AppConfig) Chain(id domain.ChainID) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
