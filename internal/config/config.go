package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Environment variables that override secrets and endpoints from the config files.
const (
	EnvEthereumRPCURL      = "UNSEAL_ETH_RPC_URL"
	EnvBlockfrostProjectID = "UNSEAL_BLOCKFROST_PROJECT_ID"

	// EnvEthereumPrivateKey holds the hex key the relay signs Ethereum releases
	// with. It is read only from the environment, never from a config file.
	EnvEthereumPrivateKey = "UNSEAL_ETH_PRIVATE_KEY"
)

// Config holds application configuration.
type Config struct {
	// ConsensusThresholdPercent is the share of recipients that must approve a
	// consensus trigger when no explicit threshold is given (default 66).
	ConsensusThresholdPercent int `json:"consensus_threshold_percent"`

	// RetryMaxAttempts bounds chain adapter calls per coordinator operation.
	RetryMaxAttempts int `json:"retry_max_attempts"`

	// RetryBaseMS is the first backoff interval; it doubles on every attempt.
	RetryBaseMS int `json:"retry_base_ms"`

	// RetryMaxMS caps a single backoff interval.
	RetryMaxMS int `json:"retry_max_ms"`

	// RetryJitterPercent randomizes each interval by +/- this percentage.
	RetryJitterPercent int `json:"retry_jitter_percent"`

	// AdapterTimeoutMS bounds every single chain RPC call.
	AdapterTimeoutMS int `json:"adapter_timeout_ms"`

	// MaxFinalityChecks is how many times a source tx may be found not final
	// before the transfer fails with reason finality_timeout.
	MaxFinalityChecks int `json:"max_finality_checks"`

	// MaxDestinationChecks is how many times a submitted destination tx may be
	// found not final before the transfer fails with dest_finality_timeout.
	MaxDestinationChecks int `json:"max_destination_checks"`

	// RelayPollSeconds is the relay loop interval.
	RelayPollSeconds int `json:"relay_poll_seconds"`

	// RelayWorkers limits how many transfers the relay drives concurrently.
	RelayWorkers int `json:"relay_workers"`

	// MetricsAddr is where the relay serves /metrics and /healthz (empty disables it).
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty"`

	// LogFormat is "json" (default) or "console".
	LogFormat string `json:"log_format,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of type names to disable entirely.
	// Known types: "capsule", "trigger", "consensus", "transfer".
	DisabledTypes []string `json:"disabled_types,omitempty"`

	Ethereum EthereumConfig `json:"ethereum"`
	Cardano  CardanoConfig  `json:"cardano"`
}

// EthereumConfig configures the Ethereum ledger adapter and log feed.
type EthereumConfig struct {
	RPCURL        string `json:"rpc_url,omitempty"`
	BridgeAddress string `json:"bridge_address,omitempty"`
	Confirmations int    `json:"confirmations"`
	StartBlock    uint64 `json:"start_block,omitempty"`
	ChainID       int64  `json:"chain_id,omitempty"`
	GasLimit      uint64 `json:"gas_limit"`
}

// CardanoConfig configures the Blockfrost-backed Cardano adapter and feed.
type CardanoConfig struct {
	BlockfrostURL string `json:"blockfrost_url,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	Confirmations int    `json:"confirmations"`
	PolicyID      string `json:"policy_id,omitempty"`

	// BridgeMetadataLabel is the tx metadata label carrying burn-to-Ethereum requests.
	BridgeMetadataLabel string `json:"bridge_metadata_label"`

	// MintMetadataLabel is the tx metadata label the bridge attaches to mints,
	// recording the Ethereum source tx hash.
	MintMetadataLabel string `json:"mint_metadata_label"`

	// SignerCommand builds and signs mint transactions. It receives the mint
	// request as JSON on stdin and prints {"cbor_hex": ..., "tx_hash": ...}.
	SignerCommand string `json:"signer_command,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ConsensusThresholdPercent: 66,
		RetryMaxAttempts:          5,
		RetryBaseMS:               500,
		RetryMaxMS:                30000,
		RetryJitterPercent:        25,
		AdapterTimeoutMS:          15000,
		MaxFinalityChecks:         240,
		MaxDestinationChecks:      480,
		RelayPollSeconds:          15,
		RelayWorkers:              4,
		LogLevel:                  "info",
		LogFormat:                 "json",
		Ethereum: EthereumConfig{
			Confirmations: 12,
			GasLimit:      200000,
		},
		Cardano: CardanoConfig{
			Confirmations:       15,
			BridgeMetadataLabel: "1",
			MintMetadataLabel:   "0",
		},
	}
}

// AdapterTimeout returns the per-call chain RPC deadline.
func (c *Config) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutMS) * time.Millisecond
}

// RetryBase returns the first backoff interval.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// RetryMax returns the backoff cap.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

// RelayInterval returns the relay loop period.
func (c *Config) RelayInterval() time.Duration {
	return time.Duration(c.RelayPollSeconds) * time.Second
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ConsensusThresholdPercent < 1 || c.ConsensusThresholdPercent > 100 {
		result = multierror.Append(result, fmt.Errorf("consensus_threshold_percent must be in [1, 100], got %d", c.ConsensusThresholdPercent))
	}
	if c.RetryMaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("retry_max_attempts must be >= 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseMS <= 0 {
		result = multierror.Append(result, fmt.Errorf("retry_base_ms must be > 0, got %d", c.RetryBaseMS))
	}
	if c.RetryMaxMS < c.RetryBaseMS {
		result = multierror.Append(result, fmt.Errorf("retry_max_ms (%d) must be >= retry_base_ms (%d)", c.RetryMaxMS, c.RetryBaseMS))
	}
	if c.RetryJitterPercent < 0 || c.RetryJitterPercent > 100 {
		result = multierror.Append(result, fmt.Errorf("retry_jitter_percent must be in [0, 100], got %d", c.RetryJitterPercent))
	}
	if c.AdapterTimeoutMS <= 0 {
		result = multierror.Append(result, fmt.Errorf("adapter_timeout_ms must be > 0, got %d", c.AdapterTimeoutMS))
	}
	if c.MaxFinalityChecks < 1 {
		result = multierror.Append(result, fmt.Errorf("max_finality_checks must be >= 1, got %d", c.MaxFinalityChecks))
	}
	if c.MaxDestinationChecks < 1 {
		result = multierror.Append(result, fmt.Errorf("max_destination_checks must be >= 1, got %d", c.MaxDestinationChecks))
	}
	if c.RelayPollSeconds < 1 {
		result = multierror.Append(result, fmt.Errorf("relay_poll_seconds must be >= 1, got %d", c.RelayPollSeconds))
	}
	if c.RelayWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("relay_workers must be >= 1, got %d", c.RelayWorkers))
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		result = multierror.Append(result, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if c.Ethereum.Confirmations < 1 {
		result = multierror.Append(result, fmt.Errorf("ethereum.confirmations must be >= 1, got %d", c.Ethereum.Confirmations))
	}
	if c.Cardano.Confirmations < 1 {
		result = multierror.Append(result, fmt.Errorf("cardano.confirmations must be >= 1, got %d", c.Cardano.Confirmations))
	}

	return result.ErrorOrNil()
}

// ValidateRelay checks the settings only the relay daemon needs.
func (c *Config) ValidateRelay() error {
	var result *multierror.Error
	if err := c.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Ethereum.RPCURL == "" {
		result = multierror.Append(result, fmt.Errorf("ethereum.rpc_url is required (or set %s)", EnvEthereumRPCURL))
	}
	if c.Ethereum.BridgeAddress == "" {
		result = multierror.Append(result, errors.New("ethereum.bridge_address is required"))
	}
	if c.Cardano.BlockfrostURL == "" {
		result = multierror.Append(result, errors.New("cardano.blockfrost_url is required"))
	}
	if c.Cardano.ProjectID == "" {
		result = multierror.Append(result, fmt.Errorf("cardano.project_id is required (or set %s)", EnvBlockfrostProjectID))
	}
	return result.ErrorOrNil()
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.unseal.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadWithRepo loads configuration from both global (~/.unseal) and repo (.unseal) directories.
// Repo config is found by walking upward from startDir to find the nearest .unseal/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	cfg := Merge(Merge(DefaultConfig(), global), repo)
	applyEnv(cfg)
	return cfg, nil
}

// FindRepoConfig walks upward from startDir to find the nearest .unseal/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".unseal", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// applyEnv overrides endpoints and secrets from the environment.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvEthereumRPCURL)); v != "" {
		cfg.Ethereum.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBlockfrostProjectID)); v != "" {
		cfg.Cardano.ProjectID = v
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.ConsensusThresholdPercent = mergeInt(base.ConsensusThresholdPercent, overlay.ConsensusThresholdPercent)
	result.RetryMaxAttempts = mergeInt(base.RetryMaxAttempts, overlay.RetryMaxAttempts)
	result.RetryBaseMS = mergeInt(base.RetryBaseMS, overlay.RetryBaseMS)
	result.RetryMaxMS = mergeInt(base.RetryMaxMS, overlay.RetryMaxMS)
	result.RetryJitterPercent = mergeInt(base.RetryJitterPercent, overlay.RetryJitterPercent)
	result.AdapterTimeoutMS = mergeInt(base.AdapterTimeoutMS, overlay.AdapterTimeoutMS)
	result.MaxFinalityChecks = mergeInt(base.MaxFinalityChecks, overlay.MaxFinalityChecks)
	result.MaxDestinationChecks = mergeInt(base.MaxDestinationChecks, overlay.MaxDestinationChecks)
	result.RelayPollSeconds = mergeInt(base.RelayPollSeconds, overlay.RelayPollSeconds)
	result.RelayWorkers = mergeInt(base.RelayWorkers, overlay.RelayWorkers)
	result.DBMaxOpenConns = mergeInt(base.DBMaxOpenConns, overlay.DBMaxOpenConns)
	result.DBMaxIdleConns = mergeInt(base.DBMaxIdleConns, overlay.DBMaxIdleConns)
	result.MetricsAddr = mergeString(base.MetricsAddr, overlay.MetricsAddr)
	result.LogLevel = mergeString(base.LogLevel, overlay.LogLevel)
	result.LogFormat = mergeString(base.LogFormat, overlay.LogFormat)

	result.Ethereum = EthereumConfig{
		RPCURL:        mergeString(base.Ethereum.RPCURL, overlay.Ethereum.RPCURL),
		BridgeAddress: mergeString(base.Ethereum.BridgeAddress, overlay.Ethereum.BridgeAddress),
		Confirmations: mergeInt(base.Ethereum.Confirmations, overlay.Ethereum.Confirmations),
		StartBlock:    base.Ethereum.StartBlock,
		ChainID:       base.Ethereum.ChainID,
		GasLimit:      base.Ethereum.GasLimit,
	}
	if overlay.Ethereum.StartBlock != 0 {
		result.Ethereum.StartBlock = overlay.Ethereum.StartBlock
	}
	if overlay.Ethereum.ChainID != 0 {
		result.Ethereum.ChainID = overlay.Ethereum.ChainID
	}
	if overlay.Ethereum.GasLimit != 0 {
		result.Ethereum.GasLimit = overlay.Ethereum.GasLimit
	}

	result.Cardano = CardanoConfig{
		BlockfrostURL:       mergeString(base.Cardano.BlockfrostURL, overlay.Cardano.BlockfrostURL),
		ProjectID:           mergeString(base.Cardano.ProjectID, overlay.Cardano.ProjectID),
		Confirmations:       mergeInt(base.Cardano.Confirmations, overlay.Cardano.Confirmations),
		PolicyID:            mergeString(base.Cardano.PolicyID, overlay.Cardano.PolicyID),
		BridgeMetadataLabel: mergeString(base.Cardano.BridgeMetadataLabel, overlay.Cardano.BridgeMetadataLabel),
		MintMetadataLabel:   mergeString(base.Cardano.MintMetadataLabel, overlay.Cardano.MintMetadataLabel),
		SignerCommand:       mergeString(base.Cardano.SignerCommand, overlay.Cardano.SignerCommand),
	}

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func mergeInt(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func mergeString(base, overlay string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
