// Package config provides configuration loading for the wind-bot core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the bot process.
type Config struct {
	AgentDir   string           `mapstructure:"agent_dir" validate:"required"`
	BackendURL string           `mapstructure:"backend_url" validate:"omitempty,url"`
	Chain      ChainConfig      `mapstructure:"chain"`
	P2P        P2PConfig        `mapstructure:"p2p"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Backup     BackupConfig     `mapstructure:"backup"`
}

// ChainConfig holds RPC endpoint and contract bindings.
type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url" validate:"omitempty,url"`
	ChainID            int64  `mapstructure:"chain_id" validate:"gt=0"`
	RegistryAddress    string `mapstructure:"registry_address"`
	VaultAddress       string `mapstructure:"vault_address"`
	SettlementAddress  string `mapstructure:"settlement_address"`
	CollateralAddress  string `mapstructure:"collateral_address"`
	PrivateKeyHex      string `mapstructure:"private_key_hex"`
	ReceiptPollTimeout time.Duration `mapstructure:"receipt_poll_timeout"`
}

// P2PConfig holds transport, server and discovery configuration.
type P2PConfig struct {
	ListenHost         string        `mapstructure:"listen_host"`
	ListenPort         int           `mapstructure:"listen_port" validate:"gt=0"`
	PublicEndpoint     string        `mapstructure:"public_endpoint"`
	DiscoveryCacheTTL  time.Duration `mapstructure:"discovery_cache_ttl"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
	HealthConcurrency  int           `mapstructure:"health_concurrency" validate:"gt=0"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"gt=0"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// SettlementConfig holds the coordinator's retry and expiry envelope.
type SettlementConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" validate:"gt=0"`
	P2PTimeout         time.Duration `mapstructure:"p2p_timeout"`
	ArbitrationTimeout time.Duration `mapstructure:"arbitration_timeout"`
	ProposalExpiry     time.Duration `mapstructure:"proposal_expiry"`
}

// WatchdogConfig holds health sampling thresholds.
type WatchdogConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	HeartbeatStale    time.Duration `mapstructure:"heartbeat_stale"`
	ToolCallRateLimit float64       `mapstructure:"tool_call_rate_limit"`
	OutputStallAfter  time.Duration `mapstructure:"output_stall_after"`
	ErrorRateLimit    float64       `mapstructure:"error_rate_limit"`
}

// BackupConfig holds hot-standby configuration.
type BackupConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ReplicationInterval time.Duration `mapstructure:"replication_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/windbot")

	v.SetEnvPrefix("WINDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindSpecEnv(v)

	// Config file is optional; env + defaults are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Millisecond knobs arrive as bare integers; normalize them.
	cfg.normalizeMillis(v)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// bindSpecEnv binds the documented operational knobs under their literal
// names, without the WINDBOT_ prefix.
func bindSpecEnv(v *viper.Viper) {
	v.BindEnv("backup.enabled", "BACKUP_AGENT_ENABLED")
	v.BindEnv("p2p.discovery_cache_ttl_ms", "P2P_DISCOVERY_CACHE_TTL_MS")
	v.BindEnv("p2p.health_check_timeout_ms", "P2P_HEALTH_CHECK_TIMEOUT_MS")
	v.BindEnv("p2p.max_retries", "P2P_MAX_RETRIES")
	v.BindEnv("p2p.base_delay_ms", "P2P_BASE_DELAY_MS")
	v.BindEnv("p2p.max_delay_ms", "P2P_MAX_DELAY_MS")
	v.BindEnv("p2p.timeout_ms", "P2P_TIMEOUT_MS")
	v.BindEnv("settlement.max_retries", "SETTLEMENT_MAX_RETRIES")
	v.BindEnv("settlement.p2p_timeout_ms", "SETTLEMENT_P2P_TIMEOUT_MS")
	v.BindEnv("settlement.arbitration_timeout_ms", "SETTLEMENT_ARBITRATION_TIMEOUT_MS")
	v.BindEnv("settlement.proposal_expiry_seconds", "SETTLEMENT_PROPOSAL_EXPIRY_SECONDS")
	v.BindEnv("backend_url", "BACKEND_URL")
}

// normalizeMillis folds *_ms and *_seconds env knobs into the duration fields.
func (c *Config) normalizeMillis(v *viper.Viper) {
	if ms := v.GetInt64("p2p.discovery_cache_ttl_ms"); ms > 0 {
		c.P2P.DiscoveryCacheTTL = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("p2p.health_check_timeout_ms"); ms > 0 {
		c.P2P.HealthCheckTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("p2p.base_delay_ms"); ms > 0 {
		c.P2P.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("p2p.max_delay_ms"); ms > 0 {
		c.P2P.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("p2p.timeout_ms"); ms > 0 {
		c.P2P.Timeout = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("settlement.p2p_timeout_ms"); ms > 0 {
		c.Settlement.P2PTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := v.GetInt64("settlement.arbitration_timeout_ms"); ms > 0 {
		c.Settlement.ArbitrationTimeout = time.Duration(ms) * time.Millisecond
	}
	if s := v.GetInt64("settlement.proposal_expiry_seconds"); s > 0 {
		c.Settlement.ProposalExpiry = time.Duration(s) * time.Second
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent_dir", ".windbot")
	v.SetDefault("backend_url", "")

	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.receipt_poll_timeout", 90*time.Second)

	v.SetDefault("p2p.listen_host", "0.0.0.0")
	v.SetDefault("p2p.listen_port", 9944)
	v.SetDefault("p2p.discovery_cache_ttl", 60*time.Second)
	v.SetDefault("p2p.health_check_timeout", 5*time.Second)
	v.SetDefault("p2p.health_concurrency", 10)
	v.SetDefault("p2p.max_retries", 3)
	v.SetDefault("p2p.base_delay", 200*time.Millisecond)
	v.SetDefault("p2p.max_delay", 2*time.Second)
	v.SetDefault("p2p.timeout", 5*time.Second)

	v.SetDefault("settlement.max_retries", 3)
	v.SetDefault("settlement.p2p_timeout", 10*time.Second)
	v.SetDefault("settlement.arbitration_timeout", 30*time.Second)
	v.SetDefault("settlement.proposal_expiry", 10*time.Minute)

	v.SetDefault("watchdog.interval", 60*time.Second)
	v.SetDefault("watchdog.heartbeat_stale", 10*time.Minute)
	v.SetDefault("watchdog.tool_call_rate_limit", 60.0)
	v.SetDefault("watchdog.output_stall_after", 5*time.Minute)
	v.SetDefault("watchdog.error_rate_limit", 10.0)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.replication_interval", 30*time.Second)
	v.SetDefault("backup.health_check_interval", 10*time.Second)
}

// RetryPolicy returns the transport retry envelope as knobs for the retry package.
func (c P2PConfig) RetryPolicy() (maxAttempts int, base, max time.Duration) {
	return c.MaxRetries, c.BaseDelay, c.MaxDelay
}

// ListenAddr returns the host:port the P2P server binds.
func (c P2PConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}
