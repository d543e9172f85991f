package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration tree loaded by cmd/engine. The
// opportunity package never reads this file or the process environment
// itself; cmd/engine loads this value once at startup and builds the
// engine's components from its sections.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	PriceAPI   PriceAPIConfig   `yaml:"price_api"`
	Engine     EngineConfig     `yaml:"engine"`
}

// ServerConfig configures the health/metrics HTTP listener owned by cmd/engine.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig represents the logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// MonitoringConfig represents the monitoring configuration.
type MonitoringConfig struct {
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// PrometheusConfig represents the Prometheus scrape endpoint configuration.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthCheckConfig represents the health check endpoint configuration.
type HealthCheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig represents the Redis configuration used for SafetyGate's
// circuit-breaker state persistence.
type RedisConfig struct {
	Addresses    []string      `yaml:"addresses"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig represents the Kafka producer configuration for intent
// dispatch.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	Timeout      time.Duration `yaml:"timeout"`
	Compression  string        `yaml:"compression"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// BlockchainConfig holds one entry per chain the engine scans.
type BlockchainConfig struct {
	Chains []ChainConfig `yaml:"chains"`
}

// ChainConfig describes a single chain's RPC endpoints, token universe
// and Chainlink feed registry. chainlink_feeds is keyed by token symbol
// and resolved against the tokens list.
type ChainConfig struct {
	ChainID           uint32            `yaml:"chain_id"`
	Name              string            `yaml:"name"`
	RPCURL            string            `yaml:"rpc_url"`
	BackupRPCURLs     []string          `yaml:"backup_rpc_urls"`
	Tokens            []TokenConfig     `yaml:"tokens"`
	Pools             []PoolConfig      `yaml:"pools"`
	V3QuoterAddr      string            `yaml:"v3_quoter_addr"`
	ChainlinkFeeds    map[string]string `yaml:"chainlink_feeds"`
	BlockTime         time.Duration     `yaml:"block_time"`
	NativeTokenSymbol string            `yaml:"native_token_symbol"`
}

// PoolConfig declares one liquidity pool the engine quotes on a chain.
// token0/token1 are symbols resolved against the chain's tokens list and
// must match the pool's on-chain token ordering.
type PoolConfig struct {
	Protocol   string `yaml:"protocol"` // v2 | v3 | stable
	Address    string `yaml:"address"`
	Token0     string `yaml:"token0"`
	Token1     string `yaml:"token1"`
	FeeBps     uint32 `yaml:"fee_bps"`
	StableI    int    `yaml:"stable_i"`
	StableJ    int    `yaml:"stable_j"`
	Underlying bool   `yaml:"underlying"`
}

// TokenConfig declares one token the engine scans on a chain: its
// canonical id, rotation tier (1 every tick, 2 every 2nd, 3 every 5th)
// and on-chain deployment address.
type TokenConfig struct {
	ID      uint8  `yaml:"id"`
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
	Tier    int    `yaml:"tier"`
}

// PriceAPIConfig points the price oracle's external HTTP fallback tier
// at a primary and backup simple-price endpoint.
type PriceAPIConfig struct {
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

// EngineConfig carries every tunable parameter named in the opportunity
// engine's external interface: admission thresholds, tick cadence, and
// the tier schedule governing how deep each scan goes.
type EngineConfig struct {
	MinProfitUSD                 float64            `yaml:"min_profit_usd"`
	MaxImpactBps                 int                `yaml:"max_impact_bps"`
	MaxTwapDevBps                int                `yaml:"max_twap_dev_bps"`
	MaxGasWeiPerChain            map[string]string  `yaml:"max_gas_wei_per_chain"`
	TVLShareCap                  float64            `yaml:"tvl_share_cap"`
	MaxConcurrentIntentsPerChain int                `yaml:"max_concurrent_intents_per_chain"`
	MaxConsecutiveFailures       int                `yaml:"max_consecutive_failures"`
	CooldownSecs                 int                `yaml:"cooldown_secs"`
	TickPeriodMs                 int                `yaml:"tick_period_ms"`
	TickBudgetMs                 int                `yaml:"tick_budget_ms"`
	TierSchedule                 TierScheduleConfig `yaml:"tier_schedule"`
	FingerprintCooldownMs        int                `yaml:"fingerprint_cooldown_ms"`
	MaxCandidatesPerTick         int                `yaml:"max_candidates_per_tick"`
	SpoolDir                     string             `yaml:"spool_dir"`
}

// TierScheduleConfig is the "scan every Nth tick" cadence for each of the
// three token tiers (stablecoins/majors, popular alts, long-tail);
// defaults to {t1: 1, t2: 2, t3: 5}.
type TierScheduleConfig struct {
	Tier1Every int `yaml:"t1"`
	Tier2Every int `yaml:"t2"`
	Tier3Every int `yaml:"t3"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.TickPeriodMs == 0 {
		cfg.Engine.TickPeriodMs = 3000
	}
	if cfg.Engine.TickBudgetMs == 0 {
		cfg.Engine.TickBudgetMs = 2000
	}
	if cfg.Engine.MaxCandidatesPerTick == 0 {
		cfg.Engine.MaxCandidatesPerTick = 20
	}
	if cfg.Engine.MaxConcurrentIntentsPerChain == 0 {
		cfg.Engine.MaxConcurrentIntentsPerChain = 3
	}
	if cfg.Engine.MaxConsecutiveFailures == 0 {
		cfg.Engine.MaxConsecutiveFailures = 10
	}
	if cfg.Engine.CooldownSecs == 0 {
		cfg.Engine.CooldownSecs = 60
	}
	if cfg.Engine.FingerprintCooldownMs == 0 {
		cfg.Engine.FingerprintCooldownMs = 5000
	}
	if cfg.Engine.SpoolDir == "" {
		cfg.Engine.SpoolDir = "./spool"
	}
	if cfg.Engine.TierSchedule.Tier1Every == 0 {
		cfg.Engine.TierSchedule.Tier1Every = 1
	}
	if cfg.Engine.TierSchedule.Tier2Every == 0 {
		cfg.Engine.TierSchedule.Tier2Every = 2
	}
	if cfg.Engine.TierSchedule.Tier3Every == 0 {
		cfg.Engine.TierSchedule.Tier3Every = 5
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "opportunity-intents"
	}
	if cfg.PriceAPI.TimeoutMs == 0 {
		cfg.PriceAPI.TimeoutMs = 500
	}
}
