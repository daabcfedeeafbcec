package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the process configuration. Trading parameters live in the
// database (storage.BotConfig) and are reloaded every tick; this only holds
// what is needed to start the daemon.
type Config struct {
	RPCURL            string `mapstructure:"rpc_url"`
	DatabasePath      string `mapstructure:"database_path"`
	ListenAddr        string `mapstructure:"listen_addr"`
	MasterKey         string `mapstructure:"master_key"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`

	Log        LogSettings     `mapstructure:"log"`
	APIs       APISettings     `mapstructure:"apis"`
	Trading    TradingSettings `mapstructure:"trading"`
	Engine     EngineSettings  `mapstructure:"engine"`
	RateLimits RateLimits      `mapstructure:"rate_limits"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Telegram   TelegramConfig  `mapstructure:"telegram"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

type APISettings struct {
	JupiterQuoteURL     string   `mapstructure:"jupiter_quote_url"`
	JupiterSwapURL      string   `mapstructure:"jupiter_swap_url"`
	JupiterPriceURL     string   `mapstructure:"jupiter_price_url"`
	RaydiumAPIURL       string   `mapstructure:"raydium_api_url"`
	DexScreenerURL      string   `mapstructure:"dexscreener_url"`
	BirdeyeURL          string   `mapstructure:"birdeye_url"`
	BirdeyeAPIKey       string   `mapstructure:"birdeye_api_key"`
	BirdeyeFallbackKeys []string `mapstructure:"birdeye_fallback_keys"`
}

type TradingSettings struct {
	UseJito             bool   `mapstructure:"use_jito"`
	JitoBlockEngineURL  string `mapstructure:"jito_block_engine_url"`
	JitoTipLamports     uint64 `mapstructure:"jito_tip_lamports"`
	PriorityFeeLamports int64  `mapstructure:"priority_fee_lamports"`
	PrivacyRouting      bool   `mapstructure:"privacy_routing"`
}

type EngineSettings struct {
	TickPeriodMs              int    `mapstructure:"tick_period_ms"`
	BuyConcurrency            int    `mapstructure:"buy_concurrency"`
	SellConcurrency           int    `mapstructure:"sell_concurrency"`
	FeeReserveLamports        uint64 `mapstructure:"fee_reserve_lamports"`
	HolderScanIntervalSeconds int    `mapstructure:"holder_scan_interval_seconds"`
	HolderScanTimeoutSeconds  int    `mapstructure:"holder_scan_timeout_seconds"`
	FundingCacheTTLSeconds    int    `mapstructure:"funding_cache_ttl_seconds"`
	MintInfoTTLSeconds        int    `mapstructure:"mint_info_ttl_seconds"`
	PriceLastKnownTTLSeconds  int    `mapstructure:"price_last_known_ttl_seconds"`
	EventRetentionHours       int    `mapstructure:"event_retention_hours"`
}

type RateLimits struct {
	RPCConcurrency int `mapstructure:"rpc_concurrency"`
	RPCSpacingMs   int `mapstructure:"rpc_spacing_ms"`
	MaxRetries     int `mapstructure:"max_retries"`
	BackoffBaseMs  int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int `mapstructure:"backoff_max_ms"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Channel   string `mapstructure:"channel"`
	RecentMax int    `mapstructure:"recent_max"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// EnvPrefix prefixes environment overrides, e.g. ULTIBOT_ENGINE_TICK_PERIOD_MS
const EnvPrefix = "ULTIBOT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("database_path", "ultibot.db")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("master_key", "")
	v.SetDefault("admin_password_hash", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("apis.jupiter_quote_url", "https://quote-api.jup.ag/v6/quote")
	v.SetDefault("apis.jupiter_swap_url", "https://quote-api.jup.ag/v6/swap")
	v.SetDefault("apis.jupiter_price_url", "https://api.jup.ag/price/v2")
	v.SetDefault("apis.raydium_api_url", "https://api-v3.raydium.io")
	v.SetDefault("apis.dexscreener_url", "https://api.dexscreener.com")
	v.SetDefault("apis.birdeye_url", "https://public-api.birdeye.so")
	v.SetDefault("apis.birdeye_api_key", "")
	v.SetDefault("apis.birdeye_fallback_keys", []string{})

	v.SetDefault("trading.use_jito", false)
	v.SetDefault("trading.jito_block_engine_url", "https://mainnet.block-engine.jito.wtf")
	v.SetDefault("trading.jito_tip_lamports", 10_000)
	v.SetDefault("trading.priority_fee_lamports", 100_000)
	v.SetDefault("trading.privacy_routing", false)

	v.SetDefault("engine.tick_period_ms", 2500)
	v.SetDefault("engine.buy_concurrency", 4)
	v.SetDefault("engine.sell_concurrency", 4)
	v.SetDefault("engine.fee_reserve_lamports", 3_000_000)
	v.SetDefault("engine.holder_scan_interval_seconds", 90)
	v.SetDefault("engine.holder_scan_timeout_seconds", 45)
	v.SetDefault("engine.funding_cache_ttl_seconds", 30)
	v.SetDefault("engine.mint_info_ttl_seconds", 600)
	v.SetDefault("engine.price_last_known_ttl_seconds", 600)
	v.SetDefault("engine.event_retention_hours", 168)

	v.SetDefault("rate_limits.rpc_concurrency", 3)
	v.SetDefault("rate_limits.rpc_spacing_ms", 500)
	v.SetDefault("rate_limits.max_retries", 2)
	v.SetDefault("rate_limits.backoff_base_ms", 5000)
	v.SetDefault("rate_limits.backoff_max_ms", 60000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "ultibot:events")
	v.SetDefault("redis.recent_max", 500)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)
}

// Load reads the JSON file at path with ULTIBOT_* environment overrides.
// A .env file in the working directory is loaded first when present. An
// empty path means environment and defaults only.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc_url is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.Engine.TickPeriodMs <= 0 {
		errs = append(errs, errors.New("engine.tick_period_ms must be positive"))
	}
	if c.RateLimits.RPCConcurrency <= 0 {
		errs = append(errs, errors.New("rate_limits.rpc_concurrency must be positive"))
	}
	if c.RateLimits.MaxRetries < 0 {
		errs = append(errs, errors.New("rate_limits.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func (e EngineSettings) TickPeriod() time.Duration {
	return time.Duration(e.TickPeriodMs) * time.Millisecond
}

func (e EngineSettings) HolderScanInterval() time.Duration {
	return time.Duration(e.HolderScanIntervalSeconds) * time.Second
}

func (e EngineSettings) HolderScanTimeout() time.Duration {
	return time.Duration(e.HolderScanTimeoutSeconds) * time.Second
}

func (e EngineSettings) FundingCacheTTL() time.Duration {
	return time.Duration(e.FundingCacheTTLSeconds) * time.Second
}

func (e EngineSettings) MintInfoTTL() time.Duration {
	return time.Duration(e.MintInfoTTLSeconds) * time.Second
}

func (e EngineSettings) PriceLastKnownTTL() time.Duration {
	return time.Duration(e.PriceLastKnownTTLSeconds) * time.Second
}

func (e EngineSettings) EventRetention() time.Duration {
	return time.Duration(e.EventRetentionHours) * time.Hour
}

func (r RateLimits) RPCSpacing() time.Duration {
	return time.Duration(r.RPCSpacingMs) * time.Millisecond
}

func (r RateLimits) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMs) * time.Millisecond
}

func (r RateLimits) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMs) * time.Millisecond
}
