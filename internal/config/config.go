// Package config loads and validates engine configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Trading   TradingConfig          `mapstructure:"trading"`
	Risk      RiskConfig             `mapstructure:"risk"`
	Execution ExecutionConfig        `mapstructure:"execution"`
	Consensus ConsensusConfig        `mapstructure:"consensus"`
	LLM       LLMConfig              `mapstructure:"llm"`
	Memory    MemoryConfig           `mapstructure:"memory"`
	Venues    map[string]VenueConfig `mapstructure:"venues"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Postgres  PostgresConfig         `mapstructure:"postgres"`
	NATS      NATSConfig             `mapstructure:"nats"`
	API       APIConfig              `mapstructure:"api"`
	Telegram  TelegramConfig         `mapstructure:"telegram"`
	Vault     VaultConfig            `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`  // trace, debug, info, warn, error
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
	DataDir     string `mapstructure:"data_dir"`   // positions/trades/episodes files
	MetricsPort int    `mapstructure:"metrics_port"`
}

// TradingConfig contains the trading loop settings
type TradingConfig struct {
	Symbols                 []string `mapstructure:"symbols"`
	SyntheticSymbols        []string `mapstructure:"synthetic_symbols"` // symbols allowed to fall back to generated candles
	DecisionIntervalSeconds int      `mapstructure:"decision_interval_seconds"`
	MaxConcurrentPositions  int      `mapstructure:"max_concurrent_positions"`
	NotionalFraction        float64  `mapstructure:"notional_fraction"`
	BanditEpsilon           float64  `mapstructure:"bandit_epsilon"` // agent exploration rate
	MomentumThreshold       float64  `mapstructure:"momentum_threshold"`
	TrailingStopBuffer      float64  `mapstructure:"trailing_stop_buffer"`
	TrailingStep            float64  `mapstructure:"trailing_step"`
	EnablePaperTrading      bool     `mapstructure:"enable_paper_trading"`
	ScannerConcurrency      int      `mapstructure:"scanner_concurrency"`
}

// RiskConfig contains risk management settings
type RiskConfig struct {
	MaxPositionRisk       float64 `mapstructure:"max_position_risk"` // max size as fraction of balance
	MaxDrawdown           float64 `mapstructure:"max_drawdown"`
	MaxDailyLoss          float64 `mapstructure:"max_daily_loss"` // per-agent, fraction of margin allocation
	DefaultStopLoss       float64 `mapstructure:"default_stop_loss"`
	DefaultTakeProfit     float64 `mapstructure:"default_take_profit"`
	KellyFractionCap      float64 `mapstructure:"kelly_fraction_cap"`
	MaxPortfolioLeverage  float64 `mapstructure:"max_portfolio_leverage"`
	ExpectedWinRate       float64 `mapstructure:"expected_win_rate"`
	RewardToRisk          float64 `mapstructure:"reward_to_risk"`
	VolatilityDeleverTrig float64 `mapstructure:"volatility_delever_threshold"`
	AutoDeleverFactor     float64 `mapstructure:"auto_delever_factor"`
}

// ExecutionConfig contains execution-layer settings
type ExecutionConfig struct {
	TWAPSlices           int     `mapstructure:"twap_slices"`
	TWAPDurationSeconds  int     `mapstructure:"twap_duration_seconds"`
	VWAPDurationSeconds  int     `mapstructure:"vwap_duration_seconds"`
	IcebergVisiblePct    float64 `mapstructure:"iceberg_visible_pct"`
	SniperImprovementPct float64 `mapstructure:"sniper_improvement_pct"`
	SniperMaxWaitSeconds int     `mapstructure:"sniper_max_wait_seconds"`
	ArbMinProfitPct      float64 `mapstructure:"arb_min_profit_pct"`
	MaxSlippagePct       float64 `mapstructure:"max_slippage_pct"`
}

// ConsensusConfig contains consensus-engine settings
type ConsensusConfig struct {
	SigmoidWeighting bool `mapstructure:"sigmoid_weighting"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
	MaxRetries  int     `mapstructure:"max_retries"`
	Enabled     bool    `mapstructure:"enabled"`
}

// MemoryConfig contains episodic memory settings
type MemoryConfig struct {
	MaxEpisodes int    `mapstructure:"max_episodes"`
	EpisodeDir  string `mapstructure:"episode_dir"`
}

// VenueConfig contains per-venue credentials and endpoints
type VenueConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	APISecret   string   `mapstructure:"api_secret"`
	RESTBaseURL string   `mapstructure:"rest_base_url"`
	WSBaseURL   string   `mapstructure:"ws_base_url"`
	Symbols     []string `mapstructure:"symbols"` // universe routed to this venue
}

// RedisConfig contains the optional shared price cache settings
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// PostgresConfig contains the optional episode mirror settings
type PostgresConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// NATSConfig contains event bus settings
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server
}

// APIConfig contains HTTP surface settings
type APIConfig struct {
	Addr          string  `mapstructure:"addr"`
	AdminToken    string  `mapstructure:"admin_token"`
	RateLimitRPM  float64 `mapstructure:"rate_limit_rpm"`
	AllowedOrigin string  `mapstructure:"allowed_origin"`
}

// TelegramConfig contains Telegram notifier settings
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// VaultConfig contains secret retrieval settings
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
	Path    string `mapstructure:"path"`
}

// DecisionInterval returns the tick period as a duration
func (c *TradingConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalSeconds) * time.Second
}

// LLMTimeout returns the per-query timeout as a duration
func (c *LLMConfig) LLMTimeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Load reads configuration from config.yaml and TRADESWARM_* env overrides
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("TRADESWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env + defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradeswarm")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.data_dir", "./data")
	v.SetDefault("app.metrics_port", 9090)

	v.SetDefault("trading.decision_interval_seconds", 30)
	v.SetDefault("trading.max_concurrent_positions", 3)
	v.SetDefault("trading.notional_fraction", 0.05)
	v.SetDefault("trading.bandit_epsilon", 0.1)
	v.SetDefault("trading.momentum_threshold", 0.02)
	v.SetDefault("trading.trailing_stop_buffer", 0.002)
	v.SetDefault("trading.trailing_step", 0.015)
	v.SetDefault("trading.enable_paper_trading", true)
	v.SetDefault("trading.scanner_concurrency", 6)

	v.SetDefault("risk.max_position_risk", 0.10)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.default_stop_loss", 0.02)
	v.SetDefault("risk.default_take_profit", 0.04)
	v.SetDefault("risk.kelly_fraction_cap", 0.25)
	v.SetDefault("risk.max_portfolio_leverage", 3.0)
	v.SetDefault("risk.expected_win_rate", 0.55)
	v.SetDefault("risk.reward_to_risk", 2.0)
	v.SetDefault("risk.volatility_delever_threshold", 0.05)
	v.SetDefault("risk.auto_delever_factor", 0.5)

	v.SetDefault("execution.twap_slices", 5)
	v.SetDefault("execution.twap_duration_seconds", 60)
	v.SetDefault("execution.vwap_duration_seconds", 120)
	v.SetDefault("execution.iceberg_visible_pct", 0.10)
	v.SetDefault("execution.sniper_improvement_pct", 0.002)
	v.SetDefault("execution.sniper_max_wait_seconds", 30)
	v.SetDefault("execution.arb_min_profit_pct", 0.005)
	v.SetDefault("execution.max_slippage_pct", 0.01)

	v.SetDefault("llm.timeout_ms", 10000)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1024)

	v.SetDefault("memory.max_episodes", 5000)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.rate_limit_rpm", 60)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.embedded", true)

	v.SetDefault("vault.path", "secret/tradeswarm")
}

// Validate enforces the documented configuration ranges
func (c *Config) Validate() error {
	if c.Trading.DecisionIntervalSeconds < 5 || c.Trading.DecisionIntervalSeconds > 300 {
		return fmt.Errorf("trading.decision_interval_seconds must be in [5, 300], got %d", c.Trading.DecisionIntervalSeconds)
	}
	if c.Trading.MaxConcurrentPositions < 1 || c.Trading.MaxConcurrentPositions > 10 {
		return fmt.Errorf("trading.max_concurrent_positions must be in [1, 10], got %d", c.Trading.MaxConcurrentPositions)
	}
	if c.Trading.NotionalFraction < 0 || c.Trading.NotionalFraction > 0.5 {
		return fmt.Errorf("trading.notional_fraction must be in [0, 0.5], got %f", c.Trading.NotionalFraction)
	}
	if c.Trading.BanditEpsilon < 0 || c.Trading.BanditEpsilon > 1 {
		return fmt.Errorf("trading.bandit_epsilon must be in [0, 1], got %f", c.Trading.BanditEpsilon)
	}
	if c.Trading.TrailingStopBuffer < 0 || c.Trading.TrailingStopBuffer > 0.1 {
		return fmt.Errorf("trading.trailing_stop_buffer must be in [0, 0.1], got %f", c.Trading.TrailingStopBuffer)
	}
	if c.Trading.TrailingStep < 0 || c.Trading.TrailingStep > 0.05 {
		return fmt.Errorf("trading.trailing_step must be in [0, 0.05], got %f", c.Trading.TrailingStep)
	}
	if c.Risk.MaxPositionRisk < 0 || c.Risk.MaxPositionRisk > 0.5 {
		return fmt.Errorf("risk.max_position_risk must be in [0, 0.5], got %f", c.Risk.MaxPositionRisk)
	}
	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 0.8 {
		return fmt.Errorf("risk.max_drawdown must be in [0, 0.8], got %f", c.Risk.MaxDrawdown)
	}
	if c.Risk.AutoDeleverFactor < 0 || c.Risk.AutoDeleverFactor > 1 {
		return fmt.Errorf("risk.auto_delever_factor must be in [0, 1], got %f", c.Risk.AutoDeleverFactor)
	}
	if c.Risk.RewardToRisk <= 0 {
		return fmt.Errorf("risk.reward_to_risk must be positive, got %f", c.Risk.RewardToRisk)
	}
	if c.Execution.IcebergVisiblePct <= 0 || c.Execution.IcebergVisiblePct > 1 {
		return fmt.Errorf("execution.iceberg_visible_pct must be in (0, 1], got %f", c.Execution.IcebergVisiblePct)
	}
	return nil
}
