package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"cambiowatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Logging   logging.Config   `mapstructure:"logging"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Consensus ConsensusConfig  `mapstructure:"consensus"`
	Weights   WeightsConfig    `mapstructure:"weights"`
	Anomaly   AnomalyConfig    `mapstructure:"anomaly"`
	Drift     DriftConfig      `mapstructure:"drift"`
	Forecast  ForecastConfig   `mapstructure:"forecast"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Export    ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs capture cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// OAuthConfig describes an OAuth2 client-credentials flow for a provider.
// Client id/secret are read from the named environment variables.
type OAuthConfig struct {
	TokenURL        string `mapstructure:"token_url"`
	ClientIDEnv     string `mapstructure:"client_id_env"`
	ClientSecretEnv string `mapstructure:"client_secret_env"`
	Scope           string `mapstructure:"scope"`
	Audience        string `mapstructure:"audience"`
}

// ProviderConfig describes a single exchange-rate source.
type ProviderConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	// Format is "json" (structured payload, field paths) or "html" (scraped table).
	Format  string `mapstructure:"format"`
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"`
	// Field paths use dot notation with bracket selectors, e.g.
	// "monedas.moneda[descripcion=USD].compra" or "results[0].valor_compra".
	BuyPath  string `mapstructure:"buy_path"`
	SellPath string `mapstructure:"sell_path"`
	MidPath  string `mapstructure:"mid_path"`
	// SpreadAdjust derives buy/sell from a mid-only payload (DOP).
	SpreadAdjust float64 `mapstructure:"spread_adjust"`
	// AuthHeaders maps header name -> environment variable holding its value.
	AuthHeaders  map[string]string `mapstructure:"auth_headers"`
	AuthHeader   string            `mapstructure:"auth_header"`
	AuthTokenEnv string            `mapstructure:"auth_token_env"`
	OAuth        OAuthConfig       `mapstructure:"oauth"`

	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Backoff          time.Duration `mapstructure:"backoff"`
	RetryStatusCodes []int         `mapstructure:"retry_status_codes"`
	RetryOnTimeout   bool          `mapstructure:"retry_on_timeout"`
}

// ConsensusConfig holds consensus-building thresholds.
type ConsensusConfig struct {
	// DivergenceThreshold flags a provider whose absolute weighted delta (DOP)
	// meets or exceeds it.
	DivergenceThreshold float64 `mapstructure:"divergence_threshold"`
	// ValidationTolerance triggers a warning log for smaller divergences.
	ValidationTolerance float64 `mapstructure:"validation_tolerance"`
}

// WeightsConfig tunes the reliability-driven weight calculator.
type WeightsConfig struct {
	Window        time.Duration `mapstructure:"window"`
	Alpha         float64       `mapstructure:"alpha"`
	Beta          float64       `mapstructure:"beta"`
	Gamma         float64       `mapstructure:"gamma"`
	Delta         float64       `mapstructure:"delta"`
	Floor         float64       `mapstructure:"floor"`
	LatencyCapMS  float64       `mapstructure:"latency_cap_ms"`
	ErrorCap      float64       `mapstructure:"error_cap"`
	BaselineScore float64       `mapstructure:"baseline_score"`
}

// AnomalyConfig tunes the robust z-score detector.
type AnomalyConfig struct {
	ZThreshold        float64 `mapstructure:"z_threshold"`
	MinProviders      int     `mapstructure:"min_providers"`
	CriticalDeviation float64 `mapstructure:"critical_deviation"`
}

// DriftConfig tunes the EWMA+CUSUM drift monitor.
type DriftConfig struct {
	EWMALambda       float64       `mapstructure:"ewma_lambda"`
	CusumThreshold   float64       `mapstructure:"cusum_threshold"`
	CusumK           float64       `mapstructure:"cusum_k"`
	CooldownCaptures int           `mapstructure:"cooldown_captures"`
	Window           time.Duration `mapstructure:"window"`
}

// ForecastConfig tunes the end-of-day projection adjunct.
type ForecastConfig struct {
	Points          int     `mapstructure:"points"`
	TradingUnits    float64 `mapstructure:"trading_units"`
	TransactionCost float64 `mapstructure:"transaction_cost"`
}

// AlertingConfig defines alert routing for anomaly/drift events.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig carries Telegram Bot API parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAMBIOWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyProviderDefaults(cfg.Providers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cambiowatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63616d62))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("consensus.divergence_threshold", 1.0)
	v.SetDefault("consensus.validation_tolerance", 0.5)

	v.SetDefault("weights.window", "3h")
	v.SetDefault("weights.alpha", 0.5)
	v.SetDefault("weights.beta", 0.25)
	v.SetDefault("weights.gamma", 0.15)
	v.SetDefault("weights.delta", 0.10)
	v.SetDefault("weights.floor", 0.05)
	v.SetDefault("weights.latency_cap_ms", 2000.0)
	v.SetDefault("weights.error_cap", 1.5)
	v.SetDefault("weights.baseline_score", 0.35)

	v.SetDefault("anomaly.z_threshold", 3.0)
	v.SetDefault("anomaly.min_providers", 3)
	v.SetDefault("anomaly.critical_deviation", 2.0)

	v.SetDefault("drift.ewma_lambda", 0.2)
	v.SetDefault("drift.cusum_threshold", 1.5)
	v.SetDefault("drift.cusum_k", 0.1)
	v.SetDefault("drift.cooldown_captures", 3)
	v.SetDefault("drift.window", "12h")

	v.SetDefault("forecast.points", 12)
	v.SetDefault("forecast.trading_units", 1000.0)
	v.SetDefault("forecast.transaction_cost", 0.15)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// applyProviderDefaults fills per-provider zero values the way the loader
// cannot express through viper defaults (providers is a list).
func applyProviderDefaults(providers []ProviderConfig) {
	for i := range providers {
		p := &providers[i]
		if p.Format == "" {
			p.Format = "json"
		}
		if p.Method == "" {
			p.Method = "GET"
		}
		if p.Timeout <= 0 {
			p.Timeout = 8 * time.Second
		}
		if p.Backoff <= 0 {
			p.Backoff = 500 * time.Millisecond
		}
		if len(p.RetryStatusCodes) == 0 {
			p.RetryStatusCodes = []int{408, 429, 500, 502, 503, 504}
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Weights.Floor < 0 || c.Weights.Floor > 0.5 {
		return fmt.Errorf("weights.floor must be within [0, 0.5]")
	}
	if c.Anomaly.MinProviders < 2 {
		return fmt.Errorf("anomaly.min_providers must be at least 2")
	}
	if c.Drift.EWMALambda <= 0 || c.Drift.EWMALambda > 1 {
		return fmt.Errorf("drift.ewma_lambda must be within (0, 1]")
	}
	if c.Drift.CusumThreshold <= 0 {
		return fmt.Errorf("drift.cusum_threshold must be greater than zero")
	}
	if c.Drift.CooldownCaptures < 0 {
		return fmt.Errorf("drift.cooldown_captures cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[].name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Format != "json" && p.Format != "html" {
			return fmt.Errorf("provider %s: format must be json or html", p.Name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("provider %s: max_retries cannot be negative", p.Name)
		}
		if p.SpreadAdjust < 0 {
			return fmt.Errorf("provider %s: spread_adjust cannot be negative", p.Name)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// EnabledProviders filters the provider list to enabled entries.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
