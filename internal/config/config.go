package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/logging"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/symbol"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig                  `mapstructure:"app"`
	Logging  logging.Config             `mapstructure:"logging"`
	API      APIConfig                  `mapstructure:"api"`
	Collect  CollectConfig              `mapstructure:"collect"`
	Families map[string]symbol.Override `mapstructure:"families"`
	Mirror   MirrorConfig               `mapstructure:"mirror"`
	Alerting AlertingConfig             `mapstructure:"alerting"`
	Export   ExportConfig               `mapstructure:"export"`
	Watch    WatchConfig                `mapstructure:"watch"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// APIConfig encapsulates KIS open API connectivity.
type APIConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	AppKey     string            `mapstructure:"app_key"`
	AppSecret  string            `mapstructure:"app_secret"`
	TokenDir   string            `mapstructure:"token_dir"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	RetryDelay time.Duration     `mapstructure:"retry_delay"`
	UserAgent  string            `mapstructure:"user_agent"`
	Endpoints  map[string]string `mapstructure:"endpoints"`
	TRIDs      map[string]string `mapstructure:"tr_ids"`
	// Params carries fixed per-feed query parameters, e.g. the minute
	// feed's FID_HOUR_CLS_CODE / FID_INPUT_HOUR_1.
	Params map[string]map[string]string `mapstructure:"params"`
}

// EndpointFor returns the quote endpoint path for a feed.
func (a APIConfig) EndpointFor(feed string) string { return a.Endpoints[feed] }

// TRIDFor returns the KIS transaction ID for a feed.
func (a APIConfig) TRIDFor(feed string) string { return a.TRIDs[feed] }

// ParamsFor returns the fixed query parameters for a feed, or nil.
func (a APIConfig) ParamsFor(feed string) map[string]string { return a.Params[feed] }

// CollectConfig governs the incremental collection run.
type CollectConfig struct {
	DataDir           string        `mapstructure:"data_dir"`
	Feed              string        `mapstructure:"feed"`
	Instruments       []string      `mapstructure:"instruments"`
	MaxLookbackDays   int           `mapstructure:"max_lookback_days"`
	MaxDaysPerRequest int           `mapstructure:"max_days_per_request"`
	PaginationDelay   time.Duration `mapstructure:"pagination_delay"`
	ForceFullUpdate   bool          `mapstructure:"force_full_update"`
	BackupEnabled     bool          `mapstructure:"backup_enabled"`
	NumericColumns    []string      `mapstructure:"numeric_columns"`
	ExtraRules        []symbol.Rule `mapstructure:"extra_rules"`
}

// MirrorConfig encapsulates the optional PostgreSQL mirror.
type MirrorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig 는 수집 실패 웹훅 통지를 설정한다.
type AlertingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// WatchConfig tunes the repeating collection loop of `collect --watch`.
type WatchConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	AlignToStart bool          `mapstructure:"align_to_start"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// Feeds this collector understands.
var knownFeeds = []string{"daily", "minute", "investor"}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KOSPIFEED")
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
	v.SetDefault("app.name", "kospifeed")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file_prefix", "data_collector")

	v.SetDefault("api.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("api.token_dir", "tokens")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_delay", "1s")
	v.SetDefault("api.user_agent", "kospifeed/1.0")
	v.SetDefault("api.endpoints", map[string]string{
		"daily":    "/uapi/domestic-futureoption/v1/quotations/inquire-daily-fuopchartprice",
		"minute":   "/uapi/domestic-futureoption/v1/quotations/inquire-time-fuopchartprice",
		"investor": "/uapi/domestic-stock/v1/quotations/inquire-investor-daily-by-market",
	})
	v.SetDefault("api.tr_ids", map[string]string{
		"daily":    "FHKIF03020100",
		"minute":   "FHKIF03020200",
		"investor": "FHPTJ04030000",
	})
	// 분봉 조회는 단일 날짜에 시작시각과 간격 코드를 함께 싣는다.
	v.SetDefault("api.params", map[string]map[string]string{
		"minute": {
			"FID_HOUR_CLS_CODE":     "60",
			"FID_PW_DATA_INCU_YN":   "Y",
			"FID_FAKE_TICK_INCU_YN": "N",
			"FID_INPUT_HOUR_1":      "090000",
		},
	})

	v.SetDefault("collect.data_dir", "data")
	v.SetDefault("collect.feed", "daily")
	v.SetDefault("collect.max_lookback_days", 90)
	v.SetDefault("collect.max_days_per_request", 100)
	v.SetDefault("collect.pagination_delay", "200ms")
	v.SetDefault("collect.force_full_update", false)
	v.SetDefault("collect.backup_enabled", true)
	v.SetDefault("collect.numeric_columns", []string{
		"futs_oprc", "futs_hgpr", "futs_lwpr", "futs_prpr",
		"acml_vol", "acml_tr_pbmn", "hts_otst_stpl_qty", "otst_stpl_qty_icdc",
	})

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.schema", "market_data")
	v.SetDefault("mirror.max_open_conns", 10)
	v.SetDefault("mirror.max_idle_conns", 5)
	v.SetDefault("mirror.conn_max_lifetime", "30m")
	v.SetDefault("mirror.advisory_lock_key", int64(0))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("watch.interval", "10m")
	v.SetDefault("watch.align_to_start", false)
	v.SetDefault("watch.startup_delay", "0s")
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
	if c.Collect.MaxLookbackDays <= 0 {
		return fmt.Errorf("collect.max_lookback_days must be greater than zero")
	}
	if c.Collect.MaxDaysPerRequest <= 0 {
		return fmt.Errorf("collect.max_days_per_request must be greater than zero")
	}
	if c.Collect.PaginationDelay < 0 {
		return fmt.Errorf("collect.pagination_delay cannot be negative")
	}
	if c.Collect.DataDir == "" {
		return fmt.Errorf("collect.data_dir 설정이 필요함")
	}
	if !knownFeed(c.Collect.Feed) {
		return fmt.Errorf("collect.feed must be one of %s", strings.Join(knownFeeds, "|"))
	}
	if c.API.EndpointFor(c.Collect.Feed) == "" {
		return fmt.Errorf("api.endpoints.%s 설정이 필요함", c.Collect.Feed)
	}
	if c.API.TRIDFor(c.Collect.Feed) == "" {
		return fmt.Errorf("api.tr_ids.%s 설정이 필요함", c.Collect.Feed)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if c.Alerting.Enabled && c.Alerting.WebhookURL == "" {
		return fmt.Errorf("alerting.webhook_url 설정이 필요함")
	}
	if c.Mirror.Enabled && c.Mirror.DSN == "" {
		return fmt.Errorf("mirror.dsn 설정이 필요함")
	}
	return nil
}

func knownFeed(feed string) bool {
	for _, known := range knownFeeds {
		if feed == known {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
