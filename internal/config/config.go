package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Broker struct {
	Adapter            string `yaml:"adapter" default:"paper" validate:"oneof=paper http"`
	BaseURL            string `yaml:"base_url" validate:"required_if=Adapter http,omitempty,url"`
	APIKey             string `yaml:"api_key"`
	AccountID          string `yaml:"account_id"`
	TimeoutMs          int    `yaml:"timeout_ms" default:"5000" validate:"gt=0"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" default:"120" validate:"gt=0"`
}

type Paper struct {
	LedgerPath     string             `yaml:"ledger_path" default:"data/paper_ledger.json"`
	StartingCash   float64            `yaml:"starting_cash" default:"100000" validate:"gt=0"`
	SlippageBpsMin int                `yaml:"slippage_bps_min" default:"1" validate:"gte=0"`
	SlippageBpsMax int                `yaml:"slippage_bps_max" default:"5" validate:"gtefield=SlippageBpsMin"`
	Prices         map[string]float64 `yaml:"prices"`
	QuoteSource    string             `yaml:"quote_source" default:"sim" validate:"oneof=sim alphavantage"`
	AlphaVantage   AlphaVantage       `yaml:"alphavantage"`
}

type AlphaVantage struct {
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url" default:"https://www.alphavantage.co/query" validate:"url"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" default:"5" validate:"gt=0"`
	CacheTTL           time.Duration `yaml:"cache_ttl" default:"60s"`
}

type Alerts struct {
	Dir           string `yaml:"dir" default:"data/congress_trades/etrade_alerts"`
	RetentionDays int    `yaml:"retention_days" default:"30" validate:"gt=0"`
}

type Scoring struct {
	MinimumTradeSizeAlert float64  `yaml:"minimum_trade_size_alert" default:"50000" validate:"gte=0"`
	PrimaryWatch          []string `yaml:"primary_watch" default:"[\"pelosi\"]"`
	SecondaryWatch        []string `yaml:"secondary_watch" default:"[\"mcconnell\",\"schumer\",\"mccarthy\"]"`
}

// StopLoss percentages are expressed in percent (8 means 8%).
type StopLoss struct {
	FixedStopPct          float64 `yaml:"fixed_stop_pct" default:"8" validate:"gt=0,lt=100"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct" default:"10" validate:"gt=0"`
	TrailingDistancePct   float64 `yaml:"trailing_distance_pct" default:"5" validate:"gt=0,lt=100"`
}

type Risk struct {
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct" default:"15" validate:"gt=0,lte=100"`
	WarningDrawdownPct   float64 `yaml:"warning_drawdown_pct" default:"10" validate:"gt=0,ltefield=MaxDrawdownPct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" default:"3" validate:"gte=1"`
	MaxPositions         int     `yaml:"max_positions" default:"10" validate:"gte=1"`
}

type Execution struct {
	PositionSizeUSD float64 `yaml:"position_size_usd" default:"1000" validate:"gt=0"`
	MaxPositionPct  float64 `yaml:"max_position_pct" default:"10" validate:"gt=0,lte=100"`
	MinConfidence   float64 `yaml:"min_confidence" default:"0.1" validate:"gte=0,lte=1"`

	// RecommendationTTL bounds how long an unacted recommendation is retried.
	RecommendationTTL time.Duration `yaml:"recommendation_ttl" default:"24h" validate:"gt=0"`
}


type Redis struct {
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"mirror"`
}

type Store struct {
	Path               string `yaml:"path" default:"data/mirror.db"`
	MaxRecommendations int    `yaml:"max_recommendations" default:"50" validate:"gt=0"`
	StateBackend       string `yaml:"state_backend" default:"sqlite" validate:"oneof=sqlite redis"`
	Redis              Redis  `yaml:"redis"`
}

type Outbox struct {
	Path             string `yaml:"path" default:"data/outbox.jsonl"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds" default:"86400" validate:"gt=0"`
}

type Telegram struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	APIBaseURL      string `yaml:"api_base_url" default:"https://api.telegram.org" validate:"url"`
	SendTradeAlerts *bool  `yaml:"send_trade_alerts" default:"true"`
	SendErrorAlerts *bool  `yaml:"send_error_alerts" default:"true"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" default:"20" validate:"gt=0"`
	QueueSize       int    `yaml:"queue_size" default:"256" validate:"gt=0"`
}

type Schedule struct {
	Trigger   string        `yaml:"trigger" default:"periodic" validate:"oneof=periodic cron watch manual"`
	Interval  time.Duration `yaml:"interval" default:"5m" validate:"gt=0"`
	Cron      string        `yaml:"cron" default:"0 9 * * 1-5"`
	Immediate *bool         `yaml:"immediate" default:"true"`
	Debounce  time.Duration `yaml:"debounce" default:"2s"`
}

type Server struct {
	Addr string `yaml:"addr" default:":8090"`
}

type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

type Root struct {
	TradingMode string    `yaml:"trading_mode" default:"paper" validate:"oneof=paper live dry-run"` // paper | live | dry-run
	Broker      Broker    `yaml:"broker"`
	Paper       Paper     `yaml:"paper"`
	Alerts      Alerts    `yaml:"alerts"`
	Scoring     Scoring   `yaml:"scoring"`
	StopLoss    StopLoss  `yaml:"stop_loss"`
	Risk        Risk      `yaml:"risk"`
	Execution   Execution `yaml:"execution"`
	Store       Store     `yaml:"store"`
	Outbox      Outbox    `yaml:"outbox"`
	Telegram    Telegram  `yaml:"telegram"`
	Schedule    Schedule  `yaml:"schedule"`
	Server      Server    `yaml:"server"`
	Logging     Logging   `yaml:"logging"`
}

// DryRun reports whether orders must not be submitted.
func (r *Root) DryRun() bool {
	return r.TradingMode == "dry-run"
}

var (
	envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	validate   = validator.New()
)

// Load reads the YAML file at path, expands ${VAR} references from the
// environment (after loading an optional .env file next to the working
// directory), applies defaults and validates the result.
func Load(path string) (*Root, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes raw YAML config bytes. Unknown keys (including "_comment"
// style annotations) are ignored.
func Parse(b []byte) (*Root, error) {
	var c Root
	if err := yaml.Unmarshal([]byte(expandEnv(string(b))), &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&c)
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.Paper.Prices = upperKeys(c.Paper.Prices)
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Default returns a fully defaulted config, as if loaded from an empty file.
func Default() *Root {
	c, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return c
}

// expandEnv replaces ${VAR} with the variable's value; unset variables are
// left verbatim so validation can report them.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return m
	})
}

func applyEnvOverrides(c *Root) {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_ACCOUNT_ID"); v != "" {
		c.Broker.AccountID = v
	}
	if v := os.Getenv("ALPHAVANTAGE_API_KEY"); v != "" {
		c.Paper.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := os.Getenv("MIRROR_TRADING_MODE"); v != "" {
		c.TradingMode = v
	}
}

func upperKeys(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}
