/**
 * @description
 * This package handles configuration management for the payout service. Settings
 * come from environment variables (optionally seeded from a .env file by cmd),
 * with defaults for schedules, settlement policy and provider endpoints.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/mitchellh/mapstructure: decode hooks for durations and decimals.
 * - github.com/shopspring/decimal: fee rates and caps.
 */
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the payout service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	LogFormat          string `mapstructure:"LOG_FORMAT"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	PayoutJobSchedule        string        `mapstructure:"PAYOUT_JOB_SCHEDULE"`
	ReconcileJobSchedule     string        `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	RequeueFailedJobSchedule string        `mapstructure:"REQUEUE_FAILED_JOB_SCHEDULE"`
	RunLockKey               string        `mapstructure:"RUN_LOCK_KEY"`
	RunLockTTL               time.Duration `mapstructure:"RUN_LOCK_TTL"`

	PayoutAgeThreshold time.Duration   `mapstructure:"PAYOUT_AGE_THRESHOLD"`
	PayoutBatchLimit   int             `mapstructure:"PAYOUT_BATCH_LIMIT"`
	PayoutWorkers      int             `mapstructure:"PAYOUT_WORKERS"`
	PayoutNarration    string          `mapstructure:"PAYOUT_NARRATION"`
	FeeRate            decimal.Decimal `mapstructure:"PAYOUT_FEE_RATE"`
	FeeApportionment   string          `mapstructure:"PAYOUT_FEE_APPORTIONMENT"`
	HomeRiskCurrency   string          `mapstructure:"HOME_RISK_CURRENCY"`
	BetaCap            decimal.Decimal `mapstructure:"BETA_CAP"`

	DomesticCurrencies        string          `mapstructure:"DOMESTIC_CURRENCIES"`
	CrossBorderTargetCurrency string          `mapstructure:"CROSS_BORDER_TARGET_CURRENCY"`
	ConversionFeeRate         decimal.Decimal `mapstructure:"CONVERSION_FEE_RATE"`
	ProviderMaxAttempts       int             `mapstructure:"PROVIDER_MAX_ATTEMPTS"`
	ProviderRetryBaseDelay    time.Duration   `mapstructure:"PROVIDER_RETRY_BASE_DELAY"`
	ProviderRetryMaxDelay     time.Duration   `mapstructure:"PROVIDER_RETRY_MAX_DELAY"`
	ProviderCallTimeout       time.Duration   `mapstructure:"PROVIDER_CALL_TIMEOUT"`

	NotifyExchange   string        `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyRoutingKey string        `mapstructure:"NOTIFY_ROUTING_KEY"`
	NotifyTimeout    time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	ReconcileAfter     time.Duration `mapstructure:"RECONCILE_AFTER"`
	ReconcileLimit     int           `mapstructure:"RECONCILE_LIMIT"`
	RequeueFailedAfter time.Duration `mapstructure:"REQUEUE_FAILED_AFTER"`

	CashfreeBaseURL      string `mapstructure:"CASHFREE_BASE_URL"`
	CashfreeClientID     string `mapstructure:"CASHFREE_CLIENT_ID"`
	CashfreeClientSecret string `mapstructure:"CASHFREE_CLIENT_SECRET"`
	CashfreeTransferMode string `mapstructure:"CASHFREE_TRANSFER_MODE"`

	WiseBaseURL   string `mapstructure:"WISE_BASE_URL"`
	WiseAPIKey    string `mapstructure:"WISE_API_KEY"`
	WiseProfileID string `mapstructure:"WISE_PROFILE_ID"`
}

var keys = []string{
	"SERVER_PORT", "PORT", "DATABASE_URL", "REDIS_URL", "RABBITMQ_URL", "INTERNAL_API_KEY",
	"LOG_LEVEL", "LOG_FORMAT", "CORS_ALLOWED_ORIGINS",
	"PAYOUT_JOB_SCHEDULE", "RECONCILE_JOB_SCHEDULE", "REQUEUE_FAILED_JOB_SCHEDULE",
	"RUN_LOCK_KEY", "RUN_LOCK_TTL",
	"PAYOUT_AGE_THRESHOLD", "PAYOUT_BATCH_LIMIT", "PAYOUT_WORKERS", "PAYOUT_NARRATION",
	"PAYOUT_FEE_RATE", "PAYOUT_FEE_APPORTIONMENT", "HOME_RISK_CURRENCY", "BETA_CAP",
	"DOMESTIC_CURRENCIES", "CROSS_BORDER_TARGET_CURRENCY", "CONVERSION_FEE_RATE",
	"PROVIDER_MAX_ATTEMPTS", "PROVIDER_RETRY_BASE_DELAY", "PROVIDER_RETRY_MAX_DELAY", "PROVIDER_CALL_TIMEOUT",
	"NOTIFY_EXCHANGE", "NOTIFY_ROUTING_KEY", "NOTIFY_TIMEOUT",
	"RECONCILE_AFTER", "RECONCILE_LIMIT", "REQUEUE_FAILED_AFTER",
	"CASHFREE_BASE_URL", "CASHFREE_CLIENT_ID", "CASHFREE_CLIENT_SECRET", "CASHFREE_TRANSFER_MODE",
	"WISE_BASE_URL", "WISE_API_KEY", "WISE_PROFILE_ID",
}

// LoadConfig reads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	viper.SetDefault("PAYOUT_JOB_SCHEDULE", "0 2 * * *")          // Daily at 02:00.
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/15 * * * *")    // Every 15 minutes.
	viper.SetDefault("REQUEUE_FAILED_JOB_SCHEDULE", "30 1 * * *") // Daily at 01:30, before the payout run.
	viper.SetDefault("RUN_LOCK_KEY", "vibepe:payouts:run_lock")
	viper.SetDefault("RUN_LOCK_TTL", "30m")

	viper.SetDefault("PAYOUT_AGE_THRESHOLD", "48h")
	viper.SetDefault("PAYOUT_BATCH_LIMIT", 500)
	viper.SetDefault("PAYOUT_WORKERS", 1)
	viper.SetDefault("PAYOUT_NARRATION", "Vibepe payout")
	viper.SetDefault("PAYOUT_FEE_RATE", "0.029")
	viper.SetDefault("PAYOUT_FEE_APPORTIONMENT", "even")
	viper.SetDefault("HOME_RISK_CURRENCY", "USD")
	viper.SetDefault("BETA_CAP", "500")

	viper.SetDefault("DOMESTIC_CURRENCIES", "INR")
	viper.SetDefault("CROSS_BORDER_TARGET_CURRENCY", "INR")
	viper.SetDefault("CONVERSION_FEE_RATE", "0.004")
	viper.SetDefault("PROVIDER_MAX_ATTEMPTS", 3)
	viper.SetDefault("PROVIDER_RETRY_BASE_DELAY", "500ms")
	viper.SetDefault("PROVIDER_RETRY_MAX_DELAY", "5s")
	viper.SetDefault("PROVIDER_CALL_TIMEOUT", "30s")

	viper.SetDefault("NOTIFY_EXCHANGE", "payout_events")
	viper.SetDefault("NOTIFY_ROUTING_KEY", "payout.settled")
	viper.SetDefault("NOTIFY_TIMEOUT", "10s")

	viper.SetDefault("RECONCILE_AFTER", "30m")
	viper.SetDefault("RECONCILE_LIMIT", 200)
	viper.SetDefault("REQUEUE_FAILED_AFTER", "24h")

	viper.SetDefault("CASHFREE_BASE_URL", "https://payout-api.cashfree.com")
	viper.SetDefault("CASHFREE_TRANSFER_MODE", "banktransfer")
	viper.SetDefault("WISE_BASE_URL", "https://api.wise.com")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var config Config
	err := viper.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToDecimalHookFunc(),
	)))
	if err != nil {
		return nil, err
	}

	// Railway and similar platforms inject PORT instead of SERVER_PORT.
	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" && strings.TrimSpace(os.Getenv("SERVER_PORT")) == "" {
		config.ServerPort = port
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) normalize() {
	c.HomeRiskCurrency = strings.ToUpper(strings.TrimSpace(c.HomeRiskCurrency))
	c.CrossBorderTargetCurrency = strings.ToUpper(strings.TrimSpace(c.CrossBorderTargetCurrency))
	c.FeeApportionment = strings.ToLower(strings.TrimSpace(c.FeeApportionment))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
}

// Validate checks required keys and policy bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.InternalAPIKey) == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PAYOUT_FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.ConversionFeeRate.IsNegative() || c.ConversionFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("CONVERSION_FEE_RATE must be in [0, 1), got %s", c.ConversionFeeRate)
	}
	if c.BetaCap.IsNegative() {
		return fmt.Errorf("BETA_CAP must not be negative, got %s", c.BetaCap)
	}
	if c.PayoutAgeThreshold <= 0 {
		return fmt.Errorf("PAYOUT_AGE_THRESHOLD must be positive")
	}
	if c.PayoutBatchLimit <= 0 {
		return fmt.Errorf("PAYOUT_BATCH_LIMIT must be positive")
	}
	if c.PayoutWorkers <= 0 {
		return fmt.Errorf("PAYOUT_WORKERS must be positive")
	}
	if c.ProviderMaxAttempts <= 0 {
		return fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be positive")
	}
	switch c.FeeApportionment {
	case "even", "pro_rata":
	default:
		return fmt.Errorf("PAYOUT_FEE_APPORTIONMENT must be even or pro_rata, got %q", c.FeeApportionment)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedules := map[string]string{
		"PAYOUT_JOB_SCHEDULE":         c.PayoutJobSchedule,
		"RECONCILE_JOB_SCHEDULE":      c.ReconcileJobSchedule,
		"REQUEUE_FAILED_JOB_SCHEDULE": c.RequeueFailedJobSchedule,
	}
	for key, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron expression: %w", key, err)
		}
	}
	return nil
}

// DomesticCurrencyList returns the currencies routed over the domestic rail.
func (c *Config) DomesticCurrencyList() []string {
	var out []string
	for _, part := range strings.Split(c.DomesticCurrencies, ",") {
		if code := strings.ToUpper(strings.TrimSpace(part)); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// CORSOrigins returns the configured allowed origins.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, part := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		default:
			return data, nil
		}
	}
}
