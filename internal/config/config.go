/**
 * @description
 * Configuration management for the commission-service. Settings are read from
 * environment variables (and an optional .env file) through Viper, normalized, and
 * validated before any component is constructed.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/shopspring/decimal: exact parsing of percentage settings.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Suspended affiliate policies.
const (
	SuspendedPolicyAccrue  = "accrue"
	SuspendedPolicyExclude = "exclude"
)

// Config holds all the configuration variables for the commission-service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventExchange  string `mapstructure:"REVENUE_EVENT_EXCHANGE"`
	EventQueue     string `mapstructure:"REVENUE_EVENT_QUEUE"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWKSURL   string `mapstructure:"ADMIN_JWKS_URL"`
	AdminRole      string `mapstructure:"ADMIN_ROLE"`
	SentryDSN      string `mapstructure:"SENTRY_DSN"`
	Environment    string `mapstructure:"ENVIRONMENT"`

	StripeSecretKey         string  `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string  `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeRequestsPerSecond float64 `mapstructure:"STRIPE_REQUESTS_PER_SECOND"`
	PayoutCurrency          string  `mapstructure:"PAYOUT_CURRENCY"`
	TransferTimeoutSeconds  int     `mapstructure:"TRANSFER_TIMEOUT_SECONDS"`
	MinPayoutCents          int64   `mapstructure:"MIN_PAYOUT_CENTS"`

	PayoutJobSchedule          string `mapstructure:"PAYOUT_JOB_SCHEDULE"`
	HoldReleaseJobSchedule     string `mapstructure:"HOLD_RELEASE_JOB_SCHEDULE"`
	ReconcileJobSchedule       string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	ReconcileStaleAfterMinutes int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
	OutboxPollIntervalMS       int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	HoldPeriodInvoicePaidHours int `mapstructure:"HOLD_PERIOD_INVOICE_PAID_HOURS"`
	HoldPeriodOrderPaidHours   int `mapstructure:"HOLD_PERIOD_ORDER_PAID_HOURS"`

	SoleDirectSharePct       string `mapstructure:"SOLE_DIRECT_SHARE_PCT"`
	DirectSharePct           string `mapstructure:"DIRECT_SHARE_PCT"`
	SubSharePct              string `mapstructure:"SUB_SHARE_PCT"`
	ParentSharePct           string `mapstructure:"PARENT_SHARE_PCT"`
	LinkAttributesUpline     bool   `mapstructure:"LINK_ATTRIBUTES_UPLINE"`
	SuspendedAffiliatePolicy string `mapstructure:"SUSPENDED_AFFILIATE_POLICY"`

	ProcessorFeeFixedCents int64  `mapstructure:"PROCESSOR_FEE_FIXED_CENTS"`
	ProcessorFeePercent    string `mapstructure:"PROCESSOR_FEE_PERCENT"`
	PlatformFeePctFree     string `mapstructure:"PLATFORM_FEE_PCT_FREE"`
	PlatformFeePctBasic    string `mapstructure:"PLATFORM_FEE_PCT_BASIC"`
	PlatformFeePctPro      string `mapstructure:"PLATFORM_FEE_PCT_PRO"`
	DefaultSellerTier      string `mapstructure:"DEFAULT_SELLER_TIER"`

	PromoValidateRateLimitPerMinute int `mapstructure:"PROMO_VALIDATE_RATE_LIMIT_PER_MINUTE"`
	EventReplayCacheTTLHours        int `mapstructure:"EVENT_REPLAY_CACHE_TTL_HOURS"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file found in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "commission")
	viper.SetDefault("REVENUE_EVENT_EXCHANGE", "marketplace.events")
	viper.SetDefault("REVENUE_EVENT_QUEUE", "commission_service.revenue_events")
	viper.SetDefault("ADMIN_ROLE", "admin")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("STRIPE_REQUESTS_PER_SECOND", 20)
	viper.SetDefault("PAYOUT_CURRENCY", "usd")
	viper.SetDefault("TRANSFER_TIMEOUT_SECONDS", 20)
	viper.SetDefault("MIN_PAYOUT_CENTS", 0)
	viper.SetDefault("PAYOUT_JOB_SCHEDULE", "0 3 * * 1")         // At 03:00 every Monday.
	viper.SetDefault("HOLD_RELEASE_JOB_SCHEDULE", "*/15 * * * *") // Every 15 minutes.
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_STALE_AFTER_MINUTES", 30)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("HOLD_PERIOD_INVOICE_PAID_HOURS", 7*24)
	viper.SetDefault("HOLD_PERIOD_ORDER_PAID_HOURS", 14*24)
	viper.SetDefault("SOLE_DIRECT_SHARE_PCT", "100")
	viper.SetDefault("DIRECT_SHARE_PCT", "70")
	viper.SetDefault("SUB_SHARE_PCT", "10")
	viper.SetDefault("PARENT_SHARE_PCT", "20")
	viper.SetDefault("LINK_ATTRIBUTES_UPLINE", true)
	viper.SetDefault("SUSPENDED_AFFILIATE_POLICY", SuspendedPolicyAccrue)
	viper.SetDefault("PROCESSOR_FEE_FIXED_CENTS", 30)
	viper.SetDefault("PROCESSOR_FEE_PERCENT", "2.9")
	viper.SetDefault("PLATFORM_FEE_PCT_FREE", "12")
	viper.SetDefault("PLATFORM_FEE_PCT_BASIC", "8")
	viper.SetDefault("PLATFORM_FEE_PCT_PRO", "5")
	viper.SetDefault("DEFAULT_SELLER_TIER", "FREE")
	viper.SetDefault("PROMO_VALIDATE_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("EVENT_REPLAY_CACHE_TTL_HOURS", 72)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
		"REVENUE_EVENT_EXCHANGE", "REVENUE_EVENT_QUEUE", "ADMIN_JWKS_URL", "ADMIN_ROLE",
		"SENTRY_DSN", "ENVIRONMENT", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET",
		"STRIPE_REQUESTS_PER_SECOND", "PAYOUT_CURRENCY", "TRANSFER_TIMEOUT_SECONDS",
		"MIN_PAYOUT_CENTS", "PAYOUT_JOB_SCHEDULE", "HOLD_RELEASE_JOB_SCHEDULE",
		"RECONCILE_JOB_SCHEDULE", "RECONCILE_STALE_AFTER_MINUTES", "OUTBOX_POLL_INTERVAL_MS",
		"HOLD_PERIOD_INVOICE_PAID_HOURS", "HOLD_PERIOD_ORDER_PAID_HOURS",
		"SOLE_DIRECT_SHARE_PCT", "DIRECT_SHARE_PCT", "SUB_SHARE_PCT", "PARENT_SHARE_PCT",
		"LINK_ATTRIBUTES_UPLINE", "SUSPENDED_AFFILIATE_POLICY", "PROCESSOR_FEE_FIXED_CENTS",
		"PROCESSOR_FEE_PERCENT", "PLATFORM_FEE_PCT_FREE", "PLATFORM_FEE_PCT_BASIC",
		"PLATFORM_FEE_PCT_PRO", "DEFAULT_SELLER_TIER", "PROMO_VALIDATE_RATE_LIMIT_PER_MINUTE",
		"EVENT_REPLAY_CACHE_TTL_HOURS",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "COMMISSION_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "COMMISSION_SERVICE_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	err = config.Validate()
	return
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "commission"
	}
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.PayoutCurrency = strings.ToLower(strings.TrimSpace(c.PayoutCurrency))
	c.SuspendedAffiliatePolicy = strings.ToLower(strings.TrimSpace(c.SuspendedAffiliatePolicy))
	c.DefaultSellerTier = strings.ToUpper(strings.TrimSpace(c.DefaultSellerTier))

	if c.TransferTimeoutSeconds <= 0 {
		slog.Warn("non-positive transfer timeout configured; using default", "component", "config", "value", c.TransferTimeoutSeconds)
		c.TransferTimeoutSeconds = 20
	}
	if c.MinPayoutCents < 0 {
		slog.Warn("negative minimum payout configured; coercing to zero", "component", "config", "value", c.MinPayoutCents)
		c.MinPayoutCents = 0
	}
	if c.HoldPeriodInvoicePaidHours < 0 {
		c.HoldPeriodInvoicePaidHours = 0
	}
	if c.HoldPeriodOrderPaidHours < 0 {
		c.HoldPeriodOrderPaidHours = 0
	}
	if c.ReconcileStaleAfterMinutes <= 0 {
		c.ReconcileStaleAfterMinutes = 30
	}
	if c.OutboxPollIntervalMS <= 0 {
		c.OutboxPollIntervalMS = 1200
	}
	if c.StripeRequestsPerSecond <= 0 {
		c.StripeRequestsPerSecond = 20
	}
	if c.EventReplayCacheTTLHours <= 0 {
		c.EventReplayCacheTTLHours = 72
	}
	if c.SuspendedAffiliatePolicy != SuspendedPolicyAccrue && c.SuspendedAffiliatePolicy != SuspendedPolicyExclude {
		slog.Warn("unknown suspended affiliate policy; defaulting to accrue", "component", "config", "value", c.SuspendedAffiliatePolicy)
		c.SuspendedAffiliatePolicy = SuspendedPolicyAccrue
	}
}

// Validate checks settings that cannot be coerced into something safe.
func (c Config) Validate() error {
	if _, err := c.Shares(); err != nil {
		return err
	}
	if _, err := c.PlatformFeePercents(); err != nil {
		return err
	}
	if _, err := ParsePercent("PROCESSOR_FEE_PERCENT", c.ProcessorFeePercent); err != nil {
		return err
	}
	if c.ProcessorFeeFixedCents < 0 {
		return errors.New("PROCESSOR_FEE_FIXED_CENTS must not be negative")
	}
	return nil
}

// ShareSplit is the configured commission split per tier.
type ShareSplit struct {
	SoleDirect decimal.Decimal
	Direct     decimal.Decimal
	Sub        decimal.Decimal
	Parent     decimal.Decimal
}

// Shares parses and validates the tier split. A chain with upline never pays out
// more than 100% of the event amount.
func (c Config) Shares() (ShareSplit, error) {
	var (
		split ShareSplit
		err   error
	)
	if split.SoleDirect, err = ParsePercent("SOLE_DIRECT_SHARE_PCT", c.SoleDirectSharePct); err != nil {
		return ShareSplit{}, err
	}
	if split.Direct, err = ParsePercent("DIRECT_SHARE_PCT", c.DirectSharePct); err != nil {
		return ShareSplit{}, err
	}
	if split.Sub, err = ParsePercent("SUB_SHARE_PCT", c.SubSharePct); err != nil {
		return ShareSplit{}, err
	}
	if split.Parent, err = ParsePercent("PARENT_SHARE_PCT", c.ParentSharePct); err != nil {
		return ShareSplit{}, err
	}
	if total := split.Direct.Add(split.Sub).Add(split.Parent); total.GreaterThan(decimal.NewFromInt(100)) {
		return ShareSplit{}, fmt.Errorf("DIRECT_SHARE_PCT + SUB_SHARE_PCT + PARENT_SHARE_PCT must not exceed 100, got %s", total)
	}
	return split, nil
}

// PlatformFeePercents returns the platform fee per seller subscription tier.
func (c Config) PlatformFeePercents() (map[string]decimal.Decimal, error) {
	percents := make(map[string]decimal.Decimal, 3)
	for tier, raw := range map[string]string{
		"FREE":  c.PlatformFeePctFree,
		"BASIC": c.PlatformFeePctBasic,
		"PRO":   c.PlatformFeePctPro,
	} {
		pct, err := ParsePercent("PLATFORM_FEE_PCT_"+tier, raw)
		if err != nil {
			return nil, err
		}
		percents[tier] = pct
	}
	return percents, nil
}

// ParsePercent parses a percentage in [0, 100].
func ParsePercent(name, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be within [0, 100], got %s", name, value)
	}
	return value, nil
}

// HoldPeriod returns how long a credit for eventType stays PENDING.
func (c Config) HoldPeriod(eventType string) time.Duration {
	switch eventType {
	case "INVOICE_PAID":
		return time.Duration(c.HoldPeriodInvoicePaidHours) * time.Hour
	case "ORDER_PAID":
		return time.Duration(c.HoldPeriodOrderPaidHours) * time.Hour
	}
	return 0
}

// TransferTimeout bounds a single external transfer call.
func (c Config) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSeconds) * time.Second
}

// ReconcileStaleAfter is how long a CREATED payout may exist before reconciliation.
func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}

// OutboxPollInterval is the outbox dispatcher tick.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

// EventReplayCacheTTL is how long processed event ids are remembered in Redis.
func (c Config) EventReplayCacheTTL() time.Duration {
	return time.Duration(c.EventReplayCacheTTLHours) * time.Hour
}
