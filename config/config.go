// Package config loads service configuration from environment variables and
// an optional config file, with sane defaults for everything but secrets.
package config

import (
	"fmt"
	"strings"
	"time"

	"servicehub/assignment"
	"servicehub/payment"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the servicehub process.
type Config struct {
	DatabaseURL string
	ListenAddr  string
	JWTSecret   string

	LogLevel  string
	LogFormat string

	Gateway GatewayConfig
	Fees    FeeConfig
	Scoring ScoringConfig

	DefaultMaxActive int
	OutboxInterval   time.Duration
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	BaseURL string
	KeyID   string
	Secret  string
	Timeout time.Duration
}

// FeeConfig mirrors payment.FeeSchedule with string rates so values survive
// env-var round trips exactly.
type FeeConfig struct {
	IndividualFeeRate   string
	FirmFeeRate         string
	TDSRate             string
	TDSThreshold        string
	ProcessingFee       string
	RefundInProgressPct string
	AmountBandPct       string
	AutoReleaseAfter    time.Duration
}

// ScoringConfig carries the assignment scoring weights.
type ScoringConfig struct {
	Specialization float64
	Experience     float64
	Rating         float64
	Reputation     float64
	Availability   float64
	BudgetFit      float64
}

// Load reads configuration with precedence env > file > defaults. Env vars use
// the SERVICEHUB_ prefix with underscores for nesting, e.g.
// SERVICEHUB_GATEWAY_SECRET.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("gateway.base_url", "https://api.razorpay.com/v1")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("fees.individual_fee_rate", "0.10")
	v.SetDefault("fees.firm_fee_rate", "0.15")
	v.SetDefault("fees.tds_rate", "0.10")
	v.SetDefault("fees.tds_threshold", "10000")
	v.SetDefault("fees.processing_fee", "100")
	v.SetDefault("fees.refund_in_progress_pct", "50")
	v.SetDefault("fees.amount_band_pct", "0.20")
	v.SetDefault("fees.auto_release_after", "72h")
	v.SetDefault("scoring.specialization", 30.0)
	v.SetDefault("scoring.experience", 15.0)
	v.SetDefault("scoring.rating", 15.0)
	v.SetDefault("scoring.reputation", 10.0)
	v.SetDefault("scoring.availability", 20.0)
	v.SetDefault("scoring.budget_fit", 10.0)
	v.SetDefault("default_max_active", 15)
	v.SetDefault("outbox_interval", "1s")

	v.SetEnvPrefix("SERVICEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		DatabaseURL: v.GetString("database_url"),
		ListenAddr:  v.GetString("listen_addr"),
		JWTSecret:   v.GetString("jwt_secret"),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   v.GetString("log_format"),
		Gateway: GatewayConfig{
			BaseURL: v.GetString("gateway.base_url"),
			KeyID:   v.GetString("gateway.key_id"),
			Secret:  v.GetString("gateway.secret"),
			Timeout: v.GetDuration("gateway.timeout"),
		},
		Fees: FeeConfig{
			IndividualFeeRate:   v.GetString("fees.individual_fee_rate"),
			FirmFeeRate:         v.GetString("fees.firm_fee_rate"),
			TDSRate:             v.GetString("fees.tds_rate"),
			TDSThreshold:        v.GetString("fees.tds_threshold"),
			ProcessingFee:       v.GetString("fees.processing_fee"),
			RefundInProgressPct: v.GetString("fees.refund_in_progress_pct"),
			AmountBandPct:       v.GetString("fees.amount_band_pct"),
			AutoReleaseAfter:    v.GetDuration("fees.auto_release_after"),
		},
		Scoring: ScoringConfig{
			Specialization: v.GetFloat64("scoring.specialization"),
			Experience:     v.GetFloat64("scoring.experience"),
			Rating:         v.GetFloat64("scoring.rating"),
			Reputation:     v.GetFloat64("scoring.reputation"),
			Availability:   v.GetFloat64("scoring.availability"),
			BudgetFit:      v.GetFloat64("scoring.budget_fit"),
		},
		DefaultMaxActive: v.GetInt("default_max_active"),
		OutboxInterval:   v.GetDuration("outbox_interval"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database_url is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: jwt_secret is required")
	}
	return cfg, nil
}

// FeeSchedule converts the string-typed fee configuration into the ledger's
// decimal schedule.
func (f FeeConfig) FeeSchedule() (payment.FeeSchedule, error) {
	out := payment.FeeSchedule{AutoReleaseAfter: f.AutoReleaseAfter}

	fields := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{f.IndividualFeeRate, &out.IndividualFeeRate, "individual_fee_rate"},
		{f.FirmFeeRate, &out.FirmFeeRate, "firm_fee_rate"},
		{f.TDSRate, &out.TDSRate, "tds_rate"},
		{f.TDSThreshold, &out.TDSThreshold, "tds_threshold"},
		{f.ProcessingFee, &out.ProcessingFee, "processing_fee"},
		{f.RefundInProgressPct, &out.RefundInProgressPct, "refund_in_progress_pct"},
		{f.AmountBandPct, &out.AmountBandPct, "amount_band_pct"},
	}
	for _, field := range fields {
		d, err := decimal.NewFromString(field.raw)
		if err != nil {
			return payment.FeeSchedule{}, fmt.Errorf("config: bad fees.%s %q: %w", field.name, field.raw, err)
		}
		*field.dst = d
	}
	return out, nil
}

// Weights converts the scoring configuration into engine weights.
func (s ScoringConfig) Weights() assignment.Weights {
	return assignment.Weights{
		Specialization: s.Specialization,
		Experience:     s.Experience,
		Rating:         s.Rating,
		Reputation:     s.Reputation,
		Availability:   s.Availability,
		BudgetFit:      s.BudgetFit,
	}
}
