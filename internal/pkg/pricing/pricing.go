package pricing

import (
	"strings"

	"github.com/codexlong/ChatForge/app/models"
	"github.com/codexlong/ChatForge/internal/pkg/env"
)

const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

const (
	DaysMonthly = 30
	DaysYearly  = 365
)

// Table is the single source of pricing truth. Alipay and WeChat settle in
// CNY, card/wallet providers in USD.
type Table struct {
	Currency string
	Monthly  float64
	Yearly   float64
}

// Config holds pricing plus the per-currency amount cutoffs used as a last
// resort when an event carries no order metadata: an amount above the cutoff
// is treated as a yearly purchase. The cutoffs are deployment configuration,
// not engine logic.
type Config struct {
	USD Table
	CNY Table

	YearlyCutoffUSD float64
	YearlyCutoffCNY float64
}

// NewConfigFromEnv builds pricing from environment settings with the
// production defaults.
func NewConfigFromEnv() *Config {
	return &Config{
		USD: Table{
			Currency: "USD",
			Monthly:  env.GetEnvFloat("PRICE_USD_MONTHLY", 9.99),
			Yearly:   env.GetEnvFloat("PRICE_USD_YEARLY", 99.99),
		},
		CNY: Table{
			Currency: "CNY",
			Monthly:  env.GetEnvFloat("PRICE_CNY_MONTHLY", 68),
			Yearly:   env.GetEnvFloat("PRICE_CNY_YEARLY", 648),
		},
		YearlyCutoffUSD: env.GetEnvFloat("PRICE_YEARLY_CUTOFF_USD", 50),
		YearlyCutoffCNY: env.GetEnvFloat("PRICE_YEARLY_CUTOFF_CNY", 400),
	}
}

// TableForMethod returns the pricing table used by a payment method.
func (c *Config) TableForMethod(method string) Table {
	switch method {
	case models.PaymentMethodAlipay, models.PaymentMethodWeChat:
		return c.CNY
	default:
		return c.USD
	}
}

// AmountFor returns the charge amount for a method and billing cycle.
func (c *Config) AmountFor(method, cycle string) (float64, string) {
	t := c.TableForMethod(method)
	if NormalizeCycle(cycle) == CycleYearly {
		return t.Yearly, t.Currency
	}
	return t.Monthly, t.Currency
}

// DaysForCycle maps a billing cycle to entitlement days.
func DaysForCycle(cycle string) int {
	if NormalizeCycle(cycle) == CycleYearly {
		return DaysYearly
	}
	return DaysMonthly
}

// DaysForAmount infers entitlement days from a settled amount. This is the
// explicit fallback for events whose order metadata is unavailable; it must
// never override recorded metadata.
func (c *Config) DaysForAmount(currency string, amount float64) int {
	cutoff := c.YearlyCutoffUSD
	if strings.EqualFold(strings.TrimSpace(currency), "CNY") {
		cutoff = c.YearlyCutoffCNY
	}
	if amount > cutoff {
		return DaysYearly
	}
	return DaysMonthly
}

// NormalizeCycle collapses cycle spellings to monthly/yearly.
func NormalizeCycle(cycle string) string {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case CycleYearly, "year", "annual", "annually":
		return CycleYearly
	default:
		return CycleMonthly
	}
}
