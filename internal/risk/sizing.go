package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// SizingConfig holds the sizing parameters.
type SizingConfig struct {
	RiskFraction float64 // Share of balance put at risk per trade
	MinOrder     float64 // KRW
	MaxOrder     float64 // KRW; 0 means no cap besides the balance
}

// Sizer computes entry notional from balance, stop distance and volatility.
type Sizer struct {
	cfg SizingConfig
}

// NewSizer creates a sizer, filling unset fields with defaults.
func NewSizer(cfg SizingConfig) *Sizer {
	if cfg.RiskFraction <= 0 {
		cfg.RiskFraction = 0.02
	}
	if cfg.MinOrder <= 0 {
		cfg.MinOrder = 5000
	}
	return &Sizer{cfg: cfg}
}

// VolatilityScale maps ATR percent to a size multiplier in [0.4, 1.0].
// At or below 0.1% the multiplier is 1.0; it falls linearly to 0.4 at 0.25%.
func VolatilityScale(atrPct float64) float64 {
	if math.IsNaN(atrPct) || math.IsInf(atrPct, 0) {
		return 0.4
	}
	return clamp(1.4-atrPct/0.25, 0.4, 1.0)
}

// AllocateNotional returns the KRW to spend on an entry, or 0 when the balance
// cannot cover the minimum order. stopLossPct is in percent units (-0.8 = -0.8%).
func (s *Sizer) AllocateNotional(balance, stopLossPct, atrPct float64) float64 {
	if math.IsNaN(balance) || balance < s.cfg.MinOrder {
		return 0
	}
	stop := math.Max(math.Abs(stopLossPct)/100, 1e-4)
	raw := balance * s.cfg.RiskFraction / stop * VolatilityScale(atrPct)

	upper := balance
	if s.cfg.MaxOrder > 0 && s.cfg.MaxOrder < upper {
		upper = s.cfg.MaxOrder
	}
	notional := clamp(raw, s.cfg.MinOrder, upper)
	return decimal.NewFromFloat(notional).Floor().InexactFloat64()
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
