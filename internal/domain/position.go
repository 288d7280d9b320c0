package domain

import (
	"errors"
	"time"
)

// ErrInvalidPosition is returned when a position would violate volume>0 && avgEntryPrice>0.
var ErrInvalidPosition = errors.New("position requires positive volume and average entry price")

// PriceSample is a single observed price used for momentum and sideways detection.
type PriceSample struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Position represents the single long position held by the bot.
// A Position value always satisfies Volume > 0 and AvgEntryPrice > 0; "flat" is a nil *Position.
type Position struct {
	Market               string        `json:"market"`
	Volume               float64       `json:"volume"`
	AvgEntryPrice        float64       `json:"avgEntryPrice"`
	InvestedNotional     float64       `json:"investedNotional"` // KRW spent including additional entries
	EntryTime            time.Time     `json:"entryTimestamp"`
	HighestPrice         float64       `json:"highestPriceSinceEntry"`
	AdditionalEntryCount int           `json:"additionalEntryCount"`
	Samples              []PriceSample `json:"recentPriceSamples,omitempty"`
}

// NewPosition creates a position, enforcing the volume/price invariant.
func NewPosition(market string, volume, avgEntryPrice, invested float64, at time.Time) (*Position, error) {
	if volume <= 0 || avgEntryPrice <= 0 {
		return nil, ErrInvalidPosition
	}
	if invested <= 0 {
		invested = volume * avgEntryPrice
	}
	return &Position{
		Market:           market,
		Volume:           volume,
		AvgEntryPrice:    avgEntryPrice,
		InvestedNotional: invested,
		EntryTime:        at,
		HighestPrice:     avgEntryPrice,
	}, nil
}

// Valid reports whether the position satisfies its invariant.
func (p *Position) Valid() bool {
	return p != nil && p.Volume > 0 && p.AvgEntryPrice > 0
}

// ProfitRate returns the gross profit rate in percent at the given price.
func (p *Position) ProfitRate(price float64) float64 {
	if p.AvgEntryPrice <= 0 {
		return 0
	}
	return (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
}

// DropFromHigh returns the retracement from the highest observed price, in percent.
func (p *Position) DropFromHigh(price float64) float64 {
	if p.HighestPrice <= 0 {
		return 0
	}
	return (p.HighestPrice - price) / p.HighestPrice * 100
}

// HoldingDuration returns how long the position has been held.
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Observe records a price tick: it raises the high-water mark and keeps samples newer than window.
func (p *Position) Observe(price float64, at time.Time, window time.Duration) {
	if price <= 0 {
		return
	}
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	p.Samples = append(p.Samples, PriceSample{Price: price, At: at})

	cutoff := at.Add(-window)
	i := 0
	for i < len(p.Samples) && p.Samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.Samples = append([]PriceSample(nil), p.Samples[i:]...)
	}
}

func (p *Position) samplesSince(since time.Time) []PriceSample {
	for i, s := range p.Samples {
		if !s.At.Before(since) {
			return p.Samples[i:]
		}
	}
	return nil
}

// PriceChange returns the percent change between the oldest and newest sample inside period.
// ok is false when fewer than 3 samples fall inside the period.
func (p *Position) PriceChange(period time.Duration, now time.Time) (change float64, ok bool) {
	recent := p.samplesSince(now.Add(-period))
	if len(recent) < 3 {
		return 0, false
	}
	first := recent[0].Price
	last := recent[len(recent)-1].Price
	return (last - first) / first * 100, true
}

// PriceRange returns (high-low)/low in percent over period.
// ok is false when fewer than 5 samples fall inside the period.
func (p *Position) PriceRange(period time.Duration, now time.Time) (rangePct float64, ok bool) {
	recent := p.samplesSince(now.Add(-period))
	if len(recent) < 5 {
		return 0, false
	}
	high, low := recent[0].Price, recent[0].Price
	for _, s := range recent[1:] {
		if s.Price > high {
			high = s.Price
		}
		if s.Price < low {
			low = s.Price
		}
	}
	return (high - low) / low * 100, true
}

// AddEntry folds an additional buy into the position and recomputes the average entry price.
func (p *Position) AddEntry(volume, notional float64) error {
	if volume <= 0 || notional <= 0 {
		return ErrInvalidPosition
	}
	p.Volume += volume
	p.InvestedNotional += notional
	p.AvgEntryPrice = p.InvestedNotional / p.Volume
	p.AdditionalEntryCount++
	return nil
}

// Clone returns a deep copy safe to hand out of the owning goroutine.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Samples = append([]PriceSample(nil), p.Samples...)
	return &c
}
