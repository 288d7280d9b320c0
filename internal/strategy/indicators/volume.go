package indicators

import "upbitScalper/internal/domain"

// RelativeVolume returns the current volume divided by the mean volume of history.
// It returns 1 when history is empty or has no volume.
func RelativeVolume(current float64, history []*domain.Candle) float64 {
	if len(history) == 0 {
		return 1
	}
	total := 0.0
	for _, c := range history {
		total += c.Volume
	}
	avg := total / float64(len(history))
	if avg == 0 {
		return 1
	}
	return current / avg
}

// ChangePercent returns the candle's close-to-open change in percent.
func ChangePercent(c *domain.Candle) float64 {
	if c.Open == 0 {
		return 0
	}
	return (c.Close - c.Open) / c.Open * 100
}

// VWAP returns the volume-weighted typical price, (high+low+close)/3, over the last window candles.
// ok is false when the window carries no volume.
func VWAP(candles []*domain.Candle, window int) (vwap float64, ok bool) {
	if window > 0 && len(candles) > window {
		candles = candles[len(candles)-window:]
	}
	var pv, vol float64
	for _, c := range candles {
		pv += (c.High + c.Low + c.Close) / 3 * c.Volume
		vol += c.Volume
	}
	if vol <= 0 {
		return 0, false
	}
	return pv / vol, true
}
