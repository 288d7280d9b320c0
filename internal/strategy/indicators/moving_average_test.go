package indicators

import (
	"context"
	"testing"
	"time"

	"upbitScalper/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closesToCandles(closes ...float64) []*domain.Candle {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = &domain.Candle{OpenTime: start.Add(time.Duration(i) * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestMovingAverage_Calculate(t *testing.T) {
	candles := closesToCandles(100, 102, 101, 103, 104)

	tests := []struct {
		name    string
		kind    MovingAverageType
		period  int
		candles []*domain.Candle
		want    float64
		wantErr bool
	}{
		{"SMA of the last three closes", SimpleMovingAverage, 3, candles, (101.0 + 103 + 104) / 3, false},
		// Seed (100+102+101)/3 = 101, then k=0.5: 102, 103
		{"EMA seeded with SMA", ExponentialMovingAverage, 3, candles, 103, false},
		{"EMA over exactly one period equals SMA", ExponentialMovingAverage, 5, candles, 102, false},
		{"insufficient data", SimpleMovingAverage, 10, candles, 0, true},
		{"no candles", ExponentialMovingAverage, 3, nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ma, err := NewMovingAverage(MovingAverageConfig{IndicatorConfig: IndicatorConfig{Period: tt.period}, Type: tt.kind})
			require.NoError(t, err)

			got, err := ma.Calculate(context.Background(), tt.candles)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestNewMovingAverage_Validation(t *testing.T) {
	_, err := NewMovingAverage(MovingAverageConfig{IndicatorConfig: IndicatorConfig{Period: 0}, Type: SimpleMovingAverage})
	assert.Error(t, err)

	_, err = NewMovingAverage(MovingAverageConfig{IndicatorConfig: IndicatorConfig{Period: 3}, Type: "WMA"})
	assert.Error(t, err)

	ma, err := NewMovingAverage(MovingAverageConfig{IndicatorConfig: IndicatorConfig{Period: 20}, Type: ExponentialMovingAverage})
	require.NoError(t, err)
	assert.Equal(t, "EMA20", ma.Name())
	assert.Equal(t, 20, ma.RequiredDataPoints())
}

func TestVWAP(t *testing.T) {
	candles := []*domain.Candle{
		{High: 1000, Low: 1000, Close: 1000, Volume: 50}, // outside the window
		{High: 110, Low: 90, Close: 100, Volume: 1},      // typical 100
		{High: 220, Low: 200, Close: 210, Volume: 3},     // typical 210
	}

	got, ok := VWAP(candles, 2)
	require.True(t, ok)
	assert.InDelta(t, (100.0*1+210*3)/4, got, 1e-9)

	_, ok = VWAP([]*domain.Candle{{High: 1, Low: 1, Close: 1}}, 5)
	assert.False(t, ok, "no volume means no VWAP")
}
