package analytics

import (
	"fmt"
	"time"

	"upbitScalper/internal/domain"
)

// Summary is the compact trade report printed on every status tick.
type Summary struct {
	Trades        int
	Wins          int
	Losses        int
	WinRate       float64 // Percent
	TotalProfit   float64 // KRW
	AvgProfitRate float64 // Percent
	AvgHolding    time.Duration
	ByReason      map[domain.ExitReason]int
}

// Summarize aggregates closed trades.
func Summarize(trades []*domain.Trade) Summary {
	s := Summary{ByReason: make(map[domain.ExitReason]int)}
	var rateSum float64
	for _, trade := range trades {
		if trade == nil {
			continue
		}
		s.Trades++
		if trade.IsWin() {
			s.Wins++
		} else {
			s.Losses++
		}
		s.TotalProfit += trade.Profit
		rateSum += trade.ProfitRate
		s.ByReason[trade.CloseReason]++
	}
	if s.Trades == 0 {
		return s
	}
	s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	s.AvgProfitRate = rateSum / float64(s.Trades)

	valid := make([]*domain.Trade, 0, s.Trades)
	for _, trade := range trades {
		if trade != nil {
			valid = append(valid, trade)
		}
	}
	s.AvgHolding = averageHolding(valid)
	return s
}

func (s Summary) String() string {
	if s.Trades == 0 {
		return "no trades"
	}
	return fmt.Sprintf("trades=%d wins=%d losses=%d winRate=%.1f%% profit=%.0fKRW avgRate=%.3f%% avgHold=%s",
		s.Trades, s.Wins, s.Losses, s.WinRate, s.TotalProfit, s.AvgProfitRate, s.AvgHolding.Round(time.Second))
}
