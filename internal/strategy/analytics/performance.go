// Package analytics turns closed trades into reports for the status loop and the backtester.
package analytics

import (
	"sort"
	"time"

	"upbitScalper/internal/domain"
)

// PerformanceMetrics describes a sequence of closed trades replayed against a starting balance.
// Rates and drawdowns are fractions, profits are KRW.
type PerformanceMetrics struct {
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	GrossProfit        float64
	GrossLoss          float64 // Positive sum of losing trades
	AverageWin         float64
	AverageLoss        float64 // Negative
	AverageProfitRate  float64 // Percent, mean of Trade.ProfitRate
	ProfitFactor       float64
	Expectancy         float64
	RiskRewardRatio    float64
	FinalBalance       float64
	ReturnOnInvestment float64

	MaxDrawdown          float64
	ProfitToMaxDrawdown  float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration

	ExitReasons    map[domain.ExitReason]int
	MonthlyReturns map[string]float64 // "2006-01" -> KRW
	Drawdowns      []Drawdown
	EquityCurve    []EquityPoint
}

// Drawdown is a stretch where the balance sat below its previous peak.
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint is the balance after one trade.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// MonthlyReturn is the realized profit of one calendar month.
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// AnalyzePerformance replays trades in exit order. The caller's slice is not reordered.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *PerformanceMetrics {
	summary := Summarize(trades)
	m := &PerformanceMetrics{
		TotalTrades:          summary.Trades,
		WinningTrades:        summary.Wins,
		LosingTrades:         summary.Losses,
		TotalProfit:          summary.TotalProfit,
		AverageProfitRate:    summary.AvgProfitRate,
		AverageTradeDuration: summary.AvgHolding,
		ExitReasons:          summary.ByReason,
		FinalBalance:         initialBalance,
		MonthlyReturns:       make(map[string]float64),
	}
	if m.TotalTrades == 0 {
		return m
	}

	equity := newEquityTracker(initialBalance)
	var run streak
	for _, trade := range sortedByExit(trades) {
		if trade.IsWin() {
			m.GrossProfit += trade.Profit
		} else {
			m.GrossLoss -= trade.Profit
		}
		run.add(trade.IsWin())
		m.MonthlyReturns[trade.ExitTime.Format("2006-01")] += trade.Profit
		equity.apply(trade.ExitTime, trade.Profit)
	}
	equity.finish()

	m.FinalBalance = equity.balance
	m.MaxDrawdown = equity.maxDepth
	m.Drawdowns = equity.drawdowns
	m.EquityCurve = equity.curve
	m.MaxConsecutiveWins, m.MaxConsecutiveLosses = run.maxWins, run.maxLosses

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AverageWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = -m.GrossLoss / float64(m.LosingTrades)
	}
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}
	if m.AverageLoss != 0 {
		m.RiskRewardRatio = m.AverageWin / -m.AverageLoss
	}
	m.Expectancy = m.WinRate*m.AverageWin + (1-m.WinRate)*m.AverageLoss
	if initialBalance > 0 {
		m.ReturnOnInvestment = (m.FinalBalance - initialBalance) / initialBalance
		if m.MaxDrawdown > 0 {
			m.ProfitToMaxDrawdown = m.TotalProfit / (initialBalance * m.MaxDrawdown)
		}
	}
	return m
}

// GetMonthlyReturns returns the monthly returns, oldest month first.
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, err := time.Parse("2006-01", month)
		if err != nil {
			continue
		}
		returns = append(returns, MonthlyReturn{Month: date, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool { return returns[i].Month.Before(returns[j].Month) })
	return returns
}

// equityTracker follows the running balance, its peak and the drawdown periods below it.
type equityTracker struct {
	balance   float64
	peak      float64
	maxDepth  float64
	current   *Drawdown
	last      time.Time
	drawdowns []Drawdown
	curve     []EquityPoint
}

func newEquityTracker(initial float64) *equityTracker {
	return &equityTracker{balance: initial, peak: initial}
}

func (e *equityTracker) apply(at time.Time, profit float64) {
	e.balance += profit
	e.last = at

	if e.balance > e.peak {
		e.peak = e.balance
		e.closeDrawdown()
	} else if depth := drawdownFrom(e.peak, e.balance); depth > 0 {
		if e.current == nil {
			e.current = &Drawdown{StartTime: at, StartValue: e.peak}
		}
		e.current.Depth = max(e.current.Depth, depth)
		e.maxDepth = max(e.maxDepth, depth)
	}

	e.curve = append(e.curve, EquityPoint{Time: at, Value: e.balance, Drawdown: drawdownFrom(e.peak, e.balance)})
}

// finish records a drawdown still open after the last trade.
func (e *equityTracker) finish() { e.closeDrawdown() }

func (e *equityTracker) closeDrawdown() {
	if e.current == nil {
		return
	}
	e.current.EndTime = e.last
	e.current.EndValue = e.balance
	e.current.Duration = e.current.EndTime.Sub(e.current.StartTime)
	e.drawdowns = append(e.drawdowns, *e.current)
	e.current = nil
}

// streak counts consecutive wins and losses.
type streak struct {
	wins, losses       int
	maxWins, maxLosses int
}

func (s *streak) add(win bool) {
	if win {
		s.wins, s.losses = s.wins+1, 0
	} else {
		s.wins, s.losses = 0, s.losses+1
	}
	s.maxWins = max(s.maxWins, s.wins)
	s.maxLosses = max(s.maxLosses, s.losses)
}

func sortedByExit(trades []*domain.Trade) []*domain.Trade {
	out := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out
}

func drawdownFrom(peak, current float64) float64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return (peak - current) / peak
}

func averageHolding(trades []*domain.Trade) time.Duration {
	if len(trades) == 0 {
		return 0
	}
	var total time.Duration
	for _, trade := range trades {
		total += trade.HoldingDuration()
	}
	return total / time.Duration(len(trades))
}
