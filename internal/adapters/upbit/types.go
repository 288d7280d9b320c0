package upbit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"

	"github.com/shopspring/decimal"
)

// APIError is the error body returned by the exchange: {"error":{"name","message"}}.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("upbit api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upbit api error: status %d: %s: %s", e.StatusCode, e.Name, e.Message)
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wire struct {
		Error struct {
			Name    json.RawMessage `json:"name"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	// name is a string on most endpoints and a number on a few.
	apiErr.Name = strings.Trim(string(wire.Error.Name), `"`)
	apiErr.Message = wire.Error.Message
	return apiErr
}

// mapAPIError translates exchange error names into standard errors.
func mapAPIError(e *APIError) error {
	if isDuplicateIdentifier(e) {
		return ports.ErrDuplicateIdentifier
	}
	switch e.Name {
	case "insufficient_funds_ask", "insufficient_funds_bid":
		return ports.ErrInsufficientFunds
	case "under_min_total_ask", "under_min_total_bid":
		return ports.ErrBelowMinimumOrder
	case "jwt_verification", "invalid_access_key", "expired_access_key",
		"nonce_used", "no_authorization_i_p", "no_authorization_token", "out_of_scope":
		return ports.ErrAuthenticationFailed
	case "order_not_found":
		return ports.ErrOrderNotFound
	case "validation_error", "invalid_parameter", "invalid_query_payload", "create_ask_error", "create_bid_error":
		return ports.ErrInvalidRequest
	}
	switch e.StatusCode {
	case 401:
		return ports.ErrAuthenticationFailed
	case 404:
		return ports.ErrNotFound
	}
	return ports.ErrUnknown
}

// isDuplicateIdentifier matches the rejection of an order whose client
// identifier was already accepted. The exchange reports it under the generic
// create error names, so the message decides.
func isDuplicateIdentifier(e *APIError) bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	msg := strings.ToLower(e.Name + " " + e.Message)
	if !strings.Contains(msg, "identifier") {
		return false
	}
	for _, hint := range []string{"already", "duplicate", "used"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Wire types mirror the exchange JSON. Decimal strings are kept as strings
// and parsed at the boundary.

type tickerWire struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	Timestamp        int64   `json:"timestamp"`
}

type candleWire struct {
	Market               string  `json:"market"`
	CandleDateTimeUTC    string  `json:"candle_date_time_utc"`
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
	CandleAccTradePrice  float64 `json:"candle_acc_trade_price"`
	Unit                 int     `json:"unit"`
}

type orderbookUnitWire struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

type orderbookWire struct {
	Market         string              `json:"market"`
	Timestamp      int64               `json:"timestamp"`
	TotalAskSize   float64             `json:"total_ask_size"`
	TotalBidSize   float64             `json:"total_bid_size"`
	OrderbookUnits []orderbookUnitWire `json:"orderbook_units"`
}

type accountWire struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

type tradeWire struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Funds  string `json:"funds"`
}

type orderWire struct {
	UUID            string      `json:"uuid"`
	Identifier      string      `json:"identifier"`
	Side            string      `json:"side"`
	OrdType         string      `json:"ord_type"`
	Price           string      `json:"price"`
	Volume          string      `json:"volume"`
	State           string      `json:"state"`
	Market          string      `json:"market"`
	CreatedAt       string      `json:"created_at"`
	ExecutedVolume  string      `json:"executed_volume"`
	RemainingVolume string      `json:"remaining_volume"`
	PaidFee         string      `json:"paid_fee"`
	TradesCount     int         `json:"trades_count"`
	Trades          []tradeWire `json:"trades"`
}

// parseDecimal parses an exchange decimal string. Empty and null values are zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: field %s: %q", ports.ErrInvalidResponse, field, s)
	}
	return d, nil
}

func (w *tickerWire) toDomain() (*domain.Ticker, error) {
	if w.Market == "" || w.TradePrice <= 0 {
		return nil, fmt.Errorf("%w: ticker missing market or trade_price", ports.ErrInvalidResponse)
	}
	return &domain.Ticker{
		Market:           w.Market,
		TradePrice:       w.TradePrice,
		SignedChangeRate: w.SignedChangeRate,
		Timestamp:        time.UnixMilli(w.Timestamp),
	}, nil
}

func (w *candleWire) toDomain() (*domain.Candle, error) {
	openTime, err := time.Parse("2006-01-02T15:04:05", w.CandleDateTimeUTC)
	if err != nil {
		return nil, fmt.Errorf("%w: candle time %q", ports.ErrInvalidResponse, w.CandleDateTimeUTC)
	}
	if w.TradePrice <= 0 || w.HighPrice < w.LowPrice {
		return nil, fmt.Errorf("%w: candle prices at %s", ports.ErrInvalidResponse, w.CandleDateTimeUTC)
	}
	return &domain.Candle{
		Market:   w.Market,
		Unit:     w.Unit,
		OpenTime: openTime.UTC(),
		Open:     w.OpeningPrice,
		High:     w.HighPrice,
		Low:      w.LowPrice,
		Close:    w.TradePrice,
		Volume:   w.CandleAccTradeVolume,
		Notional: w.CandleAccTradePrice,
	}, nil
}

func (w *orderbookWire) toDomain() *domain.Orderbook {
	ob := &domain.Orderbook{
		Market:       w.Market,
		TotalAskSize: w.TotalAskSize,
		TotalBidSize: w.TotalBidSize,
		Levels:       make([]domain.OrderbookLevel, 0, len(w.OrderbookUnits)),
		Timestamp:    time.UnixMilli(w.Timestamp),
	}
	for _, u := range w.OrderbookUnits {
		ob.Levels = append(ob.Levels, domain.OrderbookLevel{
			AskPrice: u.AskPrice,
			BidPrice: u.BidPrice,
			AskSize:  u.AskSize,
			BidSize:  u.BidSize,
		})
	}
	return ob
}

func (w *accountWire) toDomain() (*domain.Balance, error) {
	bal, err := parseDecimal("balance", w.Balance)
	if err != nil {
		return nil, err
	}
	locked, err := parseDecimal("locked", w.Locked)
	if err != nil {
		return nil, err
	}
	avg, err := parseDecimal("avg_buy_price", w.AvgBuyPrice)
	if err != nil {
		return nil, err
	}
	return &domain.Balance{
		Currency:     w.Currency,
		Balance:      bal.InexactFloat64(),
		Locked:       locked.InexactFloat64(),
		AvgBuyPrice:  avg.InexactFloat64(),
		UnitCurrency: w.UnitCurrency,
	}, nil
}

func mapOrderState(state string, executed decimal.Decimal) (domain.OrderState, error) {
	switch state {
	case "wait", "watch":
		if executed.IsPositive() {
			return domain.OrderPartiallyFilled, nil
		}
		return domain.OrderSubmitted, nil
	case "done":
		return domain.OrderFilled, nil
	case "cancel":
		return domain.OrderCanceled, nil
	}
	return "", fmt.Errorf("%w: order state %q", ports.ErrInvalidResponse, state)
}

func (w *orderWire) toDomain() (*domain.Order, error) {
	if w.UUID == "" {
		return nil, fmt.Errorf("%w: order without uuid", ports.ErrInvalidResponse)
	}
	executed, err := parseDecimal("executed_volume", w.ExecutedVolume)
	if err != nil {
		return nil, err
	}
	fee, err := parseDecimal("paid_fee", w.PaidFee)
	if err != nil {
		return nil, err
	}
	state, err := mapOrderState(w.State, executed)
	if err != nil {
		return nil, err
	}

	var requested decimal.Decimal
	orderType := domain.OrderType(w.OrdType)
	if orderType == domain.OrderTypePrice {
		requested, err = parseDecimal("price", w.Price)
	} else {
		requested, err = parseDecimal("volume", w.Volume)
	}
	if err != nil {
		return nil, err
	}

	notional := decimal.Zero
	for _, t := range w.Trades {
		funds, err := parseDecimal("trades.funds", t.Funds)
		if err != nil {
			return nil, err
		}
		if funds.IsZero() {
			price, perr := parseDecimal("trades.price", t.Price)
			if perr != nil {
				return nil, perr
			}
			vol, verr := parseDecimal("trades.volume", t.Volume)
			if verr != nil {
				return nil, verr
			}
			funds = price.Mul(vol)
		}
		notional = notional.Add(funds)
	}

	createdAt, _ := time.Parse(time.RFC3339, w.CreatedAt)
	return &domain.Order{
		ID:              w.UUID,
		Identifier:      w.Identifier,
		Market:          w.Market,
		Side:            domain.OrderSide(w.Side),
		Type:            orderType,
		RequestedAmount: requested.InexactFloat64(),
		State:           state,
		FilledVolume:    executed.InexactFloat64(),
		FilledNotional:  notional.InexactFloat64(),
		PaidFee:         fee.InexactFloat64(),
		CreatedAt:       createdAt,
	}, nil
}

// FormatVolume truncates a coin volume to 8 decimals, the exchange precision.
func FormatVolume(volume float64) string {
	return decimal.NewFromFloat(volume).Truncate(8).String()
}

// FormatNotional floors a KRW amount to a whole won.
func FormatNotional(notional float64) string {
	return decimal.NewFromFloat(notional).Floor().String()
}
