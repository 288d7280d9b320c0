package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/ratelimit"
)

const maxCandleCount = 200

// performer is the subset of Gateway the client needs.
type performer interface {
	Perform(ctx context.Context, req Request) ([]byte, error)
}

// Client implements ports.ExchangeClient on top of the gateway.
type Client struct {
	gw     performer
	logger ports.Logger
}

// Config holds configuration specific to the Upbit client adapter.
type Config struct {
	Gateway *Gateway
	Logger  ports.Logger
}

// New creates a new Upbit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Upbit client")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required for Upbit client")
	}
	return &Client{gw: cfg.Gateway, logger: cfg.Logger}, nil
}

// handleError wraps a failure with the operation name and logs it.
// Context cancellation is not logged as an error.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ports.ErrContextCanceled) {
		return fmt.Errorf("%s canceled: %w", operation, err)
	}
	c.logger.Error(ctx, err, operation+" failed", map[string]interface{}{"operation": operation})
	return fmt.Errorf("%s: %w", operation, err)
}

func (c *Client) getJSON(ctx context.Context, req Request, out interface{}) error {
	body, err := c.gw.Perform(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ports.ErrInvalidResponse, req.Path, err)
	}
	return nil
}

// GetTicker retrieves the latest trade summary for a market.
func (c *Client) GetTicker(ctx context.Context, market string) (*domain.Ticker, error) {
	op := "GetTicker"
	var wire []tickerWire
	req := Request{Method: http.MethodGet, Path: "/ticker", Params: map[string]string{"markets": market}}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(wire) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("%w: no ticker for %s", ports.ErrInvalidResponse, market), op)
	}
	t, err := wire[0].toDomain()
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return t, nil
}

// GetMinuteCandles retrieves minute candles ordered oldest to newest.
// count is clamped to [1, 200].
func (c *Client) GetMinuteCandles(ctx context.Context, market string, unit, count int) ([]*domain.Candle, error) {
	op := "GetMinuteCandles"
	if count < 1 || count > maxCandleCount {
		c.logger.Warn(ctx, op+": count out of range, clamping", map[string]interface{}{"count": count})
		count = maxCandleCount
	}
	candles, err := c.minuteCandles(ctx, market, unit, count, time.Time{})
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return candles, nil
}

// GetMinuteCandlesRange pages backwards from end and returns every candle
// opened in [start, end), oldest first.
func (c *Client) GetMinuteCandlesRange(ctx context.Context, market string, unit int, start, end time.Time) ([]*domain.Candle, error) {
	op := "GetMinuteCandlesRange"
	if unit <= 0 || !start.Before(end) {
		return nil, fmt.Errorf("%s: %w: unit %d, range %s..%s", op, ports.ErrInvalidRequest, unit, start, end)
	}

	var pages [][]*domain.Candle
	total := 0
	to := end
	for {
		page, err := c.minuteCandles(ctx, market, unit, maxCandleCount, to)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(page) == 0 {
			break
		}
		// Drop candles before start; the page is oldest first.
		first := 0
		for first < len(page) && page[first].OpenTime.Before(start) {
			first++
		}
		pages = append(pages, page[first:])
		total += len(page) - first

		oldest := page[0].OpenTime
		if first > 0 || !oldest.After(start) || len(page) < maxCandleCount || !oldest.Before(to) {
			break
		}
		to = oldest
		c.logger.Debug(ctx, op+": page fetched", map[string]interface{}{"market": market, "total": total, "next": to.Format(time.RFC3339)})
	}

	candles := make([]*domain.Candle, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		candles = append(candles, pages[i]...)
	}
	return candles, nil
}

// minuteCandles fetches one page ending before to (exclusive); a zero to means now.
func (c *Client) minuteCandles(ctx context.Context, market string, unit, count int, to time.Time) ([]*domain.Candle, error) {
	params := map[string]string{"market": market, "count": strconv.Itoa(count)}
	if !to.IsZero() {
		params["to"] = to.UTC().Format("2006-01-02T15:04:05Z")
	}
	var wire []candleWire
	req := Request{
		Method: http.MethodGet,
		Path:   "/candles/minutes/" + strconv.Itoa(unit),
		Params: params,
	}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, err
	}

	// The exchange returns newest first.
	candles := make([]*domain.Candle, len(wire))
	for i := range wire {
		cd, err := wire[i].toDomain()
		if err != nil {
			return nil, err
		}
		candles[len(wire)-1-i] = cd
	}
	return candles, nil
}

// GetOrderbook retrieves the current depth snapshot for a market.
func (c *Client) GetOrderbook(ctx context.Context, market string) (*domain.Orderbook, error) {
	op := "GetOrderbook"
	var wire []orderbookWire
	req := Request{Method: http.MethodGet, Path: "/orderbook", Params: map[string]string{"markets": market}}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(wire) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("%w: no orderbook for %s", ports.ErrInvalidResponse, market), op)
	}
	return wire[0].toDomain(), nil
}

// GetBalance retrieves the holding for a currency. An absent currency yields a zero balance.
func (c *Client) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	op := "GetBalance"
	var wire []accountWire
	req := Request{Method: http.MethodGet, Path: "/accounts", Private: true}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for i := range wire {
		if wire[i].Currency != currency {
			continue
		}
		bal, err := wire[i].toDomain()
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		return bal, nil
	}
	return &domain.Balance{Currency: currency, UnitCurrency: "KRW"}, nil
}

// PlaceMarketBuy submits a notional-denominated market buy (ord_type=price).
func (c *Client) PlaceMarketBuy(ctx context.Context, market string, notional float64, identifier string) (*domain.Order, error) {
	op := "PlaceMarketBuy"
	params := map[string]string{
		"market":     market,
		"side":       string(domain.Bid),
		"ord_type":   string(domain.OrderTypePrice),
		"price":      FormatNotional(notional),
		"identifier": identifier,
	}
	return c.placeOrder(ctx, op, params)
}

// PlaceMarketSell submits a volume-denominated market sell (ord_type=market).
func (c *Client) PlaceMarketSell(ctx context.Context, market string, volume float64, identifier string) (*domain.Order, error) {
	op := "PlaceMarketSell"
	params := map[string]string{
		"market":     market,
		"side":       string(domain.Ask),
		"ord_type":   string(domain.OrderTypeMarket),
		"volume":     FormatVolume(volume),
		"identifier": identifier,
	}
	return c.placeOrder(ctx, op, params)
}

func (c *Client) placeOrder(ctx context.Context, op string, params map[string]string) (*domain.Order, error) {
	var wire orderWire
	// A resubmit with the same identifier would be rejected, so failures go
	// straight back to the executor, which resolves them by identifier.
	req := Request{Method: http.MethodPost, Path: "/orders", Params: params, Private: true, Group: ratelimit.GroupExchange, NoRetry: true}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	order, err := wire.toDomain()
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" submitted", map[string]interface{}{
		"orderID":    order.ID,
		"identifier": order.Identifier,
		"market":     params["market"],
		"price":      params["price"],
		"volume":     params["volume"],
	})
	return order, nil
}

// GetOrder retrieves an order by exchange UUID.
func (c *Client) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return c.getOrder(ctx, "GetOrder", map[string]string{"uuid": id})
}

// GetOrderByIdentifier retrieves an order by client identifier.
func (c *Client) GetOrderByIdentifier(ctx context.Context, identifier string) (*domain.Order, error) {
	return c.getOrder(ctx, "GetOrderByIdentifier", map[string]string{"identifier": identifier})
}

func (c *Client) getOrder(ctx context.Context, op string, params map[string]string) (*domain.Order, error) {
	var wire orderWire
	req := Request{Method: http.MethodGet, Path: "/order", Params: params, Private: true}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) || errors.Is(err, ports.ErrNotFound) {
			// Lookups for unknown orders are expected during idempotent resubmission.
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrOrderNotFound, err)
		}
		return nil, c.handleError(ctx, err, op)
	}
	order, err := wire.toDomain()
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	op := "CancelOrder"
	var wire orderWire
	req := Request{Method: http.MethodDelete, Path: "/order", Params: map[string]string{"uuid": id}, Private: true}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	order, err := wire.toDomain()
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"orderID": id})
	return order, nil
}

// GetOpenOrders lists orders still waiting for a market.
func (c *Client) GetOpenOrders(ctx context.Context, market string) ([]*domain.Order, error) {
	op := "GetOpenOrders"
	var wire []orderWire
	req := Request{Method: http.MethodGet, Path: "/orders/open", Params: map[string]string{"market": market}, Private: true}
	if err := c.getJSON(ctx, req, &wire); err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	orders := make([]*domain.Order, 0, len(wire))
	for i := range wire {
		o, err := wire[i].toDomain()
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

var _ ports.ExchangeClient = (*Client)(nil)
