package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	// DefaultStreamURL is the public websocket endpoint.
	DefaultStreamURL = "wss://api.upbit.com/websocket/v1"

	pingInterval = 30 * time.Second
	readTimeout  = 2 * time.Minute
)

// StreamConfig holds configuration for the ticker stream.
type StreamConfig struct {
	URL                  string
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max consecutive failed attempts before giving up
}

// Stream implements ports.TickerStreamer over the exchange websocket.
type Stream struct {
	url                  string
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	dialer               websocket.Dialer
}

// NewStream creates a ticker stream.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Upbit stream")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &Stream{
		url:                  cfg.URL,
		logger:               cfg.Logger,
		reconnectDelay:       cfg.ReconnectDelay,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		dialer:               websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}, nil
}

type subscribeTicket struct {
	Ticket string `json:"ticket"`
}

type subscribeType struct {
	Type           string   `json:"type"`
	Codes          []string `json:"codes"`
	IsOnlyRealtime bool     `json:"isOnlyRealtime"`
}

type streamTickerWire struct {
	Type             string  `json:"type"`
	Code             string  `json:"code"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	Timestamp        int64   `json:"timestamp"`
}

// StreamTicker starts a WebSocket stream for ticker events with automatic reconnection.
func (s *Stream) StreamTicker(ctx context.Context, market string, handler func(t *domain.Ticker), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamTicker"
	wsCtx, cancelWs := context.WithCancel(ctx)
	fields := map[string]interface{}{"market": market}

	b := &backoff.Backoff{Min: s.reconnectDelay, Max: time.Minute, Factor: 2, Jitter: true}

	// Reconnection loop
	go func() {
		defer cancelWs()

		for {
			if wsCtx.Err() != nil {
				s.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}

			connected, serveErr := s.serveOnce(wsCtx, market, handler)
			if wsCtx.Err() != nil {
				return
			}
			if connected {
				b.Reset()
			}
			if serveErr != nil {
				errHandler(fmt.Errorf("%s: %w: %w", op, ports.ErrConnectionFailed, serveErr))
			}
			if int(b.Attempt()) >= s.maxReconnectAttempts {
				s.logger.Error(wsCtx, serveErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"market": market, "maxAttempts": s.maxReconnectAttempts})
				return
			}

			delay := b.Duration()
			s.logger.Warn(wsCtx, op+": WebSocket disconnected, reconnecting...", map[string]interface{}{"market": market, "attempt": b.Attempt(), "delay": delay.String()})
			select {
			case <-time.After(delay):
			case <-wsCtx.Done():
				return
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	// Link the external stopCh to the internal context cancellation.
	go func() {
		select {
		case <-stopCh:
			s.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// serveOnce dials, subscribes and reads until the connection fails or ctx is done.
// connected reports whether the subscription was established.
func (s *Stream) serveOnce(ctx context.Context, market string, handler func(t *domain.Ticker)) (connected bool, err error) {
	op := "StreamTicker"
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := []interface{}{
		subscribeTicket{Ticket: uuid.NewString()},
		subscribeType{Type: "ticker", Codes: []string{market}, IsOnlyRealtime: true},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info(ctx, op+": WebSocket connection established.", map[string]interface{}{"market": market})

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var wire streamTickerWire
		if err := json.Unmarshal(msg, &wire); err != nil {
			s.logger.Debug(ctx, op+": ignoring undecodable message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if wire.Type != "ticker" || wire.TradePrice <= 0 {
			continue
		}
		handler(&domain.Ticker{
			Market:           wire.Code,
			TradePrice:       wire.TradePrice,
			SignedChangeRate: wire.SignedChangeRate,
			Timestamp:        time.UnixMilli(wire.Timestamp),
		})
	}
}

var _ ports.TickerStreamer = (*Stream)(nil)
