package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
	"github.com/rrychs1/paisajes-de-poincare/pkg/utils"
)

// KlineHandler receives candles from the websocket stream. closed is true
// when the candle's interval has ended.
type KlineHandler func(symbol string, candle types.Candle, closed bool)

// KlineStreamer is the optional live-candle feed. REST polling remains the
// source of truth; the stream only reduces latency between polls.
type KlineStreamer interface {
	SubscribeKlines(ctx context.Context, symbols []string, timeframe string, handler KlineHandler) error
}

// SubscribeKlines opens a combined kline stream for the given symbols and
// dispatches events to the handler. It blocks until the connection drops or
// the context is canceled, returning nil on cancellation so callers can
// loop to reconnect.
func (c *BinanceFutures) SubscribeKlines(ctx context.Context, symbols []string, timeframe string, handler KlineHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to subscribe")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(toWireSymbol(s))+"@kline_"+timeframe)
	}
	streamURL := c.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial kline stream: %w", err)
	}
	defer conn.Close()

	c.logger.Info("Kline stream connected",
		zap.Int("streams", len(streams)),
		zap.String("timeframe", timeframe))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	return c.readKlines(ctx, conn, handler)
}

func (c *BinanceFutures) readKlines(ctx context.Context, conn *websocket.Conn, handler KlineHandler) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kline stream read: %w", err)
		}

		var frame klineFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.logger.Debug("Unparseable stream frame", zap.Error(err))
			continue
		}
		k := frame.Data.Kline
		if k.OpenTime == 0 {
			continue
		}

		handler(utils.FormatSymbol(frame.Data.Symbol), types.Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		}, k.Closed)
	}
}

type klineFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime int64           `json:"t"`
			Open     decimal.Decimal `json:"o"`
			High     decimal.Decimal `json:"h"`
			Low      decimal.Decimal `json:"l"`
			Close    decimal.Decimal `json:"c"`
			Volume   decimal.Decimal `json:"v"`
			Closed   bool            `json:"x"`
		} `json:"k"`
	} `json:"data"`
}
