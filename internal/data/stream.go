package data

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// streamReconnectDelay is the pause before redialing a dropped stream.
const streamReconnectDelay = 5 * time.Second

// RunStream consumes the live kline feed and folds closed candles into the
// cache, reconnecting until the context is canceled. It blocks, so run it
// in its own goroutine. REST polling stays authoritative; the stream only
// tightens the latency between a candle closing and the loop seeing it.
func (e *Engine) RunStream(ctx context.Context, streamer exchange.KlineStreamer, symbols []string, timeframe string) {
	handler := func(symbol string, candle types.Candle, closed bool) {
		if !closed {
			return
		}
		e.ApplyClosedCandle(symbol, timeframe, candle)
	}

	for {
		err := streamer.SubscribeKlines(ctx, symbols, timeframe, handler)
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("Kline stream dropped, reconnecting",
			zap.Duration("delay", streamReconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}
