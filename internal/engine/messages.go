package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rrychs1/paisajes-de-poincare/internal/execution"
	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
)

// Alert message builders. These render the multi-line operator reports the
// alert channels carry; structured detail for machines goes through the
// event sink instead.

func wireName(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func money(value decimal.Decimal, currency string) string {
	prefix := currency + " "
	if currency == "USD" || currency == "USDT" || currency == "USDC" || currency == "BUSD" {
		prefix = "$"
	}
	if value.IsNegative() {
		return "-" + prefix + value.Abs().StringFixed(2)
	}
	return prefix + value.StringFixed(2)
}

func formatRegimeChange(symbol string, from, to regime.Regime, adx float64) string {
	return fmt.Sprintf("Regime Change: %s\n%s -> %s (ADX: %.2f)",
		wireName(symbol), from, to, adx)
}

func formatRegimeSummary(symbol string, confirmed regime.Regime, snap *indicators.Snapshot) string {
	sepPct := 0.0
	if snap.EMASlow != 0 {
		sepPct = math.Abs(snap.EMAFast-snap.EMASlow) / snap.EMASlow * 100
	}
	widthPct := 0.0
	if snap.BBMiddle != 0 {
		widthPct = (snap.BBUpper - snap.BBLower) / snap.BBMiddle * 100
	}

	return fmt.Sprintf(
		"Regime Detection: %s\nADX: %.2f\nEMA50: %.2f\nEMA200: %.2f\nSeparation: %.2f%%\nBB Width: %.2f%%\nRegime: %s",
		wireName(symbol), snap.ADX, snap.EMAFast, snap.EMASlow, sepPct, widthPct, confirmed)
}

func formatRangeToTrend(outcome *execution.TransitionOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transition Protocol: RANGE->TREND (%s)\n", wireName(outcome.Symbol))

	if n := len(outcome.CanceledOrders); n > 0 {
		fmt.Fprintf(&b, "Canceled %d resting order(s)\n", n)
	} else {
		b.WriteString("No resting orders to cancel\n")
	}
	if outcome.TrailingPlaced {
		b.WriteString("Emergency trailing stop placed\n")
	} else {
		b.WriteString("No trailing stop placed (no position or placement failed)\n")
	}
	if outcome.GridCleared {
		b.WriteString("Grid state cleared")
	} else {
		b.WriteString("Grid state not cleared")
	}
	return b.String()
}

func formatTrendToRange(outcome *execution.TransitionOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transition Protocol: TREND->RANGE (%s)\n", wireName(outcome.Symbol))

	if outcome.PreviousStop.IsPositive() {
		fmt.Fprintf(&b, "Old stop: %s\n", outcome.PreviousStop)
	} else {
		b.WriteString("Old stop: none\n")
	}
	if outcome.StopTightened {
		fmt.Fprintf(&b, "Stop tightened to %s\n", outcome.NewStop)
	} else {
		b.WriteString("Stop not updated (no position or placement failed)\n")
	}
	if outcome.GridBlocked {
		b.WriteString("Grid blocked until position closes")
	} else {
		b.WriteString("Grid not blocked")
	}
	return b.String()
}

func formatTradeLoss(pnl, dailyPnL decimal.Decimal, currency string) string {
	return fmt.Sprintf("Trade Closed: Loss\nPnL: %s\nDaily PnL: %s",
		money(pnl, currency), money(dailyPnL, currency))
}

func formatTradeWin(symbol string, pnl decimal.Decimal, currency string) string {
	return fmt.Sprintf("Position Closed: %s\nPnL: +%s",
		wireName(symbol), money(pnl, currency))
}

func formatKillSwitch(dailyPnL, equity decimal.Decimal, currency string) string {
	pct := "N/A"
	if equity.IsPositive() {
		pct = dailyPnL.Div(equity).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
	}
	return fmt.Sprintf(
		"KILL SWITCH ACTIVATED\nDaily Loss: %s (%s)\nTrading halted until daily reset (00:00 UTC)",
		money(dailyPnL, currency), pct)
}

func formatSizeBlocked() string {
	return "Size Calculation Request\nKill Switch: ACTIVE\nReturned quantity: 0 (trading blocked)"
}
