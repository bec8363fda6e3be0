// Package accrual implements the pure math of time-based payment streaming: how much a payee is owed for an
// elapsed window at a given rate, and how a claimed amount is quantized to transferable units without losing the
// fractional remainder.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// Claimable returns the amount accrued between start and now at the given rate in units/second. A now earlier
// than start yields zero, never a negative amount, so clock skew cannot produce a refund.
func Claimable(rate decimal.Decimal, start, now time.Time) decimal.Decimal {
	if !now.After(start) {
		return decimal.Zero
	}

	elapsed := decimal.NewFromFloat(now.Sub(start).Seconds())

	return rate.Mul(elapsed)
}

// Quantize truncates amount toward zero to the given number of decimal places (the token's base-unit precision).
// Truncation never fabricates value; the cut-off remainder is preserved by Window below.
func Quantize(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Truncate(decimals)
}

// Window returns the accrual start for the period following a claim of the quantized amount. Rather than
// resetting to the claim time, the start only advances by the duration the quantized amount actually paid for
// (quantized/rate seconds), so the truncated remainder keeps accruing into the next period.
func Window(rate, quantized decimal.Decimal, start time.Time) time.Time {
	if rate.IsZero() || quantized.IsZero() {
		return start
	}

	nanos := quantized.Mul(decimal.NewFromInt(int64(time.Second))).Div(rate)

	return start.Add(time.Duration(nanos.IntPart()))
}
