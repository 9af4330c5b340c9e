package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

// ComputeStats replays an order history through an independent FIFO pass to
// derive realized P&L and win/loss counters, then combines it with the
// account baseline and current total equity.
//
// For each sell, realized P&L accumulates (sellPrice - lotPrice) * consumedQty
// across all consumed lots. A sell only counts toward the win/loss/closed
// counters when the queue fully covers it; an unmatched sell is excluded
// rather than treated as an error: this pass is read-only and independent
// of the sufficiency check the live ledger already enforced.
//
// Pure and deterministic: the same inputs always produce the same output.
func ComputeStats(accountID string, initialCredits, total decimal.Decimal, orders []model.Order, now time.Time) model.UserStats {
	book := make(map[string][]model.Lot)
	realized := decimal.Zero
	wins, losses, closed, trades := 0, 0, 0, 0

	for _, o := range orders {
		if o.Type == model.OrderTypeFX {
			// FX fills move currency buckets, not the lot ledger; they are
			// excluded everywhere here, trade count included.
			continue
		}
		trades++
		switch o.Side {
		case model.SideBuy:
			book[o.Symbol] = ApplyBuy(book[o.Symbol], o.Quantity, o.Price, o.Timestamp)
		case model.SideSell:
			lots, consumed, err := ApplySell(book[o.Symbol], o.Quantity)
			if err != nil {
				// Unmatched sell: drop the symbol's queue, skip the counters.
				book[o.Symbol] = nil
				continue
			}
			book[o.Symbol] = lots

			orderPnL := decimal.Zero
			for _, c := range consumed {
				orderPnL = orderPnL.Add(o.Price.Sub(c.LotPrice).Mul(c.Quantity)).Round(Scale)
			}
			realized = realized.Add(orderPnL).Round(Scale)

			closed++
			switch {
			case orderPnL.GreaterThan(epsLot):
				wins++
			case orderPnL.LessThan(epsLot.Neg()):
				losses++
			}
		}
	}

	pnl := total.Sub(initialCredits).Round(Scale)
	roi := decimal.Zero
	if initialCredits.Abs().GreaterThan(epsLot) {
		roi = pnl.Div(initialCredits).Round(Scale)
	}
	winRate := decimal.Zero
	if closed > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(closed))).Round(Scale)
	}

	return model.UserStats{
		AccountID:     accountID,
		TradeCount:    trades,
		RealizedPnL:   realized,
		UnrealizedPnL: pnl.Sub(realized).Round(Scale),
		PnL:           pnl,
		ROI:           roi,
		Wins:          wins,
		Losses:        losses,
		ClosedTrades:  closed,
		WinRate:       winRate,
		UpdatedAt:     now,
	}
}
