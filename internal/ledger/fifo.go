// Package ledger implements the pure accounting core of the paper engine:
// FIFO lot matching, cash replay, and derived trading statistics.
//
// Nothing in this package performs I/O. Callers (the settlement service and
// the snapshot recorder) read state from the store, run these functions, and
// persist the results.
//
// All monetary values use shopspring/decimal, never float64.
// Every computed quantity and price is rounded to 6 decimal places to bound
// drift over long replay chains.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

var (
	// ErrInsufficientLots is returned when a sell cannot be fully covered
	// by the open lot queue. It must abort the enclosing transaction.
	ErrInsufficientLots = errors.New("ledger: sell exceeds open lots")
)

// Scale is the number of decimal places kept after each computation.
const Scale int32 = 6

// epsLot is the quantity below which a lot (or a position) is treated as
// fully consumed.
var epsLot = decimal.New(1, -9) // 1e-9

// Consumption records one lot (or part of one) consumed by a sell.
// The snapshot recorder uses these to accumulate realized P&L.
type Consumption struct {
	Quantity decimal.Decimal
	LotPrice decimal.Decimal
}

// ApplyBuy appends a new lot to the tail of the queue.
func ApplyBuy(lots []model.Lot, qty, price decimal.Decimal, ts time.Time) []model.Lot {
	return append(lots, model.Lot{
		Quantity:   qty.Round(Scale),
		Price:      price.Round(Scale),
		AcquiredAt: ts,
	})
}

// ApplySell consumes quantity from the head of the queue, oldest lot first.
// Lots whose remainder falls at or below epsilon are dropped. Returns the
// surviving queue and the per-lot consumptions. If the queue cannot cover
// the full quantity, ErrInsufficientLots is returned and the input queue
// must be considered unchanged by the caller.
func ApplySell(lots []model.Lot, qty decimal.Decimal) ([]model.Lot, []Consumption, error) {
	remaining := qty.Round(Scale)
	out := make([]model.Lot, 0, len(lots))
	var consumed []Consumption

	for i, lot := range lots {
		if remaining.LessThanOrEqual(epsLot) {
			out = append(out, lots[i:]...)
			remaining = decimal.Zero
			break
		}
		take := decimal.Min(lot.Quantity, remaining)
		consumed = append(consumed, Consumption{Quantity: take, LotPrice: lot.Price})
		left := lot.Quantity.Sub(take).Round(Scale)
		remaining = remaining.Sub(take).Round(Scale)
		if left.GreaterThan(epsLot) {
			out = append(out, model.Lot{Quantity: left, Price: lot.Price, AcquiredAt: lot.AcquiredAt})
		}
	}

	if remaining.GreaterThan(epsLot) {
		return nil, nil, ErrInsufficientLots
	}
	return out, consumed, nil
}

// Aggregate computes the total quantity and volume-weighted average price
// of a lot queue. A near-zero quantity forces the average to 0 so a fully
// liquidated position never reports a stale average.
func Aggregate(lots []model.Lot) (qty, avgPrice decimal.Decimal) {
	qty = decimal.Zero
	notional := decimal.Zero
	for _, lot := range lots {
		qty = qty.Add(lot.Quantity)
		notional = notional.Add(lot.Quantity.Mul(lot.Price))
	}
	qty = qty.Round(Scale)
	if qty.LessThanOrEqual(epsLot) {
		return decimal.Zero, decimal.Zero
	}
	return qty, notional.Div(qty).Round(Scale)
}

// Rebuild replays a chronological order history into per-symbol lot queues.
// Sells that cannot be covered consume what they can and the shortfall is
// ignored: this path is read-only and the live ledger has already enforced
// lot sufficiency at settlement time.
func Rebuild(orders []model.Order) map[string][]model.Lot {
	book := make(map[string][]model.Lot)
	for _, o := range orders {
		switch o.Side {
		case model.SideBuy:
			book[o.Symbol] = ApplyBuy(book[o.Symbol], o.Quantity, o.Price, o.Timestamp)
		case model.SideSell:
			lots, _, err := ApplySell(book[o.Symbol], o.Quantity)
			if err != nil {
				// Partial coverage: drain the whole queue.
				lots = nil
			}
			book[o.Symbol] = lots
		}
	}
	return book
}
