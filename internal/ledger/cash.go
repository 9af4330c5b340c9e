package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

// CashDelta is the signed cash movement of one fill: -qty*price for a buy,
// +qty*price for a sell. Sufficiency is the caller's concern.
func CashDelta(side string, qty, price decimal.Decimal) decimal.Decimal {
	notional := qty.Mul(price).Round(Scale)
	if side == model.SideBuy {
		return notional.Neg()
	}
	return notional
}

// ReplayCash folds the full order history into a balance:
//
//	cash = initialCredits + sum of signed fills
//
// The sum is commutative: application order never matters for cash,
// unlike the lot queue. FX fills settle against per-currency buckets and
// do not touch the cash balance, so they are skipped.
func ReplayCash(initialCredits decimal.Decimal, orders []model.Order) decimal.Decimal {
	cash := initialCredits
	for _, o := range orders {
		if o.Type == model.OrderTypeFX {
			continue
		}
		cash = cash.Add(CashDelta(o.Side, o.Quantity, o.Price)).Round(Scale)
	}
	return cash
}
