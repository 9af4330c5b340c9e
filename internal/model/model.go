// Package model defines the core domain types shared across the paper engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order side values.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order type tags.
const (
	OrderTypeMarket      = "MARKET"
	OrderTypeFX          = "FX"
	OrderTypeConditional = "CONDITIONAL"
)

// Conditional order statuses.
const (
	ConditionalPending   = "pending"
	ConditionalExecuting = "executing"
	ConditionalTriggered = "triggered"
	ConditionalError     = "error"
	ConditionalCancelled = "cancelled"
)

// Trigger comparison types for conditional orders.
const (
	TriggerGTE = "gte"
	TriggerLTE = "lte"
)

// Snapshot provenance types.
const (
	SnapshotOrder     = "order"
	SnapshotScheduled = "scheduled"
)

// Account holds one user's simulated cash balance. Cash is only ever
// mutated inside a settlement transaction; InitialCredits is the immutable
// ROI baseline seeded at creation.
type Account struct {
	ID             string          `json:"id" db:"id"`
	InitialCredits decimal.Decimal `json:"initial_credits" db:"initial_credits"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Order is an immutable record of a settled fill.
// Once created, these are never modified or deleted.
type Order struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          string          `json:"side" db:"side"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"` // fill price
	Type          string          `json:"type" db:"type"`   // MARKET, FX, CONDITIONAL
	Source        string          `json:"source,omitempty" db:"source"`
	ConditionalID string          `json:"conditional_id,omitempty" db:"conditional_id"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Lot is a discrete unmatched buy, consumed oldest-first by sells.
type Lot struct {
	Quantity   decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// Position is the cached per-symbol aggregate of open lots.
// Invariant: Quantity == the sum of lot quantities and AvgPrice is the
// volume-weighted average (0 when the position is flat).
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	Lots      []Lot           `json:"lots" db:"lots"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CurrencyBalance is one leg of the simplified FX model: an independent
// per-currency cash bucket, outside the position ledger.
type CurrencyBalance struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Currency  string          `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ConditionalOrder is a deferred trade instruction that settles once a
// live price crosses its trigger threshold.
//
// Lifecycle: pending → executing → {triggered | error};
// pending/executing/error → cancelled (user-initiated).
type ConditionalOrder struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         string          `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price" db:"trigger_price"`
	TriggerType  string          `json:"trigger_type" db:"trigger_type"` // gte, lte
	Status       string          `json:"status" db:"status"`
	FillPrice    decimal.Decimal `json:"fill_price" db:"fill_price"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	ExecutingAt  *time.Time      `json:"executing_at,omitempty" db:"executing_at"`
	TriggeredAt  *time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Terminal reports whether no further transitions are possible.
func (c *ConditionalOrder) Terminal() bool {
	return c.Status == ConditionalTriggered || c.Status == ConditionalCancelled
}

// WealthSnapshot is an immutable point-in-time record of total equity.
// Order-type snapshots are pruned after 24h; scheduled ones persist.
type WealthSnapshot struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	Stocks    decimal.Decimal `json:"stocks" db:"stocks"` // mark-to-market position value
	Total     decimal.Decimal `json:"total" db:"total"`
	Type      string          `json:"type" db:"type"` // order, scheduled
	Source    string          `json:"source" db:"source"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// UserStats is the derived per-account summary, overwritten (never
// appended) on each snapshot.
type UserStats struct {
	AccountID     string          `json:"account_id" db:"account_id"`
	TradeCount    int             `json:"trade_count" db:"trade_count"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	PnL           decimal.Decimal `json:"pnl" db:"pnl"`
	ROI           decimal.Decimal `json:"roi" db:"roi"`
	Wins          int             `json:"wins" db:"wins"`
	Losses        int             `json:"losses" db:"losses"`
	ClosedTrades  int             `json:"closed_trades" db:"closed_trades"`
	WinRate       decimal.Decimal `json:"win_rate" db:"win_rate"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
