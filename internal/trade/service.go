// Package trade provides the HTTP handlers and business logic for spot
// settlement: turning a trade intent into one atomic mutation of cash,
// FIFO position lots, and the immutable order history.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/ledger"
	"github.com/foliosim/paper-engine/internal/metrics"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/symbol"
)

var (
	// ErrInvalidQuantity is returned for a non-positive order quantity.
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")

	// ErrInvalidPrice is returned for a non-positive fill price. An
	// unavailable market price surfaces the same way: settlement never
	// proceeds without a usable positive price.
	ErrInvalidPrice = errors.New("trade: fill price must be positive")

	// ErrInsufficientCash is returned when a buy would take the cash
	// balance below zero. Checked inside the atomic transaction,
	// symmetric with the oversell check.
	ErrInsufficientCash = errors.New("trade: insufficient funds")
)

// SnapshotRecorder is the wealth-snapshot hook. Record runs after each
// settlement; EnsureScheduled seeds the first scheduled snapshot when an
// account opens, so history views are never empty before the reconciler's
// first sweep. Failures are logged and never surfaced.
type SnapshotRecorder interface {
	Record(ctx context.Context, accountID, source, snapType string) (*model.WealthSnapshot, error)
	EnsureScheduled(ctx context.Context, accountID, source string) (*model.WealthSnapshot, error)
}

// Service executes spot settlements and serves the portfolio queries.
type Service struct {
	store     store.Store
	prices    prices.Source
	snapshots SnapshotRecorder
	wsHub     *WSHub // optional hub for real-time broadcasts
}

// NewService creates a new settlement service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, src prices.Source, snapshots SnapshotRecorder, hub *WSHub) *Service {
	return &Service{store: st, prices: src, snapshots: snapshots, wsHub: hub}
}

// SpotOrderRequest is a settlement intent. Price is the fill price the
// caller observed; the UI's cash/quantity pre-checks are advisory only,
// the transaction re-derives the authoritative state.
type SpotOrderRequest struct {
	AccountID     string          `json:"-"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Type          string          `json:"type"` // MARKET, FX, CONDITIONAL; empty → MARKET
	Source        string          `json:"source"`
	ConditionalID string          `json:"-"`
}

// SubmitSpotOrder validates the request and settles it atomically: cash
// delta, FIFO lot mutation, and the immutable order record commit together
// or not at all. FX pairs settle against two per-currency buckets instead
// of the position ledger.
//
// After commit it triggers a best-effort wealth snapshot (order-type);
// snapshot failure is logged, never returned.
func (s *Service) SubmitSpotOrder(ctx context.Context, req SpotOrderRequest) (*model.Order, error) {
	start := time.Now()

	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("symbol").Inc()
		return nil, err
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		metrics.SettlementRejections.WithLabelValues("side").Inc()
		return nil, fmt.Errorf("trade: invalid side %q", req.Side)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		metrics.SettlementRejections.WithLabelValues("quantity").Inc()
		return nil, ErrInvalidQuantity
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		metrics.SettlementRejections.WithLabelValues("price").Inc()
		return nil, ErrInvalidPrice
	}

	orderType := req.Type
	if orderType == "" {
		orderType = model.OrderTypeMarket
	}
	// FX settlement keys on the symbol alone, never on how the order
	// arrived: a conditional fill on a currency pair still moves the
	// buckets and is recorded as FX, keeping its ConditionalID link.
	if symbol.IsFXPair(sym) {
		orderType = model.OrderTypeFX
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		AccountID:     req.AccountID,
		Symbol:        sym,
		Side:          req.Side,
		Quantity:      req.Quantity.Round(ledger.Scale),
		Price:         req.Price.Round(ledger.Scale),
		Type:          orderType,
		Source:        req.Source,
		ConditionalID: req.ConditionalID,
		Timestamp:     time.Now().UTC(),
	}

	if orderType == model.OrderTypeFX {
		err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return settleFX(ctx, tx, order)
		})
	} else {
		err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return settleEquity(ctx, tx, order)
		})
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientLots) {
			metrics.SettlementRejections.WithLabelValues("lots").Inc()
		} else if errors.Is(err, ErrInsufficientCash) {
			metrics.SettlementRejections.WithLabelValues("cash").Inc()
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(order.Side, order.Type).Inc()
	metrics.SettlementLatency.WithLabelValues(order.Type).Observe(time.Since(start).Seconds())

	slog.Info("order settled",
		"order_id", order.ID,
		"account", order.AccountID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity.String(),
		"price", order.Price.String(),
		"type", order.Type,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "order_settled",
			AccountID: order.AccountID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.Quantity.String(),
			Price:     order.Price.String(),
		})
	}

	// Fire-and-forget snapshot, outside the transaction.
	if s.snapshots != nil {
		source := order.Source
		if source == "" {
			source = "spot-order"
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := s.snapshots.Record(ctx, order.AccountID, source, model.SnapshotOrder); err != nil {
				slog.Error("post-settlement snapshot failed",
					"account", order.AccountID, "order_id", order.ID, "err", err)
			}
		}()
	}

	return order, nil
}

// settleEquity applies one fill to the account's cash and the symbol's lot
// queue inside the enclosing transaction.
func settleEquity(ctx context.Context, tx store.Tx, order *model.Order) error {
	account, err := tx.Account(ctx, order.AccountID)
	if err != nil {
		return err
	}
	pos, err := tx.Position(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return err
	}

	newCash := account.Cash.Add(ledger.CashDelta(order.Side, order.Quantity, order.Price)).Round(ledger.Scale)
	if order.Side == model.SideBuy && newCash.IsNegative() {
		return ErrInsufficientCash
	}

	var lots []model.Lot
	if order.Side == model.SideBuy {
		lots = ledger.ApplyBuy(pos.Lots, order.Quantity, order.Price, order.Timestamp)
	} else {
		lots, _, err = ledger.ApplySell(pos.Lots, order.Quantity)
		if err != nil {
			return err
		}
	}
	qty, avgPrice := ledger.Aggregate(lots)
	pos.Quantity = qty
	pos.AvgPrice = avgPrice
	pos.Lots = lots
	pos.UpdatedAt = order.Timestamp

	if err := tx.SaveAccountCash(ctx, order.AccountID, newCash); err != nil {
		return err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	return tx.InsertOrder(ctx, order)
}

// settleFX moves two independent per-currency buckets: the base currency
// by quantity and the quote currency by quantity times price. No lot queue
// is involved; FX cash is approximated as separate buckets, not a full
// multi-currency ledger.
func settleFX(ctx context.Context, tx store.Tx, order *model.Order) error {
	base, quote, err := symbol.SplitFXPair(order.Symbol)
	if err != nil {
		return err
	}
	if _, err := tx.Account(ctx, order.AccountID); err != nil {
		return err
	}

	baseAmount, err := tx.CurrencyBalance(ctx, order.AccountID, base)
	if err != nil {
		return err
	}
	quoteAmount, err := tx.CurrencyBalance(ctx, order.AccountID, quote)
	if err != nil {
		return err
	}

	// Buckets may go negative: this is a two-leg cash movement over
	// independent per-currency balances, not a funded multi-currency ledger.
	notional := order.Quantity.Mul(order.Price).Round(ledger.Scale)
	if order.Side == model.SideBuy {
		baseAmount = baseAmount.Add(order.Quantity).Round(ledger.Scale)
		quoteAmount = quoteAmount.Sub(notional).Round(ledger.Scale)
	} else {
		baseAmount = baseAmount.Sub(order.Quantity).Round(ledger.Scale)
		quoteAmount = quoteAmount.Add(notional).Round(ledger.Scale)
	}

	if err := tx.SaveCurrencyBalance(ctx, order.AccountID, base, baseAmount); err != nil {
		return err
	}
	if err := tx.SaveCurrencyBalance(ctx, order.AccountID, quote, quoteAmount); err != nil {
		return err
	}
	return tx.InsertOrder(ctx, order)
}
