// Package conditional implements trigger-based orders: a standing intent
// ("buy 5 AAPL when the price reaches 150") that a polling evaluator fires
// against live prices.
//
// State machine: pending → executing → triggered on success or error on
// failure; pending, executing, and error may all be cancelled. triggered
// and cancelled are terminal. An order in error is never retried
// automatically; the owner inspects last_error and either cancels or
// schedules a fresh order.
package conditional

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
	"github.com/foliosim/paper-engine/internal/trade"
)

var (
	// ErrNotPending is returned when an execution claim finds the order in
	// any status other than pending. A concurrent claimer losing the race
	// gets this error and must not settle.
	ErrNotPending = errors.New("conditional: order is not pending")

	// ErrNotCancellable is returned when cancelling a terminal order.
	ErrNotCancellable = errors.New("conditional: order already terminal")

	// ErrInvalidTrigger is returned for a bad trigger price or type.
	ErrInvalidTrigger = errors.New("conditional: invalid trigger")
)

// Service schedules, cancels, and executes conditional orders.
type Service struct {
	store  store.Store
	prices prices.Source
	trades *trade.Service
	wsHub  *trade.WSHub // optional
}

// NewService creates a conditional-order service on top of the settlement
// service. Pass nil for hub if broadcasts are not needed.
func NewService(st store.Store, src prices.Source, trades *trade.Service, hub *trade.WSHub) *Service {
	return &Service{store: st, prices: src, trades: trades, wsHub: hub}
}

// ScheduleRequest is the intent to create a conditional order.
type ScheduleRequest struct {
	AccountID    string          `json:"-"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	TriggerType  string          `json:"trigger_type"` // gte or lte
}

// Schedule validates and persists a new pending conditional order. No
// funds or lots are reserved: sufficiency is checked at execution time.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*model.ConditionalOrder, error) {
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, fmt.Errorf("conditional: invalid side %q", req.Side)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, trade.ErrInvalidQuantity
	}
	if req.TriggerPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: trigger price must be positive", ErrInvalidTrigger)
	}
	if req.TriggerType != model.TriggerGTE && req.TriggerType != model.TriggerLTE {
		return nil, fmt.Errorf("%w: trigger type must be %q or %q", ErrInvalidTrigger, model.TriggerGTE, model.TriggerLTE)
	}
	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.ConditionalOrder{
		ID:           uuid.New().String(),
		AccountID:    req.AccountID,
		Symbol:       sym,
		Side:         req.Side,
		Quantity:     req.Quantity.Round(ledger.Scale),
		TriggerPrice: req.TriggerPrice.Round(ledger.Scale),
		TriggerType:  req.TriggerType,
		Status:       model.ConditionalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveConditionalOrder(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	metrics.ConditionalTransitions.WithLabelValues(model.ConditionalPending).Inc()
	slog.Info("conditional order scheduled",
		"id", c.ID, "account", c.AccountID, "symbol", c.Symbol,
		"side", c.Side, "trigger", c.TriggerPrice.String(), "trigger_type", c.TriggerType)
	return c, nil
}

// Cancel moves a non-terminal order to cancelled. Cancelling from
// executing is a race the executor may still win; the status check inside
// the transaction decides.
func (s *Service) Cancel(ctx context.Context, accountID, id string) (*model.ConditionalOrder, error) {
	var c *model.ConditionalOrder
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.ConditionalOrder(ctx, id)
		if err != nil {
			return err
		}
		if c.AccountID != accountID {
			return store.ErrNotFound
		}
		if c.Terminal() {
			return ErrNotCancellable
		}
		now := time.Now().UTC()
		c.Status = model.ConditionalCancelled
		c.CancelledAt = &now
		c.UpdatedAt = now
		return tx.SaveConditionalOrder(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	metrics.ConditionalTransitions.WithLabelValues(model.ConditionalCancelled).Inc()
	slog.Info("conditional order cancelled", "id", c.ID, "account", c.AccountID)
	return c, nil
}

// Execute claims a pending order and settles it at fillPrice. The claim is
// a compare-and-set on status inside one transaction, so two concurrent
// executors produce exactly one settlement: the loser gets ErrNotPending.
//
// Settlement failure parks the order in error with last_error set; the
// error is also returned. Orders in error are not retried automatically.
func (s *Service) Execute(ctx context.Context, id string, fillPrice decimal.Decimal) (*model.ConditionalOrder, error) {
	var c *model.ConditionalOrder
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.ConditionalOrder(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != model.ConditionalPending {
			return ErrNotPending
		}
		now := time.Now().UTC()
		c.Status = model.ConditionalExecuting
		c.ExecutingAt = &now
		c.UpdatedAt = now
		return tx.SaveConditionalOrder(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	metrics.ConditionalTransitions.WithLabelValues(model.ConditionalExecuting).Inc()

	order, settleErr := s.trades.SubmitSpotOrder(ctx, trade.SpotOrderRequest{
		AccountID:     c.AccountID,
		Symbol:        c.Symbol,
		Side:          c.Side,
		Quantity:      c.Quantity,
		Price:         fillPrice,
		Type:          model.OrderTypeConditional,
		Source:        "conditional",
		ConditionalID: c.ID,
	})

	now := time.Now().UTC()
	if settleErr != nil {
		c.Status = model.ConditionalError
		c.LastError = settleErr.Error()
		c.UpdatedAt = now
		if err := s.saveFinal(ctx, c); err != nil {
			slog.Error("persist conditional error state", "id", c.ID, "err", err)
		}
		metrics.ConditionalTransitions.WithLabelValues(model.ConditionalError).Inc()
		slog.Warn("conditional execution failed", "id", c.ID, "account", c.AccountID, "err", settleErr)
		return c, settleErr
	}

	c.Status = model.ConditionalTriggered
	c.FillPrice = order.Price
	c.TriggeredAt = &now
	c.UpdatedAt = now
	if err := s.saveFinal(ctx, c); err != nil {
		// The fill is committed; the status update must not be lost silently.
		slog.Error("persist conditional triggered state", "id", c.ID, "err", err)
		return nil, err
	}
	metrics.ConditionalTransitions.WithLabelValues(model.ConditionalTriggered).Inc()

	slog.Info("conditional order triggered",
		"id", c.ID, "account", c.AccountID, "symbol", c.Symbol,
		"fill_price", c.FillPrice.String())
	if s.wsHub != nil {
		s.wsHub.Broadcast(trade.WSMessage{
			Type:      "conditional_triggered",
			AccountID: c.AccountID,
			Symbol:    c.Symbol,
			Side:      c.Side,
			Quantity:  c.Quantity.String(),
			Price:     c.FillPrice.String(),
			Status:    c.Status,
		})
	}
	return c, nil
}

func (s *Service) saveFinal(ctx context.Context, c *model.ConditionalOrder) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveConditionalOrder(ctx, c)
	})
}
