package conditional

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/store"
)

// epsTrigger absorbs float noise from upstream quotes when comparing a
// price against a trigger: gte fires at price >= trigger-eps, lte fires at
// price <= trigger+eps.
var epsTrigger = decimal.New(1, -6)

// DefaultPollInterval is how often the evaluator sweeps pending orders.
const DefaultPollInterval = 15 * time.Second

// Evaluator polls pending conditional orders against live prices and
// executes the ones whose trigger condition holds.
type Evaluator struct {
	store    store.Store
	prices   prices.Source
	svc      *Service
	interval time.Duration
}

// NewEvaluator creates a polling evaluator. A non-positive interval falls
// back to DefaultPollInterval.
func NewEvaluator(st store.Store, src prices.Source, svc *Service, interval time.Duration) *Evaluator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Evaluator{store: st, prices: src, svc: svc, interval: interval}
}

// Run polls until ctx is cancelled. Each sweep's errors are logged and
// never stop the loop.
func (e *Evaluator) Run(ctx context.Context) {
	slog.Info("conditional evaluator started", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("conditional evaluator stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep evaluates every pending order once. Orders are grouped by symbol
// so each sweep costs at most one price lookup per symbol; a symbol whose
// price is unavailable is skipped until the next sweep, never errored.
func (e *Evaluator) Sweep(ctx context.Context) {
	pending, err := e.store.PendingConditionalOrders(ctx)
	if err != nil {
		slog.Error("list pending conditional orders", "err", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	bySymbol := make(map[string][]model.ConditionalOrder)
	for _, c := range pending {
		bySymbol[c.Symbol] = append(bySymbol[c.Symbol], c)
	}

	for sym, orders := range bySymbol {
		price, err := e.prices.LastPrice(ctx, sym)
		if err != nil {
			slog.Warn("price unavailable, skipping symbol this sweep", "symbol", sym, "err", err)
			continue
		}
		for _, c := range orders {
			if !ShouldTrigger(c.TriggerType, c.TriggerPrice, price) {
				continue
			}
			if _, err := e.svc.Execute(ctx, c.ID, price); err != nil {
				// ErrNotPending means another executor won the claim.
				slog.Warn("conditional execution attempt failed",
					"id", c.ID, "symbol", sym, "price", price.String(), "err", err)
			}
		}
	}
}

// ShouldTrigger reports whether price satisfies the trigger condition
// within the comparison epsilon.
func ShouldTrigger(triggerType string, trigger, price decimal.Decimal) bool {
	switch triggerType {
	case model.TriggerGTE:
		return price.GreaterThanOrEqual(trigger.Sub(epsTrigger))
	case model.TriggerLTE:
		return price.LessThanOrEqual(trigger.Add(epsTrigger))
	default:
		return false
	}
}
