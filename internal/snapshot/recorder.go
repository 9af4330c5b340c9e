// Package snapshot records point-in-time wealth observations (cash, market
// value of positions, total equity) and refreshes the derived per-account
// statistics row alongside each one.
//
// Two snapshot types exist: order snapshots taken after every settlement
// and pruned after 24 hours, and scheduled snapshots taken by the batch
// job at most once per 12 hours and kept indefinitely.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/ledger"
	"github.com/foliosim/paper-engine/internal/metrics"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/store"
)

const (
	// RetentionWindow is how long order-type snapshots are kept.
	RetentionWindow = 24 * time.Hour

	// ScheduledInterval is the minimum gap between scheduled snapshots.
	ScheduledInterval = 12 * time.Hour

	pruneBatchSize = 500
)

// Recorder computes and persists wealth snapshots.
type Recorder struct {
	store  store.Store
	prices prices.Source
}

// NewRecorder creates a snapshot recorder.
func NewRecorder(st store.Store, src prices.Source) *Recorder {
	return &Recorder{store: st, prices: src}
}

// Record takes a snapshot of the account's wealth right now and refreshes
// its stats row. A symbol whose price is unavailable contributes zero to
// the stocks value; the gap is logged, never fatal. A snapshot with a
// hole beats no snapshot.
func (r *Recorder) Record(ctx context.Context, accountID, source, snapType string) (*model.WealthSnapshot, error) {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := r.store.PositionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stocks := decimal.Zero
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		price, perr := r.prices.LastPrice(ctx, p.Symbol)
		if perr != nil {
			slog.Warn("snapshot price unavailable, counting position as zero",
				"account", accountID, "symbol", p.Symbol, "err", perr)
			continue
		}
		stocks = stocks.Add(p.Quantity.Mul(price)).Round(ledger.Scale)
	}

	now := time.Now().UTC()
	snap := &model.WealthSnapshot{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Cash:      account.Cash,
		Stocks:    stocks,
		Total:     account.Cash.Add(stocks).Round(ledger.Scale),
		Type:      snapType,
		Source:    source,
		Timestamp: now,
	}
	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	metrics.SnapshotsTotal.WithLabelValues(snapType).Inc()

	// Refresh the derived stats row from the full order history. Stats
	// failure does not invalidate the snapshot that was just written.
	orders, err := r.store.OrdersByAccount(ctx, accountID)
	if err != nil {
		slog.Error("load orders for stats refresh", "account", accountID, "err", err)
		return snap, nil
	}
	stats := ledger.ComputeStats(accountID, account.InitialCredits, snap.Total, orders, now)
	if err := r.store.UpsertUserStats(ctx, &stats); err != nil {
		slog.Error("upsert user stats", "account", accountID, "err", err)
	}

	slog.Info("wealth snapshot recorded",
		"account", accountID, "type", snapType, "source", source,
		"cash", snap.Cash.String(), "stocks", snap.Stocks.String(), "total", snap.Total.String())
	return snap, nil
}

// EnsureScheduled records a scheduled snapshot unless one exists within
// the last ScheduledInterval. Returns nil, nil when throttled: running
// the batch job twice in a row must not double up history.
func (r *Recorder) EnsureScheduled(ctx context.Context, accountID, source string) (*model.WealthSnapshot, error) {
	last, err := r.store.LatestSnapshot(ctx, accountID, model.SnapshotScheduled)
	switch {
	case err == nil:
		if time.Since(last.Timestamp) < ScheduledInterval {
			return nil, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// First scheduled snapshot for this account.
	default:
		return nil, err
	}
	return r.Record(ctx, accountID, source, model.SnapshotScheduled)
}

// CleanupOrderSnapshots deletes order-type snapshots older than the
// retention window, in batches so one account's backlog cannot hold a
// transaction open for long. Returns the number pruned.
func (r *Recorder) CleanupOrderSnapshots(ctx context.Context, accountID string) (int, error) {
	cutoff := time.Now().UTC().Add(-RetentionWindow)
	total := 0
	for {
		n, err := r.store.DeleteOrderSnapshotsBefore(ctx, accountID, cutoff, pruneBatchSize)
		if err != nil {
			return total, err
		}
		total += n
		metrics.SnapshotsPruned.Add(float64(n))
		if n < pruneBatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("order snapshots pruned", "account", accountID, "count", total)
	}
	return total, nil
}
