// Package batch implements the reconciliation sweep: for every account it
// verifies the cash invariant, ensures a scheduled wealth snapshot, and
// prunes expired order-type snapshots.
//
// One account's failure never aborts the sweep; the job's contract is
// best-effort coverage of all accounts, every run.
package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/foliosim/paper-engine/internal/ledger"
	"github.com/foliosim/paper-engine/internal/metrics"
	"github.com/foliosim/paper-engine/internal/snapshot"
	"github.com/foliosim/paper-engine/internal/store"
)

// Runner sweeps all accounts once per Run call.
type Runner struct {
	store     store.Store
	snapshots *snapshot.Recorder
	source    string
}

// NewRunner creates a reconciliation runner. source labels the snapshots
// it records (e.g. "batch-reconciler").
func NewRunner(st store.Store, rec *snapshot.Recorder, source string) *Runner {
	if source == "" {
		source = "batch-reconciler"
	}
	return &Runner{store: st, snapshots: rec, source: source}
}

// Result summarizes one sweep.
type Result struct {
	Accounts  int
	Failed    int
	Snapshots int
	Pruned    int
	Drifted   int
	Elapsed   time.Duration
}

// Run processes every account: cash drift check, scheduled snapshot (12h
// throttled), order-snapshot retention. Per-account errors are logged and
// counted, never returned; only a failure to list accounts aborts.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	ids, err := r.store.AccountIDs(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.Accounts = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := r.reconcileAccount(ctx, id, &res); err != nil {
			res.Failed++
			metrics.BatchAccounts.WithLabelValues("error").Inc()
			slog.Error("reconcile account", "account", id, "err", err)
			continue
		}
		metrics.BatchAccounts.WithLabelValues("ok").Inc()
	}
	res.Elapsed = time.Since(start)

	slog.Info("reconciliation sweep finished",
		"accounts", res.Accounts, "failed", res.Failed,
		"snapshots", res.Snapshots, "pruned", res.Pruned,
		"drifted", res.Drifted, "elapsed", res.Elapsed)
	return res, nil
}

func (r *Runner) reconcileAccount(ctx context.Context, accountID string, res *Result) error {
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	orders, err := r.store.OrdersByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	// The stored balance must equal the replayed order history. Drift means
	// a bug or manual intervention; it is reported, not repaired.
	replayed := ledger.ReplayCash(account.InitialCredits, orders)
	if !replayed.Equal(account.Cash) {
		res.Drifted++
		slog.Error("cash drift detected",
			"account", accountID,
			"stored", account.Cash.String(),
			"replayed", replayed.String())
	}

	snap, err := r.snapshots.EnsureScheduled(ctx, accountID, r.source)
	if err != nil {
		return err
	}
	if snap != nil {
		res.Snapshots++
	}

	pruned, err := r.snapshots.CleanupOrderSnapshots(ctx, accountID)
	if err != nil {
		return err
	}
	res.Pruned += pruned
	return nil
}
