// Package store defines the persistence interface for the paper engine.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and development).
//
// The store exposes one transaction primitive, InTx: every read and write
// issued through the Tx handle commits atomically or not at all. Per
// account, settlement runs entirely inside InTx; that is the single
// serialization point for cash, position, and order mutation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// Tx is the handle passed to an InTx body. Reads through a Tx observe a
// consistent snapshot and take write locks; writes are staged and commit
// together when the body returns nil.
type Tx interface {
	// Account reads an account with its row locked for update.
	Account(ctx context.Context, id string) (*model.Account, error)

	// SaveAccountCash overwrites the account's cash balance.
	SaveAccountCash(ctx context.Context, id string, cash decimal.Decimal) error

	// Position reads a position with its row locked for update.
	// A symbol never traded returns an empty position, not ErrNotFound.
	Position(ctx context.Context, accountID, symbol string) (*model.Position, error)

	// SavePosition upserts the per-symbol position document.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertOrder appends an immutable fill record.
	InsertOrder(ctx context.Context, o *model.Order) error

	// CurrencyBalance reads one FX cash bucket (0 when absent), locked.
	CurrencyBalance(ctx context.Context, accountID, currency string) (decimal.Decimal, error)

	// SaveCurrencyBalance upserts one FX cash bucket.
	SaveCurrencyBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error

	// ConditionalOrder reads a conditional order with its row locked.
	ConditionalOrder(ctx context.Context, id string) (*model.ConditionalOrder, error)

	// SaveConditionalOrder upserts a conditional order document.
	SaveConditionalOrder(ctx context.Context, c *model.ConditionalOrder) error
}

// Store is the persistence interface.
type Store interface {
	// InTx runs fn inside one atomic transaction. If fn returns an error
	// every staged write is discarded and the error is returned unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Accounts ---

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// AccountIDs lists every account, for the batch reconciliation job.
	AccountIDs(ctx context.Context) ([]string, error)

	// --- Orders & positions (read side) ---

	// OrdersByAccount returns the full fill history in chronological order.
	OrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	PositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)
	CurrencyBalances(ctx context.Context, accountID string) ([]model.CurrencyBalance, error)

	// --- Conditional orders (read side) ---

	GetConditionalOrder(ctx context.Context, id string) (*model.ConditionalOrder, error)
	ConditionalOrdersByAccount(ctx context.Context, accountID string) ([]model.ConditionalOrder, error)

	// PendingConditionalOrders returns every pending order across all
	// accounts, for the polling evaluator.
	PendingConditionalOrders(ctx context.Context) ([]model.ConditionalOrder, error)

	// --- Snapshots & stats ---

	InsertSnapshot(ctx context.Context, s *model.WealthSnapshot) error

	// LatestSnapshot returns the most recent snapshot of the given type,
	// or ErrNotFound when the account has none.
	LatestSnapshot(ctx context.Context, accountID, snapType string) (*model.WealthSnapshot, error)

	// SnapshotsByAccount returns snapshots in ascending timestamp order,
	// bounded by the optional time range.
	SnapshotsByAccount(ctx context.Context, accountID string, from, to time.Time) ([]model.WealthSnapshot, error)

	// DeleteOrderSnapshotsBefore removes order-type snapshots older than
	// cutoff, at most batchSize per call. Returns the number deleted;
	// callers loop until it reports 0.
	DeleteOrderSnapshotsBefore(ctx context.Context, accountID string, cutoff time.Time, batchSize int) (int, error)

	UpsertUserStats(ctx context.Context, s *model.UserStats) error
	GetUserStats(ctx context.Context, accountID string) (*model.UserStats, error)
}
