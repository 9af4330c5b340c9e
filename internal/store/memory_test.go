package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func seedAccount(t *testing.T, s *MemoryStore, id string, credits float64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &model.Account{
		ID:             id,
		InitialCredits: d(credits),
		Cash:           d(credits),
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func TestCreateAccountIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	// Second create with different credits must not overwrite.
	_ = s.CreateAccount(ctx, &model.Account{ID: "u1", InitialCredits: d(9999), Cash: d(9999)})

	a, err := s.GetAccount(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !a.InitialCredits.Equal(d(1000)) {
		t.Errorf("initial credits = %v, want 1000", a.InitialCredits)
	}
}

func TestInTxCommitsStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveAccountCash(ctx, "u1", d(900)); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, &model.Order{ID: "o1", AccountID: "u1", Symbol: "AAPL",
			Side: model.SideBuy, Quantity: d(1), Price: d(100), Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	a, _ := s.GetAccount(ctx, "u1")
	if !a.Cash.Equal(d(900)) {
		t.Errorf("cash = %v, want 900", a.Cash)
	}
	orders, _ := s.OrdersByAccount(ctx, "u1")
	if len(orders) != 1 {
		t.Errorf("orders = %d, want 1", len(orders))
	}
}

func TestInTxRollbackDiscardsEverything(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveAccountCash(ctx, "u1", d(1)); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{AccountID: "u1", Symbol: "AAPL",
			Quantity: d(5), Lots: []model.Lot{{Quantity: d(5), Price: d(10)}}}); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &model.Order{ID: "o1", AccountID: "u1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}

	a, _ := s.GetAccount(ctx, "u1")
	if !a.Cash.Equal(d(1000)) {
		t.Errorf("cash mutated after rollback: %v", a.Cash)
	}
	positions, _ := s.PositionsByAccount(ctx, "u1")
	if len(positions) != 0 {
		t.Errorf("positions leaked after rollback: %v", positions)
	}
	orders, _ := s.OrdersByAccount(ctx, "u1")
	if len(orders) != 0 {
		t.Errorf("orders leaked after rollback: %v", orders)
	}
}

func TestInTxReadsSeeStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SaveAccountCash(ctx, "u1", d(500)); err != nil {
			return err
		}
		a, err := tx.Account(ctx, "u1")
		if err != nil {
			return err
		}
		if !a.Cash.Equal(d(500)) {
			t.Errorf("staged cash not visible: %v", a.Cash)
		}

		if err := tx.SaveCurrencyBalance(ctx, "u1", "EUR", d(42)); err != nil {
			return err
		}
		amt, err := tx.CurrencyBalance(ctx, "u1", "EUR")
		if err != nil {
			return err
		}
		if !amt.Equal(d(42)) {
			t.Errorf("staged currency not visible: %v", amt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestPositionAbsentReturnsEmpty(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "u1", 1000)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		p, err := tx.Position(ctx, "u1", "AAPL")
		if err != nil {
			return err
		}
		if !p.Quantity.IsZero() || len(p.Lots) != 0 {
			t.Errorf("expected empty position, got %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestLatestSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LatestSnapshot(ctx, "u1", model.SnapshotScheduled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	base := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		s.InsertSnapshot(ctx, &model.WealthSnapshot{
			ID: string(rune('a' + i)), AccountID: "u1", Type: model.SnapshotScheduled,
			Total: d(float64(100 + i)), Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}

	latest, err := s.LatestSnapshot(ctx, "u1", model.SnapshotScheduled)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if !latest.Total.Equal(d(102)) {
		t.Errorf("latest total = %v, want 102", latest.Total)
	}
}

func TestSnapshotsByAccountRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.InsertSnapshot(ctx, &model.WealthSnapshot{
			ID: string(rune('a' + i)), AccountID: "u1", Type: model.SnapshotOrder,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}

	snaps, err := s.SnapshotsByAccount(ctx, "u1", base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("SnapshotsByAccount: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("len = %d, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Timestamp.Before(snaps[i-1].Timestamp) {
			t.Errorf("snapshots not ascending")
		}
	}
}

func TestDeleteOrderSnapshotsBeforeBatches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for i := 0; i < 7; i++ {
		s.InsertSnapshot(ctx, &model.WealthSnapshot{
			ID: string(rune('a' + i)), AccountID: "u1", Type: model.SnapshotOrder, Timestamp: old,
		})
	}
	// A scheduled snapshot in the same window must survive.
	s.InsertSnapshot(ctx, &model.WealthSnapshot{
		ID: "keep", AccountID: "u1", Type: model.SnapshotScheduled, Timestamp: old,
	})

	cutoff := time.Now().Add(-24 * time.Hour)
	n1, err := s.DeleteOrderSnapshotsBefore(ctx, "u1", cutoff, 5)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n1 != 5 {
		t.Errorf("first batch = %d, want 5", n1)
	}
	n2, _ := s.DeleteOrderSnapshotsBefore(ctx, "u1", cutoff, 5)
	if n2 != 2 {
		t.Errorf("second batch = %d, want 2", n2)
	}

	snaps, _ := s.SnapshotsByAccount(ctx, "u1", time.Time{}, time.Time{})
	if len(snaps) != 1 || snaps[0].ID != "keep" {
		t.Errorf("survivors = %v, want only the scheduled snapshot", snaps)
	}
}

func TestPendingConditionalOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	save := func(id, status string, createdAt time.Time) {
		err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.SaveConditionalOrder(ctx, &model.ConditionalOrder{
				ID: id, AccountID: "u1", Status: status, CreatedAt: createdAt,
			})
		})
		if err != nil {
			t.Fatalf("save conditional: %v", err)
		}
	}
	now := time.Now()
	save("c1", model.ConditionalPending, now)
	save("c2", model.ConditionalTriggered, now.Add(time.Second))
	save("c3", model.ConditionalPending, now.Add(2*time.Second))

	pending, err := s.PendingConditionalOrders(ctx)
	if err != nil {
		t.Fatalf("PendingConditionalOrders: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "c1" || pending[1].ID != "c3" {
		t.Errorf("pending order wrong: %v, %v", pending[0].ID, pending[1].ID)
	}
}
