package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestApplyBuyAppendsToTail(t *testing.T) {
	ts := time.Now()
	lots := ApplyBuy(nil, d(10), d(100), ts)
	lots = ApplyBuy(lots, d(5), d(110), ts.Add(time.Minute))

	if len(lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(lots))
	}
	if !lots[0].Price.Equal(d(100)) || !lots[1].Price.Equal(d(110)) {
		t.Errorf("lot order wrong: %v", lots)
	}
}

func TestApplySellConsumesOldestFirst(t *testing.T) {
	ts := time.Now()
	lots := ApplyBuy(nil, d(10), d(10), ts)
	lots = ApplyBuy(lots, d(5), d(12), ts.Add(time.Minute))

	out, consumed, err := ApplySell(lots, d(12))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}

	if len(consumed) != 2 {
		t.Fatalf("expected 2 consumptions, got %d", len(consumed))
	}
	if !consumed[0].Quantity.Equal(d(10)) || !consumed[0].LotPrice.Equal(d(10)) {
		t.Errorf("first consumption = %v @ %v, want 10 @ 10", consumed[0].Quantity, consumed[0].LotPrice)
	}
	if !consumed[1].Quantity.Equal(d(2)) || !consumed[1].LotPrice.Equal(d(12)) {
		t.Errorf("second consumption = %v @ %v, want 2 @ 12", consumed[1].Quantity, consumed[1].LotPrice)
	}

	if len(out) != 1 {
		t.Fatalf("expected 1 surviving lot, got %d", len(out))
	}
	if !out[0].Quantity.Equal(d(3)) || !out[0].Price.Equal(d(12)) {
		t.Errorf("surviving lot = %v @ %v, want 3 @ 12", out[0].Quantity, out[0].Price)
	}
}

func TestApplySellExactLiquidation(t *testing.T) {
	lots := ApplyBuy(nil, d(7), d(50), time.Now())
	out, _, err := ApplySell(lots, d(7))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty queue after exact liquidation, got %v", out)
	}
}

func TestApplySellDustRemainderDropped(t *testing.T) {
	// A remainder below epsilon must not survive as a phantom lot.
	lots := ApplyBuy(nil, decimal.RequireFromString("10.0000000004"), d(10), time.Now())
	out, _, err := ApplySell(lots, d(10))
	if err != nil {
		t.Fatalf("ApplySell: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("dust remainder survived: %v", out)
	}
}

func TestApplySellInsufficient(t *testing.T) {
	lots := ApplyBuy(nil, d(5), d(10), time.Now())
	_, _, err := ApplySell(lots, d(6))
	if !errors.Is(err, ErrInsufficientLots) {
		t.Fatalf("expected ErrInsufficientLots, got %v", err)
	}
	// The input queue is untouched.
	if len(lots) != 1 || !lots[0].Quantity.Equal(d(5)) {
		t.Errorf("input queue mutated: %v", lots)
	}
}

func TestApplySellEmptyQueue(t *testing.T) {
	_, _, err := ApplySell(nil, d(1))
	if !errors.Is(err, ErrInsufficientLots) {
		t.Fatalf("expected ErrInsufficientLots, got %v", err)
	}
}

func TestAggregateWeightedAverage(t *testing.T) {
	ts := time.Now()
	lots := ApplyBuy(nil, d(10), d(10), ts)
	lots = ApplyBuy(lots, d(5), d(16), ts)

	qty, avg := Aggregate(lots)
	if !qty.Equal(d(15)) {
		t.Errorf("qty = %v, want 15", qty)
	}
	if !avg.Equal(d(12)) { // (100 + 80) / 15
		t.Errorf("avg = %v, want 12", avg)
	}
}

func TestAggregateEmptyIsFlat(t *testing.T) {
	qty, avg := Aggregate(nil)
	if !qty.IsZero() || !avg.IsZero() {
		t.Errorf("empty queue: qty=%v avg=%v, want 0/0", qty, avg)
	}
}

func TestRebuildReplaysHistory(t *testing.T) {
	ts := time.Now()
	orders := []model.Order{
		{Symbol: "AAPL", Side: model.SideBuy, Quantity: d(10), Price: d(100), Timestamp: ts},
		{Symbol: "MSFT", Side: model.SideBuy, Quantity: d(4), Price: d(300), Timestamp: ts},
		{Symbol: "AAPL", Side: model.SideSell, Quantity: d(6), Price: d(110), Timestamp: ts},
	}

	book := Rebuild(orders)
	qty, _ := Aggregate(book["AAPL"])
	if !qty.Equal(d(4)) {
		t.Errorf("AAPL qty = %v, want 4", qty)
	}
	qty, _ = Aggregate(book["MSFT"])
	if !qty.Equal(d(4)) {
		t.Errorf("MSFT qty = %v, want 4", qty)
	}
}

func TestRebuildUnmatchedSellDrainsQueue(t *testing.T) {
	ts := time.Now()
	orders := []model.Order{
		{Symbol: "TSLA", Side: model.SideBuy, Quantity: d(2), Price: d(200), Timestamp: ts},
		{Symbol: "TSLA", Side: model.SideSell, Quantity: d(5), Price: d(210), Timestamp: ts},
	}
	book := Rebuild(orders)
	if len(book["TSLA"]) != 0 {
		t.Errorf("expected drained queue, got %v", book["TSLA"])
	}
}
