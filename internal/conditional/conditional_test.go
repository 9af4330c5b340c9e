package conditional

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/ledger"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/trade"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type stubPrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
}

func (s *stubPrices) LastPrice(_ context.Context, sym string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.quotes[sym]
	if !ok {
		return decimal.Zero, prices.ErrUnavailable
	}
	return p, nil
}

func (s *stubPrices) DailyHistory(context.Context, string) ([]prices.Candle, error) {
	return nil, nil
}

func (s *stubPrices) set(sym string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[sym] = price
}

func newTestEnv(t *testing.T, credits float64) (*Service, *store.MemoryStore, *stubPrices) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.CreateAccount(context.Background(), &model.Account{
		ID: "u1", InitialCredits: d(credits), Cash: d(credits), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	src := &stubPrices{quotes: map[string]decimal.Decimal{}}
	trades := trade.NewService(st, src, nil, nil)
	return NewService(st, src, trades, nil), st, src
}

func schedule(t *testing.T, svc *Service, side string, qty, trigger float64, triggerType string) *model.ConditionalOrder {
	t.Helper()
	c, err := svc.Schedule(context.Background(), ScheduleRequest{
		AccountID:    "u1",
		Symbol:       "AAPL",
		Side:         side,
		Quantity:     d(qty),
		TriggerPrice: d(trigger),
		TriggerType:  triggerType,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return c
}

func TestScheduleCreatesPending(t *testing.T) {
	svc, st, _ := newTestEnv(t, 1000)

	c := schedule(t, svc, model.SideBuy, 5, 150, model.TriggerGTE)
	if c.Status != model.ConditionalPending {
		t.Errorf("status = %q, want pending", c.Status)
	}

	got, err := st.GetConditionalOrder(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetConditionalOrder: %v", err)
	}
	if got.Symbol != "AAPL" || !got.TriggerPrice.Equal(d(150)) {
		t.Errorf("persisted order wrong: %+v", got)
	}
}

func TestScheduleValidation(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	ctx := context.Background()

	cases := []ScheduleRequest{
		{AccountID: "u1", Symbol: "AAPL", Side: "hold", Quantity: d(1), TriggerPrice: d(10), TriggerType: model.TriggerGTE},
		{AccountID: "u1", Symbol: "AAPL", Side: model.SideBuy, Quantity: d(0), TriggerPrice: d(10), TriggerType: model.TriggerGTE},
		{AccountID: "u1", Symbol: "AAPL", Side: model.SideBuy, Quantity: d(1), TriggerPrice: d(0), TriggerType: model.TriggerGTE},
		{AccountID: "u1", Symbol: "AAPL", Side: model.SideBuy, Quantity: d(1), TriggerPrice: d(10), TriggerType: "above"},
		{AccountID: "u1", Symbol: "", Side: model.SideBuy, Quantity: d(1), TriggerPrice: d(10), TriggerType: model.TriggerGTE},
	}
	for i, req := range cases {
		if _, err := svc.Schedule(ctx, req); err == nil {
			t.Errorf("case %d: invalid request accepted", i)
		}
	}

	// Unknown account.
	_, err := svc.Schedule(ctx, ScheduleRequest{
		AccountID: "nobody", Symbol: "AAPL", Side: model.SideBuy,
		Quantity: d(1), TriggerPrice: d(10), TriggerType: model.TriggerGTE,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelFromPending(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	c := schedule(t, svc, model.SideBuy, 5, 150, model.TriggerGTE)

	got, err := svc.Cancel(context.Background(), "u1", c.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.ConditionalCancelled || got.CancelledAt == nil {
		t.Errorf("cancelled order = %+v", got)
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	ctx := context.Background()
	c := schedule(t, svc, model.SideBuy, 5, 150, model.TriggerGTE)

	if _, err := svc.Cancel(ctx, "u1", c.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := svc.Cancel(ctx, "u1", c.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("second cancel err = %v, want ErrNotCancellable", err)
	}
}

func TestCancelWrongOwnerNotFound(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	c := schedule(t, svc, model.SideBuy, 5, 150, model.TriggerGTE)

	if _, err := svc.Cancel(context.Background(), "someone-else", c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign order, got %v", err)
	}
}

func TestExecuteSettlesAndTriggers(t *testing.T) {
	svc, st, _ := newTestEnv(t, 1000)
	ctx := context.Background()
	c := schedule(t, svc, model.SideBuy, 2, 150, model.TriggerGTE)

	got, err := svc.Execute(ctx, c.ID, d(151))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != model.ConditionalTriggered {
		t.Errorf("status = %q, want triggered", got.Status)
	}
	if !got.FillPrice.Equal(d(151)) || got.TriggeredAt == nil {
		t.Errorf("fill metadata wrong: %+v", got)
	}

	orders, _ := st.OrdersByAccount(ctx, "u1")
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	o := orders[0]
	if o.Type != model.OrderTypeConditional || o.ConditionalID != c.ID {
		t.Errorf("order = %+v, want CONDITIONAL linked to %s", o, c.ID)
	}

	a, _ := st.GetAccount(ctx, "u1")
	if !a.Cash.Equal(d(698)) { // 1000 - 2*151
		t.Errorf("cash = %v, want 698", a.Cash)
	}
}

func TestExecuteFailureParksInError(t *testing.T) {
	svc, st, _ := newTestEnv(t, 1000)
	ctx := context.Background()

	// Selling with no open lots must fail settlement.
	c := schedule(t, svc, model.SideSell, 5, 150, model.TriggerGTE)

	got, err := svc.Execute(ctx, c.ID, d(151))
	if !errors.Is(err, ledger.ErrInsufficientLots) {
		t.Fatalf("Execute err = %v, want ErrInsufficientLots", err)
	}
	if got.Status != model.ConditionalError {
		t.Errorf("status = %q, want error", got.Status)
	}
	if got.LastError == "" {
		t.Errorf("last_error not recorded")
	}

	// Not retried: still in error, and the poller only looks at pending.
	pending, _ := st.PendingConditionalOrders(ctx)
	if len(pending) != 0 {
		t.Errorf("errored order still pending: %+v", pending)
	}

	// But the owner may cancel it.
	if _, err := svc.Cancel(ctx, "u1", c.ID); err != nil {
		t.Errorf("cancel from error state: %v", err)
	}
}

func TestExecuteNonPendingRejected(t *testing.T) {
	svc, _, _ := newTestEnv(t, 1000)
	ctx := context.Background()
	c := schedule(t, svc, model.SideBuy, 1, 150, model.TriggerGTE)

	if _, err := svc.Execute(ctx, c.ID, d(151)); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := svc.Execute(ctx, c.ID, d(151)); !errors.Is(err, ErrNotPending) {
		t.Errorf("second execute err = %v, want ErrNotPending", err)
	}
}

func TestConcurrentExecuteSettlesExactlyOnce(t *testing.T) {
	svc, st, _ := newTestEnv(t, 10000)
	ctx := context.Background()
	c := schedule(t, svc, model.SideBuy, 1, 150, model.TriggerGTE)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Execute(ctx, c.ID, d(151))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrNotPending) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successes = %d, want exactly 1", succeeded)
	}

	orders, _ := st.OrdersByAccount(ctx, "u1")
	if len(orders) != 1 {
		t.Errorf("orders = %d, want exactly 1", len(orders))
	}
}

func TestShouldTrigger(t *testing.T) {
	cases := []struct {
		triggerType string
		trigger     float64
		price       string
		want        bool
	}{
		{model.TriggerGTE, 100, "150", true},
		{model.TriggerGTE, 100, "100", true},
		{model.TriggerGTE, 100, "99.9999995", true}, // inside epsilon
		{model.TriggerGTE, 100, "99.99", false},
		{model.TriggerLTE, 100, "50", true},
		{model.TriggerLTE, 100, "100", true},
		{model.TriggerLTE, 100, "100.0000005", true}, // inside epsilon
		{model.TriggerLTE, 100, "100.01", false},
	}
	for _, tc := range cases {
		price := decimal.RequireFromString(tc.price)
		if got := ShouldTrigger(tc.triggerType, d(tc.trigger), price); got != tc.want {
			t.Errorf("ShouldTrigger(%s, %v, %s) = %v, want %v",
				tc.triggerType, tc.trigger, tc.price, got, tc.want)
		}
	}

	if ShouldTrigger("above", d(100), d(150)) {
		t.Errorf("unknown trigger type fired")
	}
}

func TestSweepExecutesEligibleOrders(t *testing.T) {
	svc, st, src := newTestEnv(t, 10000)
	ctx := context.Background()

	buy := schedule(t, svc, model.SideBuy, 1, 150, model.TriggerGTE)   // fires at 151
	wait := schedule(t, svc, model.SideBuy, 1, 200, model.TriggerGTE)  // stays pending
	src.set("AAPL", d(151))

	ev := NewEvaluator(st, src, svc, time.Second)
	ev.Sweep(ctx)

	got, _ := st.GetConditionalOrder(ctx, buy.ID)
	if got.Status != model.ConditionalTriggered {
		t.Errorf("eligible order status = %q, want triggered", got.Status)
	}
	got, _ = st.GetConditionalOrder(ctx, wait.ID)
	if got.Status != model.ConditionalPending {
		t.Errorf("ineligible order status = %q, want pending", got.Status)
	}
}

func TestSweepSkipsUnavailableSymbols(t *testing.T) {
	svc, st, _ := newTestEnv(t, 10000)
	ctx := context.Background()
	c := schedule(t, svc, model.SideBuy, 1, 150, model.TriggerGTE)

	src := &stubPrices{quotes: map[string]decimal.Decimal{}} // no prices at all
	ev := NewEvaluator(st, src, svc, time.Second)
	ev.Sweep(ctx)

	got, _ := st.GetConditionalOrder(ctx, c.ID)
	if got.Status != model.ConditionalPending {
		t.Errorf("order touched despite unavailable price: %q", got.Status)
	}
}

func TestExecuteFXPairSettlesCurrencyBuckets(t *testing.T) {
	svc, st, _ := newTestEnv(t, 10000)
	ctx := context.Background()

	c, err := svc.Schedule(ctx, ScheduleRequest{
		AccountID: "u1", Symbol: "EURUSD", Side: model.SideBuy,
		Quantity: d(1000), TriggerPrice: d(1.08), TriggerType: model.TriggerLTE,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	got, err := svc.Execute(ctx, c.ID, d(1.08))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != model.ConditionalTriggered {
		t.Errorf("status = %q, want triggered", got.Status)
	}

	// A currency-pair fill settles against the buckets, never the stock
	// ledger, no matter that a conditional order produced it.
	a, _ := st.GetAccount(ctx, "u1")
	if !a.Cash.Equal(d(10000)) {
		t.Errorf("cash = %v, want 10000", a.Cash)
	}
	positions, _ := st.PositionsByAccount(ctx, "u1")
	if len(positions) != 0 {
		t.Errorf("FX fill created a position: %+v", positions)
	}
	balances, _ := st.CurrencyBalances(ctx, "u1")
	byCur := map[string]decimal.Decimal{}
	for _, b := range balances {
		byCur[b.Currency] = b.Amount
	}
	if !byCur["EUR"].Equal(d(1000)) || !byCur["USD"].Equal(d(-1080)) {
		t.Errorf("buckets = %+v, want EUR 1000 / USD -1080", byCur)
	}

	orders, _ := st.OrdersByAccount(ctx, "u1")
	if len(orders) != 1 || orders[0].Type != model.OrderTypeFX || orders[0].ConditionalID != c.ID {
		t.Errorf("order = %+v, want one FX fill linked to %s", orders, c.ID)
	}
}
