package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foliosim/paper-engine/internal/auth"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/store"
)

func doJSON(t *testing.T, handler http.HandlerFunc, method, target, body, accountID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if accountID != "" {
		req = req.WithContext(auth.WithAccountID(req.Context(), accountID))
	}
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestHandleOpenAccount(t *testing.T) {
	svc, _ := newTestService(t, 1000) // seeds u1

	rr := doJSON(t, svc.HandleOpenAccount, http.MethodPost, "/api/v1/accounts",
		`{"initial_credits":"5000"}`, "u2")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var a model.Account
	if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID != "u2" || !a.Cash.Equal(d(5000)) {
		t.Errorf("account = %+v", a)
	}

	// Re-opening is idempotent: the original credits survive.
	rr = doJSON(t, svc.HandleOpenAccount, http.MethodPost, "/api/v1/accounts",
		`{"initial_credits":"9"}`, "u2")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}
	json.Unmarshal(rr.Body.Bytes(), &a)
	if !a.InitialCredits.Equal(d(5000)) {
		t.Errorf("credits overwritten on re-open: %v", a.InitialCredits)
	}
}

func TestHandleOpenAccountSeedsScheduledSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recordingSnapshotter{scheduled: make(chan string, 1)}
	svc := NewService(st, &stubPrices{}, rec, nil)

	rr := doJSON(t, svc.HandleOpenAccount, http.MethodPost, "/api/v1/accounts",
		`{"initial_credits":"1000"}`, "u9")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	// EnsureScheduled runs synchronously inside the handler.
	select {
	case id := <-rec.scheduled:
		if id != "u9" {
			t.Errorf("seeded account = %q, want u9", id)
		}
	default:
		t.Fatal("opening an account did not seed a scheduled snapshot")
	}
}

func TestHandleOpenAccountRejectsBadCredits(t *testing.T) {
	svc, _ := newTestService(t, 1000)
	rr := doJSON(t, svc.HandleOpenAccount, http.MethodPost, "/api/v1/accounts",
		`{"initial_credits":"-5"}`, "u2")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandleSubmitOrder(t *testing.T) {
	svc, st := newTestService(t, 1000)

	rr := doJSON(t, svc.HandleSubmitOrder, http.MethodPost, "/api/v1/orders",
		`{"symbol":"aapl","side":"buy","quantity":"2","price":"100"}`, "u1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var o model.Order
	if err := json.Unmarshal(rr.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Symbol != "AAPL" || o.AccountID != "u1" {
		t.Errorf("order = %+v", o)
	}

	a, _ := st.GetAccount(context.Background(), "u1")
	if !a.Cash.Equal(d(800)) {
		t.Errorf("cash = %v, want 800", a.Cash)
	}
}

func TestHandleSubmitOrderStatusMapping(t *testing.T) {
	svc, _ := newTestService(t, 100)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"insufficient cash", `{"symbol":"AAPL","side":"buy","quantity":"5","price":"100"}`, http.StatusConflict},
		{"oversell", `{"symbol":"AAPL","side":"sell","quantity":"5","price":"100"}`, http.StatusConflict},
		{"bad quantity", `{"symbol":"AAPL","side":"buy","quantity":"0","price":"100"}`, http.StatusBadRequest},
		{"bad symbol", `{"symbol":"!!","side":"buy","quantity":"1","price":"100"}`, http.StatusBadRequest},
		{"bad body", `{not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, svc.HandleSubmitOrder, http.MethodPost, "/api/v1/orders", tc.body, "u1")
			if rr.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestHandleSubmitOrderUnauthenticated(t *testing.T) {
	svc, _ := newTestService(t, 1000)
	rr := doJSON(t, svc.HandleSubmitOrder, http.MethodPost, "/api/v1/orders",
		`{"symbol":"AAPL","side":"buy","quantity":"1","price":"10"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestHandlePortfolio(t *testing.T) {
	svc, _ := newTestService(t, 1000)
	if _, err := submit(t, svc, "AAPL", model.SideBuy, 2, 100); err != nil {
		t.Fatalf("buy: %v", err)
	}

	rr := doJSON(t, svc.HandlePortfolio, http.MethodGet, "/api/v1/portfolio", "", "u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp portfolioResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Cash.Equal(d(800)) {
		t.Errorf("cash = %v, want 800", resp.Cash)
	}
	// Stub quotes AAPL at 150: market value 300, total 1100.
	if !resp.Stocks.Equal(d(300)) || !resp.Total.Equal(d(1100)) {
		t.Errorf("stocks/total = %v/%v, want 300/1100", resp.Stocks, resp.Total)
	}
	if len(resp.Positions) != 1 || !resp.Positions[0].UnrealizedPnL.Equal(d(100)) {
		t.Errorf("positions = %+v", resp.Positions)
	}
}

func TestHandleListOrdersEmpty(t *testing.T) {
	svc, _ := newTestService(t, 1000)
	rr := doJSON(t, svc.HandleListOrders, http.MethodGet, "/api/v1/orders", "", "u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want empty array", rr.Body.String())
	}
}
