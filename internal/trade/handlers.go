package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/auth"
	"github.com/foliosim/paper-engine/internal/ledger"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/prices"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/symbol"
)

// WriteError writes a JSON error response. Shared by every handler package.
func WriteError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// statusForError maps domain sentinels to HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientCash), errors.Is(err, ledger.ErrInsufficientLots):
		return http.StatusConflict
	case errors.Is(err, prices.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, symbol.ErrEmpty), errors.Is(err, symbol.ErrInvalidTicker),
		errors.Is(err, symbol.ErrNotFXPair):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type openAccountRequest struct {
	InitialCredits decimal.Decimal `json:"initial_credits"`
}

// HandleOpenAccount creates the caller's paper account. Idempotent: an
// existing account is returned unchanged.
func (s *Service) HandleOpenAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req openAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InitialCredits.LessThanOrEqual(decimal.Zero) {
		WriteError(w, "initial_credits must be positive", http.StatusBadRequest)
		return
	}

	credits := req.InitialCredits.Round(ledger.Scale)
	if err := s.store.CreateAccount(r.Context(), &model.Account{
		ID:             accountID,
		InitialCredits: credits,
		Cash:           credits,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	// CreateAccount is idempotent; read back whichever account now exists.
	account, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	// Seed the first scheduled snapshot so history views start non-empty.
	// EnsureScheduled is a no-op when a recent one already exists.
	if s.snapshots != nil {
		if _, err := s.snapshots.EnsureScheduled(r.Context(), account.ID, "account-open"); err != nil {
			slog.Warn("seed scheduled snapshot", "account", account.ID, "err", err)
		}
	}
	slog.Info("account opened", "account", account.ID, "credits", account.InitialCredits.String())
	writeJSON(w, http.StatusCreated, account)
}

// HandleSubmitOrder settles a spot order for the authenticated account.
func (s *Service) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req SpotOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.AccountID = accountID
	if req.Source == "" {
		req.Source = "api"
	}

	order, err := s.SubmitSpotOrder(r.Context(), req)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// HandleListOrders returns the account's order history, oldest first.
func (s *Service) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	orders, err := s.store.OrdersByAccount(r.Context(), accountID)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// portfolioPosition is one open position marked to the latest price. When
// no usable price exists, MarketValue and UnrealizedPnL are zero and
// PriceAvailable is false.
type portfolioPosition struct {
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	LastPrice      decimal.Decimal `json:"last_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	PriceAvailable bool            `json:"price_available"`
}

type portfolioResponse struct {
	AccountID      string              `json:"account_id"`
	Cash           decimal.Decimal     `json:"cash"`
	InitialCredits decimal.Decimal     `json:"initial_credits"`
	Stocks         decimal.Decimal     `json:"stocks"`
	Total          decimal.Decimal     `json:"total"`
	Positions      []portfolioPosition `json:"positions"`
}

// HandlePortfolio returns cash, open positions marked to the latest price,
// and the resulting total equity.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	account, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	positions, err := s.store.PositionsByAccount(r.Context(), accountID)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}

	resp := portfolioResponse{
		AccountID:      account.ID,
		Cash:           account.Cash,
		InitialCredits: account.InitialCredits,
		Positions:      []portfolioPosition{},
	}
	stocks := decimal.Zero
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		pp := portfolioPosition{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgPrice: p.AvgPrice,
		}
		price, perr := s.prices.LastPrice(r.Context(), p.Symbol)
		if perr == nil {
			pp.LastPrice = price
			pp.MarketValue = p.Quantity.Mul(price).Round(ledger.Scale)
			pp.UnrealizedPnL = price.Sub(p.AvgPrice).Mul(p.Quantity).Round(ledger.Scale)
			pp.PriceAvailable = true
			stocks = stocks.Add(pp.MarketValue).Round(ledger.Scale)
		} else {
			slog.Warn("portfolio price unavailable", "account", accountID, "symbol", p.Symbol, "err", perr)
		}
		resp.Positions = append(resp.Positions, pp)
	}
	resp.Stocks = stocks
	resp.Total = account.Cash.Add(stocks).Round(ledger.Scale)

	writeJSON(w, http.StatusOK, resp)
}

// HandleFXBalances returns the account's per-currency cash buckets.
func (s *Service) HandleFXBalances(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	balances, err := s.store.CurrencyBalances(r.Context(), accountID)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	if balances == nil {
		balances = []model.CurrencyBalance{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// HandleQuote proxies a last-price lookup for the UI.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := s.prices.LastPrice(r.Context(), sym)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": sym,
		"price":  price,
		"ts":     time.Now().UTC(),
	})
}

// HandleHistory proxies daily OHLC history for the UI chart.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	candles, err := s.prices.DailyHistory(r.Context(), sym)
	if err != nil {
		WriteError(w, err.Error(), statusForError(err))
		return
	}
	if candles == nil {
		candles = []prices.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}
