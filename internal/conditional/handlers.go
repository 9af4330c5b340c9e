package conditional

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/auth"
	"github.com/foliosim/paper-engine/internal/model"
	"github.com/foliosim/paper-engine/internal/store"
	"github.com/foliosim/paper-engine/internal/trade"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotPending), errors.Is(err, ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTrigger), errors.Is(err, trade.ErrInvalidQuantity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleSchedule creates a pending conditional order for the caller.
func (s *Service) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		trade.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.AccountID = accountID

	c, err := s.Schedule(r.Context(), req)
	if err != nil {
		trade.WriteError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleList returns the caller's conditional orders, newest first.
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	orders, err := s.store.ConditionalOrdersByAccount(r.Context(), accountID)
	if err != nil {
		trade.WriteError(w, err.Error(), statusForError(err))
		return
	}
	if orders == nil {
		orders = []model.ConditionalOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleGet returns one conditional order owned by the caller.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	c, err := s.store.GetConditionalOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		trade.WriteError(w, err.Error(), statusForError(err))
		return
	}
	if c.AccountID != accountID {
		trade.WriteError(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleCancel cancels a non-terminal conditional order.
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r)
	if !ok {
		trade.WriteError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	c, err := s.Cancel(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		trade.WriteError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type executeRequest struct {
	Price decimal.Decimal `json:"price"`
}

// HandleExecute forces execution of a pending order. Service-token only:
// the evaluator is the normal executor, this endpoint exists for operator
// intervention and tests. When the body omits a price, the latest market
// price is used.
func (s *Service) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// An empty body is fine; any decode error other than EOF is not.
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		trade.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	price := req.Price
	if price.LessThanOrEqual(decimal.Zero) {
		c, err := s.store.GetConditionalOrder(r.Context(), id)
		if err != nil {
			trade.WriteError(w, err.Error(), statusForError(err))
			return
		}
		price, err = s.prices.LastPrice(r.Context(), c.Symbol)
		if err != nil {
			trade.WriteError(w, err.Error(), http.StatusBadGateway)
			return
		}
	}

	c, err := s.Execute(r.Context(), id, price)
	if err != nil {
		if c != nil {
			// Settlement failed: the order is parked in error with details.
			writeJSON(w, http.StatusConflict, c)
			return
		}
		trade.WriteError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
