// Package prices provides last-trade price and daily OHLC history lookup
// for the settlement core and the snapshot recorder.
//
// Any non-finite or non-positive upstream price is reported as
// ErrUnavailable: the core never settles a trade against it, and snapshot
// computation substitutes 0 for that symbol's contribution.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no usable price exists for a symbol.
var ErrUnavailable = errors.New("prices: price unavailable")

// Candle is one day of OHLC history.
type Candle struct {
	Date  string          `json:"date"` // YYYY-MM-DD
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Source is the price lookup dependency consumed by the evaluator and the
// snapshot recorder. DailyHistory returns candles ascending by date,
// possibly empty.
type Source interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	DailyHistory(ctx context.Context, symbol string) ([]Candle, error)
}

// HTTPSource queries the upstream quote proxy. The proxy exposes a
// Finnhub-shaped /quote endpoint ("c" = current price) and a /history
// endpoint returning daily OHLC rows ascending by date.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource creates a quote client for the given proxy base URL.
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) LastPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	var payload struct {
		Current float64 `json:"c"`
	}
	if err := s.getJSON(ctx, "/quote", sym, &payload); err != nil {
		return decimal.Zero, err
	}
	if math.IsNaN(payload.Current) || math.IsInf(payload.Current, 0) || payload.Current <= 0 {
		return decimal.Zero, ErrUnavailable
	}
	return decimal.NewFromFloat(payload.Current), nil
}

func (s *HTTPSource) DailyHistory(ctx context.Context, sym string) ([]Candle, error) {
	var candles []Candle
	if err := s.getJSON(ctx, "/history", sym, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path, sym string, out any) error {
	q := url.Values{"symbol": {sym}}
	if s.token != "" {
		q.Set("token", s.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: upstream status %d for %s", ErrUnavailable, resp.StatusCode, sym)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}
