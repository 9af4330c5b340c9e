package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foliosim/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// InTx stages every write and applies the whole set only when the body
// returns nil, so a failed transaction leaves the maps untouched.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*model.Account
	orders       []model.Order
	positions    map[string]map[string]*model.Position // accountID → symbol
	currencies   map[string]map[string]decimal.Decimal // accountID → currency
	conditionals map[string]*model.ConditionalOrder
	snapshots    []model.WealthSnapshot
	stats        map[string]*model.UserStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*model.Account),
		positions:    make(map[string]map[string]*model.Position),
		currencies:   make(map[string]map[string]decimal.Decimal),
		conditionals: make(map[string]*model.ConditionalOrder),
		stats:        make(map[string]*model.UserStats),
	}
}

// memTx stages writes against the parent store. Reads are read-your-writes:
// staged documents shadow committed ones.
type memTx struct {
	s            *MemoryStore
	cash         map[string]decimal.Decimal
	positions    map[string]*model.Position // accountID+"/"+symbol
	orders       []model.Order
	currencies   map[string]decimal.Decimal // accountID+"/"+currency
	conditionals map[string]*model.ConditionalOrder
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:            s,
		cash:         make(map[string]decimal.Decimal),
		positions:    make(map[string]*model.Position),
		currencies:   make(map[string]decimal.Decimal),
		conditionals: make(map[string]*model.ConditionalOrder),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit staged writes.
	for id, cash := range tx.cash {
		if a, ok := s.accounts[id]; ok {
			a.Cash = cash
		}
	}
	for _, p := range tx.positions {
		bymSymbol, ok := s.positions[p.AccountID]
		if !ok {
			bymSymbol = make(map[string]*model.Position)
			s.positions[p.AccountID] = bymSymbol
		}
		cp := clonePosition(p)
		bymSymbol[p.Symbol] = cp
	}
	s.orders = append(s.orders, tx.orders...)
	for key, amount := range tx.currencies {
		accountID, currency := splitKey(key)
		byCurrency, ok := s.currencies[accountID]
		if !ok {
			byCurrency = make(map[string]decimal.Decimal)
			s.currencies[accountID] = byCurrency
		}
		byCurrency[currency] = amount
	}
	for id, c := range tx.conditionals {
		cp := *c
		s.conditionals[id] = &cp
	}
	return nil
}

func (tx *memTx) Account(_ context.Context, id string) (*model.Account, error) {
	a, ok := tx.s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	if cash, ok := tx.cash[id]; ok {
		cp.Cash = cash
	}
	return &cp, nil
}

func (tx *memTx) SaveAccountCash(_ context.Context, id string, cash decimal.Decimal) error {
	if _, ok := tx.s.accounts[id]; !ok {
		return ErrNotFound
	}
	tx.cash[id] = cash
	return nil
}

func (tx *memTx) Position(_ context.Context, accountID, symbol string) (*model.Position, error) {
	if p, ok := tx.positions[accountID+"/"+symbol]; ok {
		return clonePosition(p), nil
	}
	if bySymbol, ok := tx.s.positions[accountID]; ok {
		if p, ok := bySymbol[symbol]; ok {
			return clonePosition(p), nil
		}
	}
	return &model.Position{AccountID: accountID, Symbol: symbol}, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	tx.positions[p.AccountID+"/"+p.Symbol] = clonePosition(p)
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.orders = append(tx.orders, *o)
	return nil
}

func (tx *memTx) CurrencyBalance(_ context.Context, accountID, currency string) (decimal.Decimal, error) {
	if amount, ok := tx.currencies[accountID+"/"+currency]; ok {
		return amount, nil
	}
	if byCurrency, ok := tx.s.currencies[accountID]; ok {
		if amount, ok := byCurrency[currency]; ok {
			return amount, nil
		}
	}
	return decimal.Zero, nil
}

func (tx *memTx) SaveCurrencyBalance(_ context.Context, accountID, currency string, amount decimal.Decimal) error {
	tx.currencies[accountID+"/"+currency] = amount
	return nil
}

func (tx *memTx) ConditionalOrder(_ context.Context, id string) (*model.ConditionalOrder, error) {
	if c, ok := tx.conditionals[id]; ok {
		cp := *c
		return &cp, nil
	}
	c, ok := tx.s.conditionals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (tx *memTx) SaveConditionalOrder(_ context.Context, c *model.ConditionalOrder) error {
	cp := *c
	tx.conditionals[c.ID] = &cp
	return nil
}

// --- Non-transactional reads/writes ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return nil // idempotent: seeded once on first authentication
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AccountIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) OrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) PositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.Position
	for _, p := range s.positions[accountID] {
		result = append(result, *clonePosition(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) CurrencyBalances(_ context.Context, accountID string) ([]model.CurrencyBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.CurrencyBalance
	for currency, amount := range s.currencies[accountID] {
		result = append(result, model.CurrencyBalance{
			AccountID: accountID,
			Currency:  currency,
			Amount:    amount,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result, nil
}

func (s *MemoryStore) GetConditionalOrder(_ context.Context, id string) (*model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conditionals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ConditionalOrdersByAccount(_ context.Context, accountID string) ([]model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.ConditionalOrder
	for _, c := range s.conditionals {
		if c.AccountID == accountID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) PendingConditionalOrders(_ context.Context) ([]model.ConditionalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.ConditionalOrder
	for _, c := range s.conditionals {
		if c.Status == model.ConditionalPending {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.WealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, accountID, snapType string) (*model.WealthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.WealthSnapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.AccountID != accountID || snap.Type != snapType {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) SnapshotsByAccount(_ context.Context, accountID string, from, to time.Time) ([]model.WealthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.WealthSnapshot
	for _, snap := range s.snapshots {
		if snap.AccountID != accountID {
			continue
		}
		if !from.IsZero() && snap.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && snap.Timestamp.After(to) {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) DeleteOrderSnapshotsBefore(_ context.Context, accountID string, cutoff time.Time, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if deleted < batchSize && snap.AccountID == accountID &&
			snap.Type == model.SnapshotOrder && snap.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return deleted, nil
}

func (s *MemoryStore) UpsertUserStats(_ context.Context, st *model.UserStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.stats[st.AccountID] = &cp
	return nil
}

func (s *MemoryStore) GetUserStats(_ context.Context, accountID string) (*model.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// --- helpers ---

func clonePosition(p *model.Position) *model.Position {
	cp := *p
	cp.Lots = make([]model.Lot, len(p.Lots))
	copy(cp.Lots, p.Lots)
	return &cp
}

func splitKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
