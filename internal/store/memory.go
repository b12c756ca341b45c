package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*model.Wallet
	orders      map[string]*model.Order
	positions   map[string]*model.Position
	commissions map[string]*model.CommissionRecord
	applied     map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*model.Wallet),
		orders:      make(map[string]*model.Order),
		positions:   make(map[string]*model.Position),
		commissions: make(map[string]*model.CommissionRecord),
		applied:     make(map[string]bool),
	}
}

func positionKey(userID, marketID, outcome string) string {
	return userID + "|" + marketID + "|" + outcome
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrConflict)
	}
	// Store a copy to avoid external mutation.
	c := *w
	s.wallets[w.UserID] = &c
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
	}
	c := *w
	return &c, nil
}

// updateWallet applies fn to the stored row under the write lock.
func (s *MemoryStore) updateWallet(userID string, fn func(*model.Wallet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
	}
	fn(w)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetWalletFlags(_ context.Context, userID string, f WalletFlags) error {
	return s.updateWallet(userID, func(w *model.Wallet) {
		w.Deployed, w.Approved, w.Active = f.Deployed, f.Approved, f.Active
	})
}

func (s *MemoryStore) SetWalletCredentials(_ context.Context, userID string, c WalletCredentials) error {
	return s.updateWallet(userID, func(w *model.Wallet) {
		w.APIKey, w.APISecret, w.APIPassphrase = c.APIKey, c.APISecret, c.APIPassphrase
	})
}

func (s *MemoryStore) SetWalletBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	return s.updateWallet(userID, func(w *model.Wallet) { w.BalanceCache = balance })
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) GetOrderByExchangeID(_ context.Context, exchangeOrderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.ExchangeOrderID != "" && o.ExchangeOrderID == exchangeOrderID {
			c := *o
			return &c, nil
		}
	}
	return nil, fmt.Errorf("order with exchange id %s: %w", exchangeOrderID, ErrNotFound)
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen || o.Status == model.StatusPartiallyFilled {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID, outcome string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID, outcome)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcome, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].Outcome < result[j].Outcome
	})
	return result, nil
}

// ApplyFill holds the write lock for the whole update, which makes the
// position change and balance change a single step.
func (s *MemoryStore) ApplyFill(_ context.Context, f model.Fill) (*model.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(f.UserID, f.MarketID, f.Outcome)
	current := s.positions[key]

	if s.applied[f.IdempotencyKey()] {
		if current == nil {
			return nil, false, nil
		}
		c := *current
		return &c, false, nil
	}

	w, ok := s.wallets[f.UserID]
	if !ok {
		return nil, false, fmt.Errorf("wallet for user %s: %w", f.UserID, ErrNotFound)
	}

	next := model.Position{UserID: f.UserID, MarketID: f.MarketID, Outcome: f.Outcome, TokenID: f.TokenID}
	if current != nil {
		next = *current
	}
	if err := applyFillToPosition(&next, f); err != nil {
		return nil, false, err
	}
	next.UpdatedAt = time.Now().UTC()

	s.positions[key] = &next
	w.BalanceCache = w.BalanceCache.Add(f.BalanceDelta)
	w.UpdatedAt = next.UpdatedAt
	s.applied[f.IdempotencyKey()] = true

	c := next
	return &c, true, nil
}

func (s *MemoryStore) CreateCommission(_ context.Context, r *model.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commissions[r.ID]; ok {
		return fmt.Errorf("commission %s: %w", r.ID, ErrConflict)
	}
	c := *r
	s.commissions[r.ID] = &c
	return nil
}

func (s *MemoryStore) UpdateCommission(_ context.Context, r *model.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commissions[r.ID]; !ok {
		return fmt.Errorf("commission %s: %w", r.ID, ErrNotFound)
	}
	c := *r
	s.commissions[r.ID] = &c
	return nil
}

func (s *MemoryStore) GetCommission(_ context.Context, id string) (*model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.commissions[id]
	if !ok {
		return nil, fmt.Errorf("commission %s: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) ListCommissionsByStatus(_ context.Context, status model.CommissionStatus, limit int) ([]model.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CommissionRecord
	for _, r := range s.commissions {
		if r.Status == status {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
