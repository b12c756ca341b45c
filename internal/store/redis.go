package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
// Orders and commissions always read from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Wallets ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cacheWallet(ctx, w)
	return nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var entry walletEntry
		if json.Unmarshal(data, &entry) == nil {
			return entry.wallet(), nil
		}
	}

	w, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheWallet(ctx, w)
	return w, nil
}

func (s *CachedStore) SetWalletFlags(ctx context.Context, userID string, f WalletFlags) error {
	return s.evictWallet(ctx, userID, s.primary.SetWalletFlags(ctx, userID, f))
}

func (s *CachedStore) SetWalletCredentials(ctx context.Context, userID string, c WalletCredentials) error {
	return s.evictWallet(ctx, userID, s.primary.SetWalletCredentials(ctx, userID, c))
}

func (s *CachedStore) SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return s.evictWallet(ctx, userID, s.primary.SetWalletBalance(ctx, userID, balance))
}

func (s *CachedStore) evictWallet(ctx context.Context, userID string, err error) error {
	if err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(userID))
	return nil
}

// --- Orders (pass-through) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*model.Order, error) {
	return s.primary.GetOrderByExchangeID(ctx, exchangeOrderID)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

// --- Positions ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, outcome)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// ApplyFill invalidates both the position list and the wallet balance.
func (s *CachedStore) ApplyFill(ctx context.Context, f model.Fill) (*model.Position, bool, error) {
	pos, applied, err := s.primary.ApplyFill(ctx, f)
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.rdb.Del(ctx, positionsKey(f.UserID), walletKey(f.UserID))
	}
	return pos, applied, nil
}

// --- Commissions (pass-through) ---

func (s *CachedStore) CreateCommission(ctx context.Context, r *model.CommissionRecord) error {
	return s.primary.CreateCommission(ctx, r)
}

func (s *CachedStore) UpdateCommission(ctx context.Context, r *model.CommissionRecord) error {
	return s.primary.UpdateCommission(ctx, r)
}

func (s *CachedStore) GetCommission(ctx context.Context, id string) (*model.CommissionRecord, error) {
	return s.primary.GetCommission(ctx, id)
}

func (s *CachedStore) ListCommissionsByStatus(ctx context.Context, status model.CommissionStatus, limit int) ([]model.CommissionRecord, error) {
	return s.primary.ListCommissionsByStatus(ctx, status, limit)
}

// --- Cache helpers ---

// walletEntry carries the fields the public JSON form of a wallet hides.
type walletEntry struct {
	Wallet         *model.Wallet `json:"wallet"`
	EncryptedKey   string        `json:"encrypted_key"`
	EncryptionSalt string        `json:"encryption_salt"`
	APIKey         string        `json:"api_key"`
	APISecret      string        `json:"api_secret"`
	APIPassphrase  string        `json:"api_passphrase"`
}

func (e walletEntry) wallet() *model.Wallet {
	w := *e.Wallet
	w.EncryptedKey = e.EncryptedKey
	w.EncryptionSalt = e.EncryptionSalt
	w.APIKey = e.APIKey
	w.APISecret = e.APISecret
	w.APIPassphrase = e.APIPassphrase
	return &w
}

func (s *CachedStore) cacheWallet(ctx context.Context, w *model.Wallet) {
	data, err := json.Marshal(walletEntry{
		Wallet:         w,
		EncryptedKey:   w.EncryptedKey,
		EncryptionSalt: w.EncryptionSalt,
		APIKey:         w.APIKey,
		APISecret:      w.APISecret,
		APIPassphrase:  w.APIPassphrase,
	})
	if err != nil {
		return
	}
	s.rdb.Set(ctx, walletKey(w.UserID), data, s.ttl)
}

func walletKey(userID string) string    { return fmt.Sprintf("wallet:%s", userID) }
func positionsKey(userID string) string { return fmt.Sprintf("positions:%s", userID) }
