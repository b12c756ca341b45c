// Package store defines the persistence interface for the custody engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Rows cross this boundary only as typed model structs. Wallet rows are
// written column group by column group so lifecycle flags, exchange
// credentials and the cached balance never overwrite one another.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// WalletFlags are the lifecycle columns of a wallet row.
type WalletFlags struct {
	Deployed bool
	Approved bool
	Active   bool
}

// FlagsOf returns the lifecycle columns of w.
func FlagsOf(w *model.Wallet) WalletFlags {
	return WalletFlags{Deployed: w.Deployed, Approved: w.Approved, Active: w.Active}
}

// WalletCredentials are the encrypted exchange API credentials of a wallet.
type WalletCredentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wallets ---

	// CreateWallet inserts a new wallet. Returns ErrConflict if the user
	// already has one.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet returns the wallet for a user or ErrNotFound.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// SetWalletFlags writes only the lifecycle columns.
	SetWalletFlags(ctx context.Context, userID string, f WalletFlags) error

	// SetWalletCredentials writes only the encrypted API credentials.
	SetWalletCredentials(ctx context.Context, userID string, c WalletCredentials) error

	// SetWalletBalance replaces the cached balance with an on-chain reading.
	// Fill-driven changes go through ApplyFill.
	SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// --- Orders ---

	// CreateOrder inserts a new order row.
	CreateOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder overwrites the order row.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// GetOrder returns an order by id or ErrNotFound.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderByExchangeID looks an order up by the exchange's id.
	GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*model.Order, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListOpenOrders returns every OPEN or PARTIALLY_FILLED order.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// --- Positions ---

	// GetPosition returns one position or ErrNotFound.
	GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error)

	// ListPositions returns every position of a user, closed ones included.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Ledger ---

	// ApplyFill atomically records the fill, upserts the position and
	// adjusts the wallet's cached balance. A fill whose idempotency key was
	// already applied changes nothing and reports applied=false.
	ApplyFill(ctx context.Context, fill model.Fill) (pos *model.Position, applied bool, err error)

	// --- Commissions ---

	// CreateCommission inserts a commission record.
	CreateCommission(ctx context.Context, r *model.CommissionRecord) error

	// UpdateCommission overwrites a commission record.
	UpdateCommission(ctx context.Context, r *model.CommissionRecord) error

	// GetCommission returns a record by id or ErrNotFound.
	GetCommission(ctx context.Context, id string) (*model.CommissionRecord, error)

	// ListCommissionsByStatus returns records in a status, oldest first.
	// limit <= 0 means no limit.
	ListCommissionsByStatus(ctx context.Context, status model.CommissionStatus, limit int) ([]model.CommissionRecord, error)
}

// applyFillToPosition is the shared position arithmetic for every backend.
func applyFillToPosition(pos *model.Position, f model.Fill) error {
	switch f.Side {
	case model.SideBuy:
		return pos.ApplyBuy(f.Shares, f.Price)
	case model.SideSell:
		_, err := pos.ApplySell(f.Shares, f.Price)
		return err
	default:
		return errors.New("store: fill has no side")
	}
}
