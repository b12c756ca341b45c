// Package model defines the core domain types shared across the custody engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition    = errors.New("model: invalid order status transition")
	ErrOverfill             = errors.New("model: filled size would exceed requested size")
	ErrInsufficientPosition = errors.New("model: sell size exceeds position size")
	ErrNonPositive          = errors.New("model: size and price must be positive")
)

// WalletType distinguishes plain EOAs from Safe proxy wallets.
type WalletType string

const (
	WalletEOA   WalletType = "EOA"
	WalletProxy WalletType = "PROXY"
)

// Wallet is the custody record for one user identity.
//
// Deployed and Approved are hints cached from the last confirmed on-chain
// check. They are never authoritative: callers re-verify against the chain
// before acting on them.
type Wallet struct {
	UserID         string          `json:"user_id" db:"user_id"`
	SignerAddress  string          `json:"signer_address" db:"signer_address"`
	ProxyAddress   string          `json:"proxy_address" db:"proxy_address"`
	WalletType     WalletType      `json:"wallet_type" db:"wallet_type"`
	Deployed       bool            `json:"deployed" db:"deployed"`
	Approved       bool            `json:"approved" db:"approved"`
	BalanceCache   decimal.Decimal `json:"balance_cache" db:"balance_cache"`
	EncryptedKey   string          `json:"-" db:"encrypted_key"`
	EncryptionSalt string          `json:"-" db:"encryption_salt"`

	// Exchange API credentials, encrypted with the same salt as the key.
	APIKey        string `json:"-" db:"api_key"`
	APISecret     string `json:"-" db:"api_secret"`
	APIPassphrase string `json:"-" db:"api_passphrase"`

	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TradingAddress is the address that holds funds and makes orders.
func (w *Wallet) TradingAddress() string {
	if w.WalletType == WalletProxy && w.ProxyAddress != "" {
		return w.ProxyAddress
	}
	return w.SignerAddress
}

// HasAPICredentials reports whether encrypted exchange credentials are stored.
func (w *Wallet) HasAPICredentials() bool {
	return w.APIKey != "" && w.APISecret != "" && w.APIPassphrase != ""
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

func (k OrderKind) Valid() bool { return k == KindMarket || k == KindLimit }

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusFailed          OrderStatus = "FAILED"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is one row per trade intent. Rows are never deleted.
//
// RequestedSize and FilledSize are in the order's own unit: collateral for a
// MARKET BUY, shares otherwise. FillPrice and Notional record what executed.
type Order struct {
	ID              string              `json:"id" db:"id"`
	UserID          string              `json:"user_id" db:"user_id"`
	MarketID        string              `json:"market_id" db:"market_id"`
	TokenID         string              `json:"token_id" db:"token_id"`
	Outcome         string              `json:"outcome" db:"outcome"`
	Side            Side                `json:"side" db:"side"`
	Kind            OrderKind           `json:"kind" db:"kind"`
	RequestedSize   decimal.Decimal     `json:"requested_size" db:"requested_size"`
	LimitPrice      decimal.NullDecimal `json:"limit_price" db:"limit_price"`
	FilledSize      decimal.Decimal     `json:"filled_size" db:"filled_size"`
	FillPrice       decimal.Decimal     `json:"fill_price" db:"fill_price"`
	Notional        decimal.Decimal     `json:"notional" db:"notional"`
	Status          OrderStatus         `json:"status" db:"status"`
	ErrorMessage    string              `json:"error_message,omitempty" db:"error_message"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
}

// Transition moves the order to a new status if the move is allowed.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Fail marks a PENDING order FAILED with a reason.
func (o *Order) Fail(reason string, now time.Time) error {
	if err := o.Transition(StatusFailed, now); err != nil {
		return err
	}
	o.ErrorMessage = reason
	return nil
}

// RecordFill sets the cumulative filled size and derives the status.
// filledSize never decreases and never exceeds RequestedSize.
func (o *Order) RecordFill(filled decimal.Decimal, now time.Time) error {
	if filled.GreaterThan(o.RequestedSize) {
		return fmt.Errorf("%w: %s > %s", ErrOverfill, filled, o.RequestedSize)
	}
	if filled.LessThan(o.FilledSize) {
		return fmt.Errorf("%w: filled size cannot shrink (%s < %s)", ErrInvalidTransition, filled, o.FilledSize)
	}
	next := StatusPartiallyFilled
	if filled.Equal(o.RequestedSize) {
		next = StatusFilled
	}
	if err := o.Transition(next, now); err != nil {
		return err
	}
	o.FilledSize = filled
	return nil
}

// Position aggregates holdings per (user, market, outcome). Closed positions
// keep their row with Size zero.
type Position struct {
	UserID            string              `json:"user_id" db:"user_id"`
	MarketID          string              `json:"market_id" db:"market_id"`
	Outcome           string              `json:"outcome" db:"outcome"`
	TokenID           string              `json:"token_id" db:"token_id"`
	Size              decimal.Decimal     `json:"size" db:"size"`
	AverageEntryPrice decimal.Decimal     `json:"average_entry_price" db:"average_entry_price"`
	RealizedPnL       decimal.Decimal     `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL     decimal.NullDecimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	UpdatedAt         time.Time           `json:"updated_at" db:"updated_at"`
}

// ApplyBuy adds shares at price and recomputes the weighted-average entry.
func (p *Position) ApplyBuy(size, price decimal.Decimal) error {
	if !size.IsPositive() || !price.IsPositive() {
		return ErrNonPositive
	}
	total := p.Size.Add(size)
	cost := p.Size.Mul(p.AverageEntryPrice).Add(size.Mul(price))
	p.AverageEntryPrice = cost.Div(total)
	p.Size = total
	return nil
}

// ApplySell removes shares at price and returns the realized gain.
// The average entry price is unchanged by a sell.
func (p *Position) ApplySell(size, price decimal.Decimal) (decimal.Decimal, error) {
	if !size.IsPositive() || !price.IsPositive() {
		return decimal.Zero, ErrNonPositive
	}
	if size.GreaterThan(p.Size) {
		return decimal.Zero, fmt.Errorf("%w: %s > %s", ErrInsufficientPosition, size, p.Size)
	}
	realized := price.Sub(p.AverageEntryPrice).Mul(size)
	p.Size = p.Size.Sub(size)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized, nil
}

// CostBasis is size times average entry price.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Size.Mul(p.AverageEntryPrice)
}

// Fill is one ledger update derived from a confirmed exchange fill. It is
// applied at most once per ExchangeOrderID.
type Fill struct {
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	UserID          string          `json:"user_id"`
	MarketID        string          `json:"market_id"`
	Outcome         string          `json:"outcome"`
	TokenID         string          `json:"token_id"`
	Side            Side            `json:"side"`
	Shares          decimal.Decimal `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	// BalanceDelta is signed: negative for buys (notional plus commission),
	// positive for sells (proceeds less commission).
	BalanceDelta decimal.Decimal `json:"balance_delta"`
	// Key distinguishes successive partial fills of one exchange order.
	// Empty means the fill is the order's only one.
	Key string `json:"key,omitempty"`
}

// IdempotencyKey identifies the fill in the applied-fills ledger.
func (f Fill) IdempotencyKey() string {
	if f.Key != "" {
		return f.ExchangeOrderID + "#" + f.Key
	}
	return f.ExchangeOrderID
}

type CommissionStatus string

const (
	CommissionPending     CommissionStatus = "PENDING"
	CommissionTransferred CommissionStatus = "TRANSFERRED"
	CommissionFailed      CommissionStatus = "FAILED"
)

// CommissionRecord is one commission attempt for a filled order.
type CommissionRecord struct {
	ID               string           `json:"id" db:"id"`
	OrderID          string           `json:"order_id" db:"order_id"`
	UserID           string           `json:"user_id" db:"user_id"`
	TradeAmount      decimal.Decimal  `json:"trade_amount" db:"trade_amount"`
	Rate             decimal.Decimal  `json:"rate" db:"rate"`
	CommissionAmount decimal.Decimal  `json:"commission_amount" db:"commission_amount"`
	Status           CommissionStatus `json:"status" db:"status"`
	TxHash           string           `json:"tx_hash,omitempty" db:"tx_hash"`
	Attempts         int              `json:"attempts" db:"attempts"`
	LastError        string           `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// Portfolio is the read model returned to clients.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Address       string          `json:"address"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []Position      `json:"positions"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalRealized decimal.Decimal `json:"total_realized"`
}
