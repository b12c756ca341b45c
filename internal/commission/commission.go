// Package commission calculates the operator fee on filled trades and
// collects it on-chain.
//
// Collection never blocks a trade. Submit persists a PENDING record and hands
// it to a worker; failures stay PENDING with the last error until a later
// attempt (worker, reconciliation sweep, or manual retry) transfers them.
package commission

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/chain"
	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/store"
)

var (
	ErrNotConfigured       = errors.New("commission: operator wallet not configured")
	ErrInvalidAmount       = errors.New("commission: amount must be positive")
	ErrInsufficientBalance = errors.New("commission: sender balance below commission")
	ErrNoSponsor           = errors.New("commission: no gas sponsor configured")
	ErrTransfer            = errors.New("commission: transfer failed")
	ErrAwaitingReceipt     = errors.New("commission: transfer sent, awaiting confirmation")
	ErrAlreadyTransferred  = errors.New("commission: already transferred")
)

// Chain is the on-chain surface used for collection.
type Chain interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (decimal.Decimal, error)
	NativeBalance(ctx context.Context, owner common.Address) (decimal.Decimal, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount decimal.Decimal) (common.Hash, error)
	TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
}

// KeySource decrypts the key that pays a user's commission.
type KeySource interface {
	SigningKey(w *model.Wallet) (*ecdsa.PrivateKey, error)
}

// Calculation is the fee split of one trade.
type Calculation struct {
	TradeAmount decimal.Decimal `json:"trade_amount"`
	Rate        decimal.Decimal `json:"rate"`
	Commission  decimal.Decimal `json:"commission"`
	Net         decimal.Decimal `json:"net"`
}

// Engine calculates, records and transfers commissions.
type Engine struct {
	cfg        config.Commission
	collateral common.Address
	store      store.Store
	chain      Chain
	keys       KeySource
	sponsor    *ecdsa.PrivateKey

	now   func() time.Time
	newID func() string

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds an engine. sponsor may be nil, in which case senders short on
// gas are not topped up.
func New(cfg config.Commission, collateral common.Address, st store.Store, ch Chain, keys KeySource, sponsor *ecdsa.PrivateKey) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	cfg.Workers = workers
	return &Engine{
		cfg:        cfg,
		collateral: collateral,
		store:      st,
		chain:      ch,
		keys:       keys,
		sponsor:    sponsor,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		queue:      make(chan string, workers*64),
		inflight:   make(map[string]bool),
	}
}

// Enabled reports whether collection is configured at all.
func (e *Engine) Enabled() bool {
	return e.cfg.OperatorWallet != (common.Address{}) && e.cfg.Rate.IsPositive()
}

// Calculate splits tradeAmount into commission and net. A commission below
// the configured minimum is skipped entirely, not rounded up.
func (e *Engine) Calculate(tradeAmount decimal.Decimal) Calculation {
	commission := tradeAmount.Mul(e.cfg.Rate).Round(chain.CollateralDecimals)
	if commission.LessThan(e.cfg.Minimum) || commission.IsNegative() {
		commission = decimal.Zero
	}
	return Calculation{
		TradeAmount: tradeAmount,
		Rate:        e.cfg.Rate,
		Commission:  commission,
		Net:         tradeAmount.Sub(commission),
	}
}

// Submit records the commission on a filled order as PENDING and queues its
// transfer. It returns nil when the commission is below the floor.
func (e *Engine) Submit(ctx context.Context, userID, orderID string, calc Calculation) (*model.CommissionRecord, error) {
	if !calc.Commission.IsPositive() {
		return nil, nil
	}
	now := e.now()
	r := &model.CommissionRecord{
		ID:               e.newID(),
		OrderID:          orderID,
		UserID:           userID,
		TradeAmount:      calc.TradeAmount,
		Rate:             calc.Rate,
		CommissionAmount: calc.Commission,
		Status:           model.CommissionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateCommission(ctx, r); err != nil {
		return nil, fmt.Errorf("record commission: %w", err)
	}
	metrics.CommissionsTotal.WithLabelValues(string(model.CommissionPending)).Inc()

	select {
	case e.queue <- r.ID:
	default:
		slog.Warn("commission queue full, leaving for reconciliation", "commission_id", r.ID)
	}
	return r, nil
}

// Start runs the transfer workers until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.queue:
					if err := e.Process(ctx, id); err != nil {
						slog.Warn("commission transfer not completed", "commission_id", id, "err", err)
					}
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Process attempts one record's transfer and persists the outcome. A record
// already being processed elsewhere is skipped.
func (e *Engine) Process(ctx context.Context, id string) error {
	if !e.claim(id) {
		return nil
	}
	defer e.release(id)

	r, err := e.store.GetCommission(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == model.CommissionTransferred {
		return nil
	}

	// A previous attempt may have sent the transfer without seeing it mined.
	if r.TxHash != "" {
		rc, err := e.chain.Receipt(ctx, common.HexToHash(r.TxHash))
		switch {
		case err != nil || !rc.Confirmed:
			return fmt.Errorf("%w: %s", ErrAwaitingReceipt, r.TxHash)
		case rc.Success:
			return e.finish(ctx, r, r.TxHash, nil)
		default:
			slog.Warn("commission transfer reverted, resending", "commission_id", r.ID, "tx", r.TxHash)
			r.TxHash = ""
		}
	}

	w, err := e.store.GetWallet(ctx, r.UserID)
	if err != nil {
		return e.finish(ctx, r, "", fmt.Errorf("load wallet: %w", err))
	}
	key, err := e.keys.SigningKey(w)
	if err != nil {
		return e.finish(ctx, r, "", fmt.Errorf("signing key: %w", err))
	}
	hash, err := e.Transfer(ctx, key, r.CommissionAmount)
	return e.finish(ctx, r, hash, err)
}

func (e *Engine) finish(ctx context.Context, r *model.CommissionRecord, txHash string, cause error) error {
	r.Attempts++
	r.UpdatedAt = e.now()
	if txHash != "" {
		r.TxHash = txHash
	}
	switch {
	case cause == nil:
		r.Status = model.CommissionTransferred
		r.LastError = ""
		metrics.CommissionCollected.Add(r.CommissionAmount.InexactFloat64())
		slog.Info("commission transferred",
			"commission_id", r.ID,
			"order_id", r.OrderID,
			"amount", r.CommissionAmount.String(),
			"tx", r.TxHash,
		)
	case errors.Is(cause, ErrNotConfigured), errors.Is(cause, ErrInvalidAmount):
		r.Status = model.CommissionFailed
		r.LastError = cause.Error()
	default:
		r.Status = model.CommissionPending
		r.LastError = cause.Error()
	}
	metrics.CommissionsTotal.WithLabelValues(string(r.Status)).Inc()
	if err := e.store.UpdateCommission(ctx, r); err != nil {
		return fmt.Errorf("update commission %s: %w", r.ID, err)
	}
	return cause
}

// Transfer sends amount of collateral from key's address to the operator
// and waits for the receipt. A sender short on gas is topped up once by the
// sponsor, and a send that failed for gas is retried once after that.
// The returned hash is set whenever a transfer was broadcast.
func (e *Engine) Transfer(ctx context.Context, key *ecdsa.PrivateKey, amount decimal.Decimal) (string, error) {
	if e.cfg.OperatorWallet == (common.Address{}) {
		return "", ErrNotConfigured
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	bal, err := e.chain.BalanceOf(ctx, e.collateral, from)
	if err != nil {
		return "", fmt.Errorf("%w: balance: %w", ErrTransfer, err)
	}
	if bal.LessThan(amount) {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}

	sponsored := false
	if native, err := e.chain.NativeBalance(ctx, from); err != nil {
		slog.Warn("native balance read failed", "address", from.Hex(), "err", err)
	} else if native.LessThan(e.cfg.MinGasBalance) {
		sponsored = true
		if err := e.sponsorGas(ctx, from); err != nil {
			slog.Warn("gas sponsorship failed, attempting transfer anyway", "address", from.Hex(), "err", err)
		}
	}

	hash, err := e.send(ctx, key, amount)
	if err != nil && hash == "" && !sponsored && isGasShortfall(err) {
		if serr := e.sponsorGas(ctx, from); serr != nil {
			return "", fmt.Errorf("%w: %w (sponsorship: %v)", ErrTransfer, err, serr)
		}
		hash, err = e.send(ctx, key, amount)
	}
	return hash, err
}

func (e *Engine) send(ctx context.Context, key *ecdsa.PrivateKey, amount decimal.Decimal) (string, error) {
	hash, err := e.chain.TransferToken(ctx, key, e.collateral, e.cfg.OperatorWallet, amount)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if _, err := e.chain.WaitForReceipt(ctx, hash); err != nil {
		if errors.Is(err, chain.ErrReverted) {
			return "", fmt.Errorf("%w: %w", ErrTransfer, err)
		}
		return hash.Hex(), fmt.Errorf("%w: %w", ErrAwaitingReceipt, err)
	}
	return hash.Hex(), nil
}

// sponsorGas tops up to with the configured native amount and waits for it
// to land.
func (e *Engine) sponsorGas(ctx context.Context, to common.Address) error {
	if e.sponsor == nil {
		metrics.GasSponsorships.WithLabelValues("unavailable").Inc()
		return ErrNoSponsor
	}
	hash, err := e.chain.TransferNative(ctx, e.sponsor, to, e.cfg.GasSponsorAmount)
	if err != nil {
		metrics.GasSponsorships.WithLabelValues("failed").Inc()
		return err
	}
	if _, err := e.chain.WaitForReceipt(ctx, hash); err != nil {
		metrics.GasSponsorships.WithLabelValues("failed").Inc()
		return err
	}
	metrics.GasSponsorships.WithLabelValues("ok").Inc()
	slog.Info("gas sponsored", "to", to.Hex(), "amount", e.cfg.GasSponsorAmount.String(), "tx", hash.Hex())
	return nil
}

func isGasShortfall(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "insufficient funds") || strings.Contains(lower, "gas required exceeds")
}

// RetryPending re-attempts up to limit PENDING records, oldest first, and
// returns how many were transferred.
func (e *Engine) RetryPending(ctx context.Context, limit int) (int, error) {
	pending, err := e.store.ListCommissionsByStatus(ctx, model.CommissionPending, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := e.Process(ctx, r.ID); err != nil {
			slog.Debug("pending commission still open", "commission_id", r.ID, "err", err)
			continue
		}
		done++
	}
	return done, nil
}

// Retry re-attempts one record, FAILED ones included, and returns its state
// afterwards.
func (e *Engine) Retry(ctx context.Context, id string) (*model.CommissionRecord, error) {
	r, err := e.store.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == model.CommissionTransferred {
		return r, ErrAlreadyTransferred
	}
	if r.Status == model.CommissionFailed {
		r.Status = model.CommissionPending
		r.UpdatedAt = e.now()
		if err := e.store.UpdateCommission(ctx, r); err != nil {
			return nil, err
		}
	}
	perr := e.Process(ctx, id)
	r, err = e.store.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, perr
}

// Pending lists PENDING records, oldest first.
func (e *Engine) Pending(ctx context.Context, limit int) ([]model.CommissionRecord, error) {
	return e.store.ListCommissionsByStatus(ctx, model.CommissionPending, limit)
}
