// Package wallet owns the custody record of each user and moves proxy
// wallets from registration to tradeable.
//
// The Deployed and Approved flags on a wallet are a cache. Before any
// state-changing decision the manager re-reads the chain and corrects the
// flags when they disagree.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/relayer"
	"github.com/atmx/custody-engine/internal/safe"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/vault"
)

var (
	ErrDeploymentFailed  = errors.New("wallet: safe deployment failed")
	ErrDeploymentPending = errors.New("wallet: safe deployment not confirmed yet, try again shortly")
	ErrApprovalFailed    = errors.New("wallet: token approval failed")
	ErrProxyMismatch     = errors.New("wallet: stored proxy does not match signer")
	ErrInactive          = errors.New("wallet: deactivated")
	ErrKeyMismatch       = errors.New("wallet: decrypted key does not match signer")
	ErrInvalidKey        = errors.New("wallet: invalid private key")
	ErrUnknownType       = errors.New("wallet: unknown wallet type")
)

// Relayer deploys Safes and sets approvals, and verifies both on-chain.
type Relayer interface {
	DeploySafe(ctx context.Context, key *ecdsa.PrivateKey, signer, proxy common.Address) (relayer.DeployResult, error)
	SetupAllowances(ctx context.Context, proxy common.Address, key *ecdsa.PrivateKey) (relayer.SetupResult, error)
	ResubmitAllowances(ctx context.Context, proxy common.Address, key *ecdsa.PrivateKey) (relayer.SetupResult, error)
	VerifyDeployed(ctx context.Context, proxy common.Address) (bool, error)
	VerifyApprovalsComplete(ctx context.Context, proxy common.Address) (bool, error)
}

// BalanceReader reads collateral balances on-chain.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (decimal.Decimal, error)
}

// Options tunes deployment confirmation polling.
type Options struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Collateral     common.Address
}

// Manager registers wallets and drives the deployment/approval lifecycle.
type Manager struct {
	store    store.Store
	vault    vault.KeyVault
	deriver  *safe.Deriver
	relayer  Relayer
	balances BalanceReader
	opts     Options
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a lifecycle manager. balances may be nil, in which case
// RefreshBalance leaves the cached balance untouched.
func NewManager(st store.Store, kv vault.KeyVault, deriver *safe.Deriver, rl Relayer, balances BalanceReader, opts Options) *Manager {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Manager{
		store:    st,
		vault:    kv,
		deriver:  deriver,
		relayer:  rl,
		balances: balances,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock serializes lifecycle work for one user without blocking others.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// Register creates a wallet for userID with a freshly generated signer. The
// proxy address is derived immediately; nothing is deployed. Registering an
// existing user returns the stored wallet unchanged.
func (m *Manager) Register(ctx context.Context, userID string, walletType model.WalletType) (*model.Wallet, error) {
	if walletType == "" {
		walletType = model.WalletProxy
	}
	if walletType != model.WalletProxy && walletType != model.WalletEOA {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, walletType)
	}
	if w, err := m.store.GetWallet(ctx, userID); err == nil {
		return w, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	w, err := m.create(ctx, userID, walletType, key)
	if errors.Is(err, store.ErrConflict) {
		// Lost a registration race; the other caller's wallet wins.
		return m.store.GetWallet(ctx, userID)
	}
	return w, err
}

// Import stores an existing private key for userID.
func (m *Manager) Import(ctx context.Context, userID string, walletType model.WalletType, hexKey string) (*model.Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if walletType == "" {
		walletType = model.WalletProxy
	}
	if walletType != model.WalletProxy && walletType != model.WalletEOA {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, walletType)
	}
	return m.create(ctx, userID, walletType, key)
}

func (m *Manager) create(ctx context.Context, userID string, walletType model.WalletType, key *ecdsa.PrivateKey) (*model.Wallet, error) {
	signer := crypto.PubkeyToAddress(key.PublicKey)
	salt, err := vault.NewSalt()
	if err != nil {
		return nil, err
	}
	encrypted, err := m.vault.Encrypt(hex.EncodeToString(crypto.FromECDSA(key)), salt)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	now := m.now()
	w := &model.Wallet{
		UserID:         userID,
		SignerAddress:  signer.Hex(),
		ProxyAddress:   m.deriver.DeriveAddress(signer).Hex(),
		WalletType:     walletType,
		EncryptedKey:   encrypted,
		EncryptionSalt: salt,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}

	slog.Info("wallet registered",
		"user_id", userID,
		"signer", w.SignerAddress,
		"proxy", w.ProxyAddress,
		"type", walletType,
	)
	return w, nil
}

// Get returns a user's wallet.
func (m *Manager) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return m.store.GetWallet(ctx, userID)
}

// Deactivate marks the wallet inactive. Wallets are never deleted.
func (m *Manager) Deactivate(ctx context.Context, userID string) (*model.Wallet, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return w, nil
	}
	if err := m.update(ctx, w, func(x *model.Wallet) { x.Active = false }); err != nil {
		return nil, err
	}
	slog.Info("wallet deactivated", "user_id", userID)
	return w, nil
}

// SigningKey decrypts the wallet's private key. The plaintext is never
// logged or persisted.
func (m *Manager) SigningKey(w *model.Wallet) (*ecdsa.PrivateKey, error) {
	plain, err := m.vault.Decrypt(w.EncryptedKey, w.EncryptionSalt)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(plain, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: stored key is malformed: %w", err)
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(key.PublicKey).Hex(), w.SignerAddress) {
		return nil, ErrKeyMismatch
	}
	return key, nil
}

// EnsureTradeable loads the wallet and, for proxy wallets, ensures it is
// deployed and fully approved. The returned wallet reflects the verified
// on-chain state.
func (m *Manager) EnsureTradeable(ctx context.Context, userID string) (*model.Wallet, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrInactive
	}
	if err := m.EnsureDeployed(ctx, w); err != nil {
		return nil, err
	}
	if err := m.EnsureApproved(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// EnsureDeployed verifies the Safe on-chain and deploys it if missing.
// A cached Deployed flag the chain contradicts is reset before redeploying.
func (m *Manager) EnsureDeployed(ctx context.Context, w *model.Wallet) error {
	if w.WalletType != model.WalletProxy {
		return nil
	}
	if !m.deriver.Matches(w.SignerAddress, w.ProxyAddress) {
		return fmt.Errorf("%w: user %s", ErrProxyMismatch, w.UserID)
	}
	proxy := common.HexToAddress(w.ProxyAddress)

	onChain, err := m.relayer.VerifyDeployed(ctx, proxy)
	if err != nil {
		slog.Warn("deployment check failed, treating as undeployed", "user_id", w.UserID, "proxy", w.ProxyAddress, "err", err)
	}
	if onChain {
		return m.markDeployed(ctx, w)
	}

	if w.Deployed {
		slog.Warn("cached deployed flag contradicted by chain, redeploying", "user_id", w.UserID, "proxy", w.ProxyAddress)
		metrics.StaleFlagResets.WithLabelValues("deployed").Inc()
		if err := m.update(ctx, w, func(x *model.Wallet) {
			x.Deployed = false
			x.Approved = false
		}); err != nil {
			return err
		}
	}

	key, err := m.SigningKey(w)
	if err != nil {
		return err
	}
	res, err := m.relayer.DeploySafe(ctx, key, common.HexToAddress(w.SignerAddress), proxy)
	if err != nil {
		metrics.WalletSetupTotal.WithLabelValues("deploy", "failed").Inc()
		return fmt.Errorf("%w: %w", ErrDeploymentFailed, err)
	}
	slog.Info("safe deployment submitted", "user_id", w.UserID, "proxy", w.ProxyAddress, "tx", res.TxHash, "already_deployed", res.AlreadyDeployed)

	if err := m.waitDeployed(ctx, proxy); err != nil {
		metrics.WalletSetupTotal.WithLabelValues("deploy", "pending").Inc()
		return err
	}
	metrics.WalletSetupTotal.WithLabelValues("deploy", "success").Inc()
	return m.markDeployed(ctx, w)
}

// waitDeployed polls until code appears at proxy or the confirm timeout passes.
func (m *Manager) waitDeployed(ctx context.Context, proxy common.Address) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := m.relayer.VerifyDeployed(ctx, proxy)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrDeploymentPending, proxy.Hex())
		case <-ticker.C:
		}
	}
}

func (m *Manager) markDeployed(ctx context.Context, w *model.Wallet) error {
	if w.Deployed {
		return nil
	}
	return m.update(ctx, w, func(x *model.Wallet) { x.Deployed = true })
}

// EnsureApproved verifies every required approval on-chain and resubmits
// the batch when any is missing. A second call with no on-chain change in
// between submits nothing.
func (m *Manager) EnsureApproved(ctx context.Context, w *model.Wallet) error {
	if w.WalletType != model.WalletProxy {
		return nil
	}
	proxy := common.HexToAddress(w.ProxyAddress)

	complete, err := m.relayer.VerifyApprovalsComplete(ctx, proxy)
	if err != nil {
		slog.Warn("approval check failed, treating as missing", "user_id", w.UserID, "proxy", w.ProxyAddress, "err", err)
	}
	if complete {
		return m.markApproved(ctx, w)
	}

	if w.Approved {
		slog.Warn("cached approved flag contradicted by chain, resubmitting approvals", "user_id", w.UserID, "proxy", w.ProxyAddress)
		metrics.StaleFlagResets.WithLabelValues("approved").Inc()
		if err := m.resetApproved(ctx, w); err != nil {
			return err
		}
	}

	key, err := m.SigningKey(w)
	if err != nil {
		return err
	}
	res, err := m.relayer.SetupAllowances(ctx, proxy, key)
	if err != nil {
		metrics.WalletSetupTotal.WithLabelValues("approve", "failed").Inc()
		return fmt.Errorf("%w: %w", ErrApprovalFailed, err)
	}
	slog.Info("approvals set", "user_id", w.UserID, "proxy", w.ProxyAddress, "submitted", res.Submitted, "skipped", res.Skipped)
	metrics.WalletSetupTotal.WithLabelValues("approve", "success").Inc()
	return m.markApproved(ctx, w)
}

// Reapprove answers an exchange allowance rejection. The cached flag is
// cleared and the whole approval set is resubmitted, including approvals
// the chain already reports.
func (m *Manager) Reapprove(ctx context.Context, w *model.Wallet) error {
	if w.WalletType != model.WalletProxy {
		return nil
	}
	l := m.userLock(w.UserID)
	l.Lock()
	defer l.Unlock()

	if err := m.resetApproved(ctx, w); err != nil {
		return err
	}
	key, err := m.SigningKey(w)
	if err != nil {
		return err
	}
	res, err := m.relayer.ResubmitAllowances(ctx, common.HexToAddress(w.ProxyAddress), key)
	if err != nil {
		metrics.WalletSetupTotal.WithLabelValues("reapprove", "failed").Inc()
		return fmt.Errorf("%w: %w", ErrApprovalFailed, err)
	}
	slog.Info("approvals resubmitted after exchange rejection", "user_id", w.UserID, "proxy", w.ProxyAddress, "submitted", res.Submitted, "skipped", res.Skipped)
	metrics.WalletSetupTotal.WithLabelValues("reapprove", "success").Inc()
	return m.markApproved(ctx, w)
}

func (m *Manager) resetApproved(ctx context.Context, w *model.Wallet) error {
	return m.update(ctx, w, func(x *model.Wallet) { x.Approved = false })
}

func (m *Manager) markApproved(ctx context.Context, w *model.Wallet) error {
	if w.Approved {
		return nil
	}
	return m.update(ctx, w, func(x *model.Wallet) { x.Approved = true })
}

// RefreshBalance re-reads the trading address's collateral balance from
// the chain and stores it as the cached balance.
func (m *Manager) RefreshBalance(ctx context.Context, w *model.Wallet) (decimal.Decimal, error) {
	if m.balances == nil {
		return w.BalanceCache, nil
	}
	bal, err := m.balances.BalanceOf(ctx, m.opts.Collateral, common.HexToAddress(w.TradingAddress()))
	if err != nil {
		return w.BalanceCache, err
	}
	if !bal.Equal(w.BalanceCache) {
		if err := m.store.SetWalletBalance(ctx, w.UserID, bal); err != nil {
			return bal, err
		}
		w.BalanceCache = bal
	}
	return bal, nil
}

// update applies fn to the lifecycle flags of a fresh copy of the stored
// row and to w. Only the flag columns are written, so credentials and the
// cached balance are left to their own writers.
func (m *Manager) update(ctx context.Context, w *model.Wallet, fn func(*model.Wallet)) error {
	fresh, err := m.store.GetWallet(ctx, w.UserID)
	if err != nil {
		return err
	}
	fn(fresh)
	if err := m.store.SetWalletFlags(ctx, w.UserID, store.FlagsOf(fresh)); err != nil {
		return err
	}
	fn(w)
	w.UpdatedAt = m.now()
	return nil
}
