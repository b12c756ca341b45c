package exchange

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/vault"
)

// KeySource decrypts a wallet's signing key.
type KeySource interface {
	SigningKey(w *model.Wallet) (*ecdsa.PrivateKey, error)
}

// SessionManager caches one authenticated Client per user. Concurrent first
// requests for the same user share a single credential derivation.
type SessionManager struct {
	cfg   Config
	store store.Store
	vault vault.KeyVault
	keys  KeySource

	// newClient is swapped in tests.
	newClient func(cfg Config, key *ecdsa.PrivateKey, walletType model.WalletType, maker common.Address) *Client

	mu       sync.RWMutex
	sessions map[string]*Client
	stale    map[string]bool
	group    singleflight.Group
}

// NewSessionManager returns an empty session cache.
func NewSessionManager(cfg Config, st store.Store, kv vault.KeyVault, keys KeySource) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		store:     st,
		vault:     kv,
		keys:      keys,
		newClient: NewClient,
		sessions:  make(map[string]*Client),
		stale:     make(map[string]bool),
	}
}

// Session returns the user's authenticated client, creating it on first use.
// Stored credentials are decrypted; missing ones are derived from the
// signer key and persisted encrypted on the wallet.
func (m *SessionManager) Session(ctx context.Context, w *model.Wallet) (Session, error) {
	c, err := m.client(ctx, w)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *SessionManager) client(ctx context.Context, w *model.Wallet) (*Client, error) {
	m.mu.RLock()
	c, ok := m.sessions[w.UserID]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := m.group.Do(w.UserID, func() (any, error) {
		m.mu.RLock()
		c, ok := m.sessions[w.UserID]
		m.mu.RUnlock()
		if ok {
			return c, nil
		}

		c, err := m.open(ctx, w)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[w.UserID] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (m *SessionManager) open(ctx context.Context, w *model.Wallet) (*Client, error) {
	key, err := m.keys.SigningKey(w)
	if err != nil {
		return nil, err
	}
	c := m.newClient(m.cfg, key, w.WalletType, common.HexToAddress(w.TradingAddress()))

	m.mu.Lock()
	rederive := m.stale[w.UserID]
	delete(m.stale, w.UserID)
	m.mu.Unlock()

	if w.HasAPICredentials() && !rederive {
		creds, err := m.decrypt(w)
		if err == nil {
			c.SetCredentials(creds)
			return c, nil
		}
		slog.Warn("stored api credentials unreadable, re-deriving", "user_id", w.UserID, "err", err)
	}

	creds, err := c.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, w.UserID, creds); err != nil {
		// The session is usable; the next process start derives again.
		slog.Warn("persist api credentials failed", "user_id", w.UserID, "err", err)
	}
	slog.Info("exchange session opened", "user_id", w.UserID, "signer", c.signer.Hex(), "maker", c.maker.Hex())
	return c, nil
}

func (m *SessionManager) decrypt(w *model.Wallet) (Credentials, error) {
	var creds Credentials
	var err error
	if creds.APIKey, err = m.vault.Decrypt(w.APIKey, w.EncryptionSalt); err != nil {
		return Credentials{}, err
	}
	if creds.Secret, err = m.vault.Decrypt(w.APISecret, w.EncryptionSalt); err != nil {
		return Credentials{}, err
	}
	if creds.Passphrase, err = m.vault.Decrypt(w.APIPassphrase, w.EncryptionSalt); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// persist writes only the credential columns of the wallet row.
func (m *SessionManager) persist(ctx context.Context, userID string, creds Credentials) error {
	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	enc := func(s string) (string, error) { return m.vault.Encrypt(s, w.EncryptionSalt) }
	var c store.WalletCredentials
	if c.APIKey, err = enc(creds.APIKey); err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if c.APISecret, err = enc(creds.Secret); err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	if c.APIPassphrase, err = enc(creds.Passphrase); err != nil {
		return fmt.Errorf("encrypt api passphrase: %w", err)
	}
	return m.store.SetWalletCredentials(ctx, userID, c)
}

// Invalidate drops a cached session after the exchange rejected its
// credentials. The next Session call derives fresh ones.
func (m *SessionManager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.stale[userID] = true
	m.mu.Unlock()
}
