// Package chain is a thin JSON-RPC wrapper for the reads and transfers the
// custody engine needs: token balances, allowances, contract code, Safe
// nonces, signed transfers and receipt polling.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")
	ErrReverted       = errors.New("chain: transaction reverted")
)

const fallbackTokenGas = 100_000

// Backend is the subset of *ethclient.Client the Client uses.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tunes timeouts and the rate-limit backoff.
type Options struct {
	CallTimeout    time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// DefaultOptions polls every 3s for up to 60s and retries rate-limited
// reads three times starting at 2s.
func DefaultOptions() Options {
	return Options{
		CallTimeout:    15 * time.Second,
		PollInterval:   3 * time.Second,
		ConfirmTimeout: 60 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     2 * time.Second,
	}
}

// Receipt is the confirmation state of a transaction.
type Receipt struct {
	Confirmed   bool
	Success     bool
	BlockNumber uint64
}

// Client wraps a Backend for one chain.
type Client struct {
	backend Backend
	chainID *big.Int
	opts    Options
}

// NewClient returns a Client. Zero option fields take their defaults.
func NewClient(backend Backend, chainID int64, opts Options) *Client {
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &Client{backend: backend, chainID: big.NewInt(chainID), opts: opts}
}

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// IsRateLimited reports whether an RPC error is a provider throttle.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// retry runs fn with a per-call timeout, backing off exponentially while the
// provider reports rate limiting.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := c.opts.RetryDelay
	var err error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !IsRateLimited(err) || attempt == c.opts.RetryAttempts {
			break
		}
		slog.Warn("rpc rate limited, backing off", "op", op, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return fmt.Errorf("chain: %s: %w", op, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.retry(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

// BalanceOf returns an ERC-20 balance of the collateral token in whole units.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (decimal.Decimal, error) {
	units, err := c.balanceUnits(ctx, token, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return FromUnits(units, CollateralDecimals), nil
}

func (c *Client) balanceUnits(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "balanceOf", token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint(ERC20.Unpack("balanceOf", out))
}

// NativeBalance returns the gas-token balance in whole units.
func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	var wei *big.Int
	err := c.retry(ctx, "balance", func(ctx context.Context) error {
		var err error
		wei, err = c.backend.BalanceAt(ctx, owner, nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return FromUnits(wei, NativeDecimals), nil
}

// Allowance returns the raw ERC-20 allowance owner has granted spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := ERC20.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "allowance", token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint(ERC20.Unpack("allowance", out))
}

// IsApprovedForAll reads the ERC-1155 operator approval.
func (c *Client) IsApprovedForAll(ctx context.Context, token, owner, operator common.Address) (bool, error) {
	data, err := ERC1155.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, "isApprovedForAll", token, data)
	if err != nil {
		return false, err
	}
	vals, err := ERC1155.Unpack("isApprovedForAll", out)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("chain: isApprovedForAll: unexpected output")
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

// IsContract reports whether code is deployed at addr.
func (c *Client) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := c.retry(ctx, "getCode", func(ctx context.Context) error {
		var err error
		code, err = c.backend.CodeAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// SafeNonce reads nonce() from a deployed Safe.
func (c *Client) SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	data, err := Safe.Pack("nonce")
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "nonce", safe, data)
	if err != nil {
		return nil, err
	}
	return unpackUint(Safe.Unpack("nonce", out))
}

// SendSigned broadcasts an RLP or typed-envelope encoded signed transaction.
func (c *Client) SendSigned(ctx context.Context, rawTx []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: decode raw tx: %w", err)
	}
	return c.send(ctx, tx)
}

func (c *Client) send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if err := c.backend.SendTransaction(callCtx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}
	return tx.Hash(), nil
}

// Receipt returns the current confirmation state. A transaction the node
// has not mined yet is reported as unconfirmed, not as an error.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	var r *types.Receipt
	err := c.retry(ctx, "receipt", func(ctx context.Context) error {
		var err error
		r, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, nil
	}
	if err != nil {
		return Receipt{}, err
	}
	out := Receipt{Confirmed: true, Success: r.Status == types.ReceiptStatusSuccessful}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// WaitForReceipt polls until the transaction is mined or the confirmation
// timeout passes. A reverted transaction returns ErrReverted.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		r, err := c.Receipt(ctx, hash)
		if err != nil && ctx.Err() == nil {
			slog.Warn("receipt poll failed", "tx", hash.Hex(), "err", err)
		}
		if r.Confirmed {
			if !r.Success {
				return r, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return r, nil
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

// TransferToken sends an ERC-20 transfer of the collateral token signed by key.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	data, err := PackTransfer(to, ToUnits(amount, CollateralDecimals))
	if err != nil {
		return common.Hash{}, err
	}
	return c.signAndSend(ctx, key, token, big.NewInt(0), data)
}

// TransferNative sends the gas token.
func (c *Client) TransferNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	return c.signAndSend(ctx, key, to, ToUnits(amount, NativeDecimals), nil)
}

func (c *Client) signAndSend(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	var nonce uint64
	if err := c.retry(ctx, "nonce", func(ctx context.Context) error {
		var err error
		nonce, err = c.backend.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return common.Hash{}, err
	}

	var gasPrice *big.Int
	if err := c.retry(ctx, "gasPrice", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.backend.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return common.Hash{}, err
	}

	gas := uint64(21_000)
	if len(data) > 0 {
		msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
		if err := c.retry(ctx, "estimateGas", func(ctx context.Context) error {
			var err error
			gas, err = c.backend.EstimateGas(ctx, msg)
			return err
		}); err != nil {
			slog.Warn("gas estimate failed, using fallback", "from", from.Hex(), "err", err)
			gas = fallbackTokenGas
		}
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}
	return c.send(ctx, signed)
}

func unpackUint(vals []interface{}, err error) (*big.Int, error) {
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, errors.New("chain: unexpected output length")
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, errors.New("chain: output is not uint256")
	}
	return v, nil
}
