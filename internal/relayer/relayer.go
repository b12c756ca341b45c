// Package relayer submits gas-sponsored Safe transactions through the
// builder relayer and verifies their effect directly on-chain.
//
// The relayer is never trusted for state: deployment and approvals are
// always confirmed by reading the chain.
package relayer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/custody-engine/internal/chain"
	"github.com/atmx/custody-engine/internal/config"
)

const (
	headerBuilderKey        = "POLY_BUILDER_API_KEY"
	headerBuilderPassphrase = "POLY_BUILDER_PASSPHRASE"
	headerBuilderSignature  = "POLY_BUILDER_SIGNATURE"
	headerBuilderTimestamp  = "POLY_BUILDER_TIMESTAMP"

	txTypeSafe       = "SAFE"
	txTypeSafeCreate = "SAFE-CREATE"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

var (
	ErrNotConfigured      = errors.New("relayer: builder credentials not configured")
	ErrUnavailable        = errors.New("relayer: service unavailable")
	ErrRejected           = errors.New("relayer: submission rejected")
	ErrVerificationFailed = errors.New("relayer: on-chain verification failed")
)

// ChainReader is the on-chain view the relayer verifies against.
type ChainReader interface {
	IsContract(ctx context.Context, addr common.Address) (bool, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, token, owner, operator common.Address) (bool, error)
	SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
}

// ApprovalKind separates ERC-20 allowances from ERC-1155 operator approvals.
type ApprovalKind int

const (
	CollateralAllowance ApprovalKind = iota
	OperatorApproval
)

// Approval is one token permission the proxy needs before it can trade.
type Approval struct {
	Kind   ApprovalKind
	Token  common.Address
	Target common.Address // spender or operator
}

func (a Approval) String() string {
	if a.Kind == CollateralAllowance {
		return "collateral->" + a.Target.Hex()
	}
	return "conditional->" + a.Target.Hex()
}

// RequiredApprovals lists every approval a trading proxy must hold.
func RequiredApprovals(c config.Contracts) []Approval {
	var out []Approval
	for _, op := range c.Operators() {
		out = append(out, Approval{Kind: CollateralAllowance, Token: c.Collateral, Target: op})
	}
	for _, op := range c.Operators() {
		out = append(out, Approval{Kind: OperatorApproval, Token: c.ConditionalToken, Target: op})
	}
	return out
}

// DeployResult describes a Safe deployment submission.
type DeployResult struct {
	TxHash          string
	AlreadyDeployed bool
}

// SetupResult describes an approval batch.
type SetupResult struct {
	Submitted int
	Skipped   int
}

// Client talks to the relayer HTTP API.
type Client struct {
	host       string
	httpClient *http.Client
	creds      config.Builder
	chainID    int64
	contracts  config.Contracts
	chain      ChainReader
	now        func() time.Time
}

// NewClient returns a relayer client.
func NewClient(host string, creds config.Builder, chainID int64, contracts config.Contracts, reader ChainReader, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		chainID:    chainID,
		contracts:  contracts,
		chain:      reader,
		now:        time.Now,
	}
}

// Configured reports whether builder credentials are present.
func (c *Client) Configured() bool { return c.creds.Configured() }

// VerifyDeployed reports whether contract code exists at proxy.
func (c *Client) VerifyDeployed(ctx context.Context, proxy common.Address) (bool, error) {
	return c.chain.IsContract(ctx, proxy)
}

// VerifyApprovalsComplete reports whether every required approval is in place.
func (c *Client) VerifyApprovalsComplete(ctx context.Context, proxy common.Address) (bool, error) {
	missing, err := c.MissingApprovals(ctx, proxy)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// MissingApprovals returns the required approvals not yet present on-chain.
func (c *Client) MissingApprovals(ctx context.Context, proxy common.Address) ([]Approval, error) {
	var missing []Approval
	for _, a := range RequiredApprovals(c.contracts) {
		ok, err := c.hasApproval(ctx, proxy, a)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, a)
		}
	}
	return missing, nil
}

func (c *Client) hasApproval(ctx context.Context, proxy common.Address, a Approval) (bool, error) {
	switch a.Kind {
	case CollateralAllowance:
		allowance, err := c.chain.Allowance(ctx, a.Token, proxy, a.Target)
		if err != nil {
			return false, err
		}
		return allowance.Sign() > 0, nil
	default:
		return c.chain.IsApprovedForAll(ctx, a.Token, proxy, a.Target)
	}
}

// DeploySafe asks the relayer to deploy the signer's Safe at proxy.
// A relayer answer of "already deployed" is reported as success.
func (c *Client) DeploySafe(ctx context.Context, key *ecdsa.PrivateKey, signer, proxy common.Address) (DeployResult, error) {
	if !c.Configured() {
		return DeployResult{}, ErrNotConfigured
	}
	sig, err := signCreateProxy(key, c.chainID, c.contracts.SafeFactory)
	if err != nil {
		return DeployResult{}, err
	}
	req := submitRequest{
		Type:        txTypeSafeCreate,
		From:        signer.Hex(),
		To:          c.contracts.SafeFactory.Hex(),
		ProxyWallet: proxy.Hex(),
		Data:        "0x",
		Signature:   sig,
		SignatureParams: signatureParams{
			PaymentToken:    zeroAddress,
			Payment:         "0",
			PaymentReceiver: zeroAddress,
		},
	}

	slog.Info("deploying safe via relayer", "signer", signer.Hex(), "proxy", proxy.Hex())
	resp, status, err := c.submit(ctx, req)
	if err != nil {
		if status == http.StatusBadRequest && strings.Contains(strings.ToLower(err.Error()), "already deployed") {
			slog.Info("safe already deployed", "proxy", proxy.Hex())
			return DeployResult{AlreadyDeployed: true}, nil
		}
		return DeployResult{}, err
	}
	return DeployResult{TxHash: resp.hash()}, nil
}

// SetupAllowances submits every missing approval as its own Safe
// transaction, waits for each to confirm, then re-verifies the full set.
// Approvals already present on-chain are skipped.
func (c *Client) SetupAllowances(ctx context.Context, proxy common.Address, key *ecdsa.PrivateKey) (SetupResult, error) {
	return c.setupAllowances(ctx, proxy, key, false)
}

// ResubmitAllowances submits the full approval set whatever the chain
// reports, then re-verifies it.
func (c *Client) ResubmitAllowances(ctx context.Context, proxy common.Address, key *ecdsa.PrivateKey) (SetupResult, error) {
	return c.setupAllowances(ctx, proxy, key, true)
}

func (c *Client) setupAllowances(ctx context.Context, proxy common.Address, key *ecdsa.PrivateKey, force bool) (SetupResult, error) {
	if !c.Configured() {
		return SetupResult{}, ErrNotConfigured
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	var res SetupResult
	var failed []string
	for _, a := range RequiredApprovals(c.contracts) {
		if !force {
			ok, err := c.hasApproval(ctx, proxy, a)
			if err != nil {
				slog.Warn("approval check failed, resubmitting", "proxy", proxy.Hex(), "approval", a.String(), "err", err)
			}
			if ok {
				res.Skipped++
				continue
			}
		}

		data, err := approvalCalldata(a)
		if err != nil {
			return res, err
		}
		hash, err := c.submitSafeTx(ctx, key, signer, proxy, a.Token, data)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return res, err
			}
			slog.Error("approval submission failed", "proxy", proxy.Hex(), "approval", a.String(), "err", err)
			failed = append(failed, a.String())
			continue
		}
		res.Submitted++
		if hash == "" {
			continue
		}
		if _, err := c.chain.WaitForReceipt(ctx, common.HexToHash(hash)); err != nil {
			slog.Warn("approval not confirmed", "proxy", proxy.Hex(), "approval", a.String(), "tx", hash, "err", err)
			failed = append(failed, a.String()+" (unconfirmed)")
		}
	}
	if len(failed) > 0 {
		return res, fmt.Errorf("%w: %s", ErrRejected, strings.Join(failed, ", "))
	}

	missing, err := c.MissingApprovals(ctx, proxy)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if len(missing) > 0 {
		return res, fmt.Errorf("%w: %d approvals missing after setup", ErrVerificationFailed, len(missing))
	}
	slog.Info("approvals verified", "proxy", proxy.Hex(), "submitted", res.Submitted, "skipped", res.Skipped)
	return res, nil
}

func approvalCalldata(a Approval) ([]byte, error) {
	if a.Kind == CollateralAllowance {
		return chain.PackApprove(a.Target, chain.MaxUint256)
	}
	return chain.PackSetApprovalForAll(a.Target, true)
}

// submitSafeTx signs and submits one call executed by the Safe.
func (c *Client) submitSafeTx(ctx context.Context, key *ecdsa.PrivateKey, signer, safe, to common.Address, data []byte) (string, error) {
	nonce, err := c.safeNonce(ctx, safe)
	if err != nil {
		return "", err
	}
	tx := SafeTx{To: to, Value: big.NewInt(0), Data: data, Nonce: nonce}
	hash, err := tx.Hash(c.chainID, safe)
	if err != nil {
		return "", err
	}
	sig, err := SignSafeHash(key, hash)
	if err != nil {
		return "", err
	}
	req := submitRequest{
		Type:        txTypeSafe,
		From:        signer.Hex(),
		To:          to.Hex(),
		ProxyWallet: safe.Hex(),
		Data:        "0x" + common.Bytes2Hex(data),
		Nonce:       nonce.String(),
		Signature:   sig,
		SignatureParams: signatureParams{
			Operation:      "0",
			SafeTxnGas:     "0",
			BaseGas:        "0",
			GasPrice:       "0",
			GasToken:       zeroAddress,
			RefundReceiver: zeroAddress,
		},
	}
	resp, _, err := c.submit(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.hash(), nil
}

// safeNonce reads the Safe's nonce on-chain and falls back to the relayer.
func (c *Client) safeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	nonce, err := c.chain.SafeNonce(ctx, safe)
	if err == nil {
		return nonce, nil
	}
	slog.Warn("on-chain safe nonce failed, asking relayer", "safe", safe.Hex(), "err", err)

	q := url.Values{"address": {safe.Hex()}, "type": {txTypeSafe}}
	body, _, err := c.do(ctx, http.MethodGet, "/nonce", "?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Nonce json.RawMessage `json:"nonce"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("relayer: decode nonce: %w", err)
	}
	raw := strings.Trim(string(parsed.Nonce), `"`)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("relayer: bad nonce %q", raw)
	}
	return n, nil
}

type signatureParams struct {
	PaymentToken    string `json:"paymentToken,omitempty"`
	Payment         string `json:"payment,omitempty"`
	PaymentReceiver string `json:"paymentReceiver,omitempty"`
	Operation       string `json:"operation,omitempty"`
	SafeTxnGas      string `json:"safeTxnGas,omitempty"`
	BaseGas         string `json:"baseGas,omitempty"`
	GasPrice        string `json:"gasPrice,omitempty"`
	GasToken        string `json:"gasToken,omitempty"`
	RefundReceiver  string `json:"refundReceiver,omitempty"`
}

type submitRequest struct {
	Type            string          `json:"type"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	ProxyWallet     string          `json:"proxyWallet"`
	Data            string          `json:"data"`
	Nonce           string          `json:"nonce,omitempty"`
	Signature       string          `json:"signature"`
	SignatureParams signatureParams `json:"signatureParams"`
}

type submitResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	TxHash          string `json:"txHash"`
	Hash            string `json:"hash"`
	State           string `json:"state"`
}

func (r submitResponse) hash() string {
	for _, h := range []string{r.TransactionHash, r.TxHash, r.Hash} {
		if h != "" {
			return h
		}
	}
	return ""
}

func (c *Client) submit(ctx context.Context, req submitRequest) (submitResponse, int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return submitResponse{}, 0, err
	}
	body, status, err := c.do(ctx, http.MethodPost, "/submit", "", payload)
	if err != nil {
		return submitResponse{}, status, err
	}
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return submitResponse{}, status, fmt.Errorf("relayer: decode submit response: %w", err)
	}
	return resp, status, nil
}

// do performs a signed request. Transport failures and 5xx responses are
// ErrUnavailable; other non-2xx responses are ErrRejected.
func (c *Client) do(ctx context.Context, method, path, query string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path+query, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers(method, path, payload) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, fmt.Errorf("%w: %d %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, resp.StatusCode, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, nil
}

func (c *Client) headers(method, path string, body []byte) map[string]string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	return map[string]string{
		headerBuilderKey:        c.creds.APIKey,
		headerBuilderPassphrase: c.creds.Passphrase,
		headerBuilderSignature:  BuilderSignature(c.creds.Secret, ts, method, path, body),
		headerBuilderTimestamp:  ts,
	}
}

// BuilderSignature is the URL-safe base64 HMAC-SHA256 of
// timestamp + METHOD + path + body under the decoded builder secret.
func BuilderSignature(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, decodeSecret(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + path + string(body)))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil {
		return b
	}
	return []byte(secret)
}
