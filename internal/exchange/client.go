// Package exchange is the per-user session with the off-chain order book:
// API credential derivation, order signing and placement, cancellation,
// and book reads.
//
// The exchange does not deduplicate submissions. Callers must not resubmit
// an order whose outcome is unknown.
package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/chain"
	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
)

const (
	headerAddress    = "POLY_ADDRESS"
	headerSignature  = "POLY_SIGNATURE"
	headerTimestamp  = "POLY_TIMESTAMP"
	headerNonce      = "POLY_NONCE"
	headerAPIKey     = "POLY_API_KEY"
	headerPassphrase = "POLY_PASSPHRASE"

	orderTypeFOK = "FOK"
	orderTypeGTC = "GTC"
)

var defaultTickSize = decimal.RequireFromString("0.01")

// Credentials are the L2 API credentials bound to a signer key.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

func (c Credentials) valid() bool {
	return c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// Config is shared by every session.
type Config struct {
	Host      string
	ChainID   int64
	Contracts config.Contracts
	Timeout   time.Duration
}

// OrderResult is what the exchange reported for a placed order. Shares and
// Notional are the matched quantities; both are zero for a resting order.
type OrderResult struct {
	ExchangeOrderID string
	Status          model.OrderStatus
	Shares          decimal.Decimal
	Notional        decimal.Decimal
	Price           decimal.Decimal
}

// OpenOrder is the exchange's view of an order it holds.
type OpenOrder struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	OriginalSize decimal.Decimal `json:"original_size"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	Price        decimal.Decimal `json:"price"`
}

// PriceLevel is one side of the book at a price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a snapshot of one token's book.
type OrderBook struct {
	AssetID string       `json:"asset_id"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// Session is the order-book surface the trading engine depends on.
type Session interface {
	PlaceMarketOrder(ctx context.Context, tokenID string, side model.Side, amount decimal.Decimal) (*OrderResult, error)
	PlaceLimitOrder(ctx context.Context, tokenID string, side model.Side, price, size decimal.Decimal) (*OrderResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*OpenOrder, error)
	BestPrice(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, bool, error)
}

// Client is one user's authenticated session.
type Client struct {
	host          string
	httpClient    *http.Client
	chainID       int64
	contracts     config.Contracts
	key           *ecdsa.PrivateKey
	signer        common.Address
	maker         common.Address
	signatureType int64
	now           func() time.Time

	mu        sync.RWMutex
	creds     Credentials
	tickSizes map[string]decimal.Decimal
	negRisk   map[string]bool
}

// NewClient builds a session for key. For proxy wallets maker is the Safe
// and orders are signed as Gnosis Safe orders; otherwise maker is the signer.
func NewClient(cfg Config, key *ecdsa.PrivateKey, walletType model.WalletType, maker common.Address) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	sigType := int64(SignatureTypeEOA)
	if walletType == model.WalletProxy {
		sigType = SignatureTypeGnosisSafe
	} else {
		maker = signer
	}
	return &Client{
		host:          strings.TrimRight(cfg.Host, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		chainID:       cfg.ChainID,
		contracts:     cfg.Contracts,
		key:           key,
		signer:        signer,
		maker:         maker,
		signatureType: sigType,
		now:           time.Now,
		tickSizes:     make(map[string]decimal.Decimal),
		negRisk:       make(map[string]bool),
	}
}

// SetCredentials installs previously derived credentials.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

// Credentials returns the installed credentials.
func (c *Client) Credentials() (Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds, c.creds.valid()
}

// Initialize derives the signer's API credentials, creating them if the
// exchange has none yet. The same key always yields the same credentials.
func (c *Client) Initialize(ctx context.Context) (Credentials, error) {
	creds, err := c.authRequest(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil || !creds.valid() {
		slog.Info("api key derivation failed, creating", "signer", c.signer.Hex(), "err", err)
		creds, err = c.authRequest(ctx, http.MethodPost, "/auth/api-key")
		if err != nil {
			return Credentials{}, fmt.Errorf("exchange: initialize credentials: %w", err)
		}
		if !creds.valid() {
			return Credentials{}, errors.New("exchange: initialize credentials: empty response")
		}
	}
	c.SetCredentials(creds)
	return creds, nil
}

func (c *Client) authRequest(ctx context.Context, method, path string) (Credentials, error) {
	ts := c.now().Unix()
	sig, err := signAuth(c.key, c.signer, c.chainID, ts, 0)
	if err != nil {
		return Credentials{}, err
	}
	headers := map[string]string{
		headerAddress:   c.signer.Hex(),
		headerSignature: sig,
		headerTimestamp: strconv.FormatInt(ts, 10),
		headerNonce:     "0",
	}
	var creds Credentials
	if err := c.do(ctx, method, path, nil, nil, headers, &creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// OrderBook reads the current book for tokenID.
func (c *Client) OrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	var book OrderBook
	if err := c.do(ctx, http.MethodGet, "/book", url.Values{"token_id": {tokenID}}, nil, nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// BestPrice returns the lowest ask for BUY or the highest bid for SELL.
// ok is false when that side of the book is empty.
func (c *Client) BestPrice(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, bool, error) {
	book, err := c.OrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false, err
	}
	levels := book.Asks
	if side == model.SideSell {
		levels = book.Bids
	}
	var best decimal.Decimal
	found := false
	for _, l := range levels {
		if !l.Size.IsPositive() {
			continue
		}
		if !found || (side == model.SideBuy && l.Price.LessThan(best)) || (side == model.SideSell && l.Price.GreaterThan(best)) {
			best = l.Price
			found = true
		}
	}
	return best, found, nil
}

// PlaceMarketOrder submits a fill-or-kill order. For BUY amount is the
// collateral to spend; for SELL it is the number of shares.
func (c *Client) PlaceMarketOrder(ctx context.Context, tokenID string, side model.Side, amount decimal.Decimal) (*OrderResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	book, err := c.OrderBook(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	price, err := marketPrice(book, side, amount)
	if err != nil {
		return nil, err
	}
	tick, negRisk := c.marketParams(ctx, tokenID)

	r := roundingFor(tick)
	price = price.Round(r.price)
	var makerAmt, takerAmt decimal.Decimal
	if side == model.SideBuy {
		makerAmt = amount.RoundDown(r.size)
		takerAmt = makerAmt.Div(price).RoundDown(r.amount)
	} else {
		makerAmt = amount.RoundDown(r.size)
		takerAmt = makerAmt.Mul(price).RoundDown(r.amount)
	}
	return c.submit(ctx, tokenID, side, makerAmt, takerAmt, negRisk, orderTypeFOK, price)
}

// PlaceLimitOrder rests a good-till-cancelled order of size shares.
func (c *Client) PlaceLimitOrder(ctx context.Context, tokenID string, side model.Side, price, size decimal.Decimal) (*OrderResult, error) {
	tick, negRisk := c.marketParams(ctx, tokenID)
	if price.LessThan(tick) || price.GreaterThan(decimal.NewFromInt(1).Sub(tick)) {
		return nil, fmt.Errorf("%w: price must be between %s and %s", ErrInvalidPrice, tick, decimal.NewFromInt(1).Sub(tick))
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: size must be positive", ErrRejected)
	}

	r := roundingFor(tick)
	price = price.Round(r.price)
	shares := size.RoundDown(r.size)
	var makerAmt, takerAmt decimal.Decimal
	if side == model.SideBuy {
		takerAmt = shares
		makerAmt = shares.Mul(price).RoundDown(r.amount)
	} else {
		makerAmt = shares
		takerAmt = shares.Mul(price).RoundDown(r.amount)
	}
	return c.submit(ctx, tokenID, side, makerAmt, takerAmt, negRisk, orderTypeGTC, price)
}

type signedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int64  `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderRequest struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
	PostOnly  bool        `json:"postOnly"`
}

type postOrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

func (c *Client) submit(ctx context.Context, tokenID string, side model.Side, makerAmt, takerAmt decimal.Decimal, negRisk bool, orderType string, price decimal.Decimal) (*OrderResult, error) {
	creds, ok := c.Credentials()
	if !ok {
		return nil, ErrNoCredentials
	}
	token, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("%w: token id %q is not a decimal integer", ErrRejected, tokenID)
	}
	if !makerAmt.IsPositive() || !takerAmt.IsPositive() {
		return nil, fmt.Errorf("%w: order rounds to zero", ErrRejected)
	}

	sideValue := int64(sideBuy)
	if side == model.SideSell {
		sideValue = sideSell
	}
	order := unsignedOrder{
		Salt:          big.NewInt(randomSalt()),
		Maker:         c.maker,
		Signer:        c.signer,
		Taker:         common.Address{},
		TokenID:       token,
		MakerAmount:   chain.ToUnits(makerAmt, chain.CollateralDecimals),
		TakerAmount:   chain.ToUnits(takerAmt, chain.CollateralDecimals),
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(0),
		Side:          sideValue,
		SignatureType: c.signatureType,
	}
	verifying := c.contracts.Exchange
	if negRisk {
		verifying = c.contracts.NegRiskExchange
	}
	sig, err := signOrder(c.key, c.chainID, verifying, order)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(postOrderRequest{
		Order: signedOrder{
			Salt:          order.Salt.Int64(),
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         order.Taker.Hex(),
			TokenID:       order.TokenID.String(),
			MakerAmount:   order.MakerAmount.String(),
			TakerAmount:   order.TakerAmount.String(),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			Side:          string(side),
			SignatureType: order.SignatureType,
			Signature:     sig,
		},
		Owner:     creds.APIKey,
		OrderType: orderType,
	})
	if err != nil {
		return nil, err
	}

	var resp postOrderResponse
	if err := c.do(ctx, http.MethodPost, "/order", nil, body, c.l2Headers(creds, http.MethodPost, "/order", body), &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.OrderID == "" {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = "order rejected"
		}
		return nil, classify(msg)
	}

	res := &OrderResult{ExchangeOrderID: resp.OrderID, Status: mapStatus(resp.Status, orderType)}
	if res.Status == model.StatusFilled {
		// Making is what we gave, taking is what we got.
		making, taking := parseAmount(resp.MakingAmount), parseAmount(resp.TakingAmount)
		shares, notional := taking, making
		if side == model.SideSell {
			shares, notional = making, taking
		}
		if !shares.IsPositive() || !notional.IsPositive() {
			shares, notional = takerAmt, makerAmt
			if side == model.SideSell {
				shares, notional = makerAmt, takerAmt
			}
		}
		res.Shares = shares
		res.Notional = notional
		res.Price = notional.Div(shares).Round(6)
	} else {
		res.Price = price
	}
	slog.Info("order posted",
		"exchange_order_id", res.ExchangeOrderID,
		"token_id", tokenID,
		"side", side,
		"type", orderType,
		"status", res.Status,
		"shares", res.Shares.String(),
		"notional", res.Notional.String(),
	)
	return res, nil
}

// CancelOrder asks the exchange to cancel an order. It reports whether the
// exchange confirmed the cancellation.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	creds, ok := c.Credentials()
	if !ok {
		return false, ErrNoCredentials
	}
	body, err := json.Marshal(map[string]string{"orderID": exchangeOrderID})
	if err != nil {
		return false, err
	}
	var resp struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/order", nil, body, c.l2Headers(creds, http.MethodDelete, "/order", body), &resp); err != nil {
		return false, err
	}
	for _, id := range resp.Canceled {
		if id == exchangeOrderID {
			return true, nil
		}
	}
	if reason, ok := resp.NotCanceled[exchangeOrderID]; ok {
		slog.Warn("cancel refused", "exchange_order_id", exchangeOrderID, "reason", reason)
	}
	return false, nil
}

// GetOrder reads one order's state from the exchange.
func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (*OpenOrder, error) {
	creds, ok := c.Credentials()
	if !ok {
		return nil, ErrNoCredentials
	}
	path := "/data/order/" + exchangeOrderID
	var o OpenOrder
	if err := c.do(ctx, http.MethodGet, path, nil, nil, c.l2Headers(creds, http.MethodGet, path, nil), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// marketParams returns the token's tick size and neg-risk flag, cached per
// token. Lookup failures fall back to a 0.01 tick on the standard exchange.
func (c *Client) marketParams(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	tick, haveTick := c.tickSizes[tokenID]
	neg, haveNeg := c.negRisk[tokenID]
	c.mu.RUnlock()
	if haveTick && haveNeg {
		return tick, neg
	}

	q := url.Values{"token_id": {tokenID}}
	var ts struct {
		MinimumTickSize decimal.Decimal `json:"minimum_tick_size"`
	}
	tick = defaultTickSize
	if err := c.do(ctx, http.MethodGet, "/tick-size", q, nil, nil, &ts); err == nil && ts.MinimumTickSize.IsPositive() {
		tick = ts.MinimumTickSize
	}
	var nr struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := c.do(ctx, http.MethodGet, "/neg-risk", q, nil, nil, &nr); err == nil {
		neg = nr.NegRisk
	}

	c.mu.Lock()
	c.tickSizes[tokenID] = tick
	c.negRisk[tokenID] = neg
	c.mu.Unlock()
	return tick, neg
}

func (c *Client) l2Headers(creds Credentials, method, path string, body []byte) map[string]string {
	ts := c.now().Unix()
	sig, _ := HMACSignature(creds.Secret, ts, method, path, body)
	return map[string]string{
		headerAddress:    c.signer.Hex(),
		headerSignature:  sig,
		headerTimestamp:  strconv.FormatInt(ts, 10),
		headerAPIKey:     creds.APIKey,
		headerPassphrase: creds.Passphrase,
	}
}

type apiError struct {
	Error    string `json:"error"`
	ErrorMsg string `json:"errorMsg"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string, out any) error {
	start := time.Now()
	defer func() {
		metrics.ExchangeRequestDuration.WithLabelValues(endpointLabel(path)).Observe(time.Since(start).Seconds())
	}()

	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		msg := strings.TrimSpace(string(payload))
		if json.Unmarshal(payload, &apiErr) == nil {
			if apiErr.Error != "" {
				msg = apiErr.Error
			} else if apiErr.ErrorMsg != "" {
				msg = apiErr.ErrorMsg
			}
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s %s: %d %s", ErrUnavailable, method, path, resp.StatusCode, msg)
		default:
			return classify(msg)
		}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func endpointLabel(path string) string {
	if strings.HasPrefix(path, "/data/order/") {
		return "/data/order"
	}
	return path
}

// marketPrice walks the book to find the worst price level needed to fill
// amount: collateral for a BUY, shares for a SELL.
func marketPrice(book *OrderBook, side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	levels := sortedLevels(book, side)
	if len(levels) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no %s liquidity", ErrNoLiquidity, strings.ToLower(string(side)))
	}
	total := decimal.Zero
	for _, l := range levels {
		if side == model.SideBuy {
			total = total.Add(l.Price.Mul(l.Size))
		} else {
			total = total.Add(l.Size)
		}
		if total.GreaterThanOrEqual(amount) {
			return l.Price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: book cannot fill %s", ErrNoLiquidity, amount)
}

// sortedLevels returns asks ascending for BUY or bids descending for SELL.
func sortedLevels(book *OrderBook, side model.Side) []PriceLevel {
	src := book.Asks
	if side == model.SideSell {
		src = book.Bids
	}
	out := make([]PriceLevel, 0, len(src))
	for _, l := range src {
		if l.Size.IsPositive() && l.Price.IsPositive() {
			out = append(out, l)
		}
	}
	better := func(a, b decimal.Decimal) bool {
		if side == model.SideBuy {
			return a.LessThan(b)
		}
		return a.GreaterThan(b)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && better(out[j].Price, out[j-1].Price); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type rounding struct {
	price, size, amount int32
}

// roundingFor maps a tick size to price, size, and amount precision.
func roundingFor(tick decimal.Decimal) rounding {
	switch tick.String() {
	case "0.1":
		return rounding{price: 1, size: 2, amount: 3}
	case "0.001":
		return rounding{price: 3, size: 2, amount: 5}
	case "0.0001":
		return rounding{price: 4, size: 2, amount: 6}
	default:
		return rounding{price: 2, size: 2, amount: 4}
	}
}

func mapStatus(status, orderType string) model.OrderStatus {
	switch strings.ToLower(status) {
	case "matched":
		return model.StatusFilled
	case "live":
		return model.StatusOpen
	case "delayed":
		return model.StatusOpen
	case "unmatched":
		return model.StatusCancelled
	}
	if orderType == orderTypeFOK {
		return model.StatusFilled
	}
	return model.StatusOpen
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func randomSalt() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return time.Now().UnixNano() & (1<<53 - 1)
	}
	return n.Int64()
}
