// Package market validates order-book identifiers and reads public market
// data: metadata per condition and best prices per outcome token.
//
// Nothing here mutates remote state.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

// tokenIDRegex matches a decimal uint256, the ERC-1155 position id of one
// outcome.
var tokenIDRegex = regexp.MustCompile(`^[0-9]{1,78}$`)

// conditionIDRegex matches a 32-byte hex condition id.
// Example: 0x5f65177b394277fd294cd75650044e32ba009a95022d88a0c1d565897d72f8f1
var conditionIDRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	ErrInvalidTokenID     = errors.New("market: invalid token id")
	ErrInvalidConditionID = errors.New("market: invalid condition id")
	ErrNotFound           = errors.New("market: not found")
	ErrUnavailable        = errors.New("market: data source unavailable")
)

// ParseTokenID validates an outcome token id and returns its value.
func ParseTokenID(s string) (*big.Int, error) {
	if !tokenIDRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %q (expected a decimal integer)", ErrInvalidTokenID, s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() == 0 || n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %q out of range", ErrInvalidTokenID, s)
	}
	return n, nil
}

// ParseConditionID validates a condition id.
func ParseConditionID(s string) (common.Hash, error) {
	if !conditionIDRegex.MatchString(s) {
		return common.Hash{}, fmt.Errorf("%w: %q (expected 0x followed by 64 hex digits)", ErrInvalidConditionID, s)
	}
	return common.HexToHash(s), nil
}

// Token is one outcome of a market.
type Token struct {
	TokenID string          `json:"token_id"`
	Outcome string          `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
}

// Market is the read-only metadata of one condition.
type Market struct {
	ConditionID string          `json:"condition_id"`
	Question    string          `json:"question"`
	Active      bool            `json:"active"`
	Closed      bool            `json:"closed"`
	NegRisk     bool            `json:"neg_risk"`
	TickSize    decimal.Decimal `json:"minimum_tick_size"`
	Tokens      []Token         `json:"tokens"`
}

// Outcome returns the outcome label of tokenID in this market.
func (m *Market) Outcome(tokenID string) (string, bool) {
	for _, t := range m.Tokens {
		if t.TokenID == tokenID {
			return t.Outcome, true
		}
	}
	return "", false
}

// Tradeable reports whether the market still accepts orders.
func (m *Market) Tradeable() bool {
	return m.Active && !m.Closed
}

// Metadata resolves condition ids to market metadata.
type Metadata interface {
	Metadata(ctx context.Context, conditionID string) (*Market, error)
}

// Prices reads the best price on one side of a token's book.
type Prices interface {
	BestPrice(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, bool, error)
}

type cached struct {
	market  *Market
	expires time.Time
}

// Client reads public order-book endpoints. Metadata is cached for ttl.
type Client struct {
	host       string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// NewClient returns a Client for host.
func NewClient(host string, timeout, ttl time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: timeout},
		ttl:        ttl,
		now:        time.Now,
		cache:      make(map[string]cached),
	}
}

// Metadata returns the market for conditionID.
func (c *Client) Metadata(ctx context.Context, conditionID string) (*Market, error) {
	if _, err := ParseConditionID(conditionID); err != nil {
		return nil, err
	}
	key := strings.ToLower(conditionID)

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.market, nil
	}

	var m Market
	if err := c.get(ctx, "/markets/"+conditionID, nil, &m); err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[key] = cached{market: &m, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return &m, nil
}

type level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BestPrice returns the lowest ask for BUY or the highest bid for SELL.
// ok is false when that side is empty.
func (c *Client) BestPrice(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, bool, error) {
	if _, err := ParseTokenID(tokenID); err != nil {
		return decimal.Zero, false, err
	}
	var book struct {
		Bids []level `json:"bids"`
		Asks []level `json:"asks"`
	}
	if err := c.get(ctx, "/book", url.Values{"token_id": {tokenID}}, &book); err != nil {
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
			best, found = l.Price, true
		}
	}
	return best, found, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
