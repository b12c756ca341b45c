package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/commission"
	"github.com/atmx/custody-engine/internal/exchange"
	"github.com/atmx/custody-engine/internal/market"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/ratelimit"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/wallet"
)

const (
	testMarket = "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000"
	yesToken   = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	noToken    = "52114319501245915516055106046884209969926127482827954674443846427813813222426"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Fakes ---

type fakeWallets struct {
	store        store.Store
	setupErr     error
	reapproveErr error
	reapprovals  int
}

func (f *fakeWallets) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return f.store.GetWallet(ctx, userID)
}

func (f *fakeWallets) EnsureTradeable(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := f.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return w, nil
}

func (f *fakeWallets) Reapprove(_ context.Context, _ *model.Wallet) error {
	f.reapprovals++
	return f.reapproveErr
}

type fakeSession struct {
	mu       sync.Mutex
	results  []*exchange.OrderResult
	errs     []error
	calls    int
	cancelOK bool
	cancels  []string
	remote   map[string]*exchange.OpenOrder
}

func (s *fakeSession) next() (*exchange.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return nil, errors.New("fake: no scripted result")
}

func (s *fakeSession) PlaceMarketOrder(_ context.Context, _ string, _ model.Side, _ decimal.Decimal) (*exchange.OrderResult, error) {
	return s.next()
}

func (s *fakeSession) PlaceLimitOrder(_ context.Context, _ string, _ model.Side, _, _ decimal.Decimal) (*exchange.OrderResult, error) {
	return s.next()
}

func (s *fakeSession) CancelOrder(_ context.Context, id string) (bool, error) {
	s.cancels = append(s.cancels, id)
	return s.cancelOK, nil
}

func (s *fakeSession) GetOrder(_ context.Context, id string) (*exchange.OpenOrder, error) {
	o, ok := s.remote[id]
	if !ok {
		return nil, fmt.Errorf("fake: order %s unknown", id)
	}
	return o, nil
}

func (s *fakeSession) BestPrice(_ context.Context, _ string, _ model.Side) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

type fakeSessions struct {
	session     *fakeSession
	invalidated []string
}

func (f *fakeSessions) Session(_ context.Context, _ *model.Wallet) (exchange.Session, error) {
	return f.session, nil
}

func (f *fakeSessions) Invalidate(userID string) {
	f.invalidated = append(f.invalidated, userID)
}

// fakeCommissions takes 1% with a 0.01 floor.
type fakeCommissions struct {
	submitted []commission.Calculation
}

func (f *fakeCommissions) Calculate(amount decimal.Decimal) commission.Calculation {
	rate := d(0.01)
	c := amount.Mul(rate).Round(6)
	if c.LessThan(d(0.01)) {
		c = decimal.Zero
	}
	return commission.Calculation{TradeAmount: amount, Rate: rate, Commission: c, Net: amount.Sub(c)}
}

func (f *fakeCommissions) Submit(_ context.Context, userID, orderID string, calc commission.Calculation) (*model.CommissionRecord, error) {
	if !calc.Commission.IsPositive() {
		return nil, nil
	}
	f.submitted = append(f.submitted, calc)
	return &model.CommissionRecord{ID: "c-" + orderID, OrderID: orderID, UserID: userID, CommissionAmount: calc.Commission, Status: model.CommissionPending}, nil
}

type fakePrices map[string]decimal.Decimal

func (p fakePrices) BestPrice(_ context.Context, tokenID string, _ model.Side) (decimal.Decimal, bool, error) {
	v, ok := p[tokenID]
	return v, ok, nil
}

type fakeMetadata map[string]*market.Market

func (m fakeMetadata) Metadata(_ context.Context, id string) (*market.Market, error) {
	mk, ok := m[id]
	if !ok {
		return nil, market.ErrNotFound
	}
	return mk, nil
}

type testEnv struct {
	engine      *Engine
	store       *store.MemoryStore
	wallets     *fakeWallets
	sessions    *fakeSessions
	session     *fakeSession
	commissions *fakeCommissions
	now         time.Time
}

func newTestEngine(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	if err := ms.CreateWallet(context.Background(), &model.Wallet{
		UserID:        "user1",
		SignerAddress: "0x1111111111111111111111111111111111111111",
		ProxyAddress:  "0x2222222222222222222222222222222222222222",
		WalletType:    model.WalletProxy,
		Deployed:      true,
		Approved:      true,
		BalanceCache:  d(100),
		Active:        true,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	env := &testEnv{
		store:       ms,
		wallets:     &fakeWallets{store: ms},
		session:     &fakeSession{cancelOK: true, remote: map[string]*exchange.OpenOrder{}},
		commissions: &fakeCommissions{},
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.sessions = &fakeSessions{session: env.session}
	if opts.MinOrderValue.IsZero() {
		opts.MinOrderValue = d(1)
	}
	env.engine = NewEngine(ms, env.wallets, env.sessions, env.commissions, opts)
	env.engine.now = func() time.Time { return env.now }
	ids := 0
	env.engine.newID = func() string {
		ids++
		return fmt.Sprintf("order-%d", ids)
	}
	return env
}

func marketBuy(size float64) OrderRequest {
	return OrderRequest{
		UserID:   "user1",
		MarketID: testMarket,
		TokenID:  yesToken,
		Outcome:  "Yes",
		Side:     model.SideBuy,
		Kind:     model.KindMarket,
		Size:     d(size),
	}
}

func filled(id string, shares, notional, price float64) *exchange.OrderResult {
	return &exchange.OrderResult{
		ExchangeOrderID: id,
		Status:          model.StatusFilled,
		Shares:          d(shares),
		Notional:        d(notional),
		Price:           d(price),
	}
}

func balance(t *testing.T, env *testEnv) decimal.Decimal {
	t.Helper()
	w, err := env.store.GetWallet(context.Background(), "user1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w.BalanceCache
}

// --- PlaceOrder ---

func TestPlaceOrder_MarketBuyFilled(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 18.1818, 10, 0.55)}

	res, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", res.Order.Status)
	}
	if !res.Order.FilledSize.Equal(d(10)) {
		t.Errorf("expected filled size 10 (collateral), got %s", res.Order.FilledSize)
	}
	if res.Order.ExchangeOrderID != "ex-1" {
		t.Errorf("expected exchange id ex-1, got %s", res.Order.ExchangeOrderID)
	}
	if res.Position == nil || !res.Position.Size.Equal(d(18.1818)) {
		t.Fatalf("expected position of 18.1818 shares, got %+v", res.Position)
	}
	// 100 - 10 notional - 0.1 commission
	if got := balance(t, env); !got.Equal(d(89.9)) {
		t.Errorf("expected balance 89.9, got %s", got)
	}
	if res.Commission == nil || !res.Commission.CommissionAmount.Equal(d(0.1)) {
		t.Errorf("expected commission 0.1, got %+v", res.Commission)
	}

	stored, _ := env.store.GetOrder(context.Background(), res.Order.ID)
	if stored.Status != model.StatusFilled {
		t.Errorf("expected stored order FILLED, got %s", stored.Status)
	}
}

func TestPlaceOrder_LimitBuyRests(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{{ExchangeOrderID: "ex-1", Status: model.StatusOpen}}

	req := marketBuy(25)
	req.Kind = model.KindLimit
	req.Price = decimal.NewNullDecimal(d(0.42))
	res, err := env.engine.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", res.Order.Status)
	}
	if res.Position != nil {
		t.Error("expected no ledger change for a resting order")
	}
	if got := balance(t, env); !got.Equal(d(100)) {
		t.Errorf("expected balance untouched, got %s", got)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEngine(t, Options{})

	limitNoPrice := marketBuy(10)
	limitNoPrice.Kind = model.KindLimit

	limitBadPrice := marketBuy(10)
	limitBadPrice.Kind = model.KindLimit
	limitBadPrice.Price = decimal.NewNullDecimal(d(1))

	marketWithPrice := marketBuy(10)
	marketWithPrice.Price = decimal.NewNullDecimal(d(0.5))

	badToken := marketBuy(10)
	badToken.TokenID = "0xabc"

	badSide := marketBuy(10)
	badSide.Side = "HOLD"

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"zero size", marketBuy(0)},
		{"below minimum", marketBuy(0.5)},
		{"limit without price", limitNoPrice},
		{"price out of range", limitBadPrice},
		{"market with price", marketWithPrice},
		{"bad token", badToken},
		{"bad side", badSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.PlaceOrder(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if env.session.calls != 0 {
		t.Errorf("expected no exchange calls, got %d", env.session.calls)
	}
	orders, _ := env.store.ListOrdersByUser(context.Background(), "user1")
	if len(orders) != 0 {
		t.Errorf("expected no order rows, got %d", len(orders))
	}
}

func TestPlaceOrder_DefaultsToMarket(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}

	req := marketBuy(10)
	req.Kind = ""
	res, err := env.engine.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Kind != model.KindMarket {
		t.Errorf("expected MARKET, got %s", res.Order.Kind)
	}
}

func TestPlaceOrder_SetupFailureCreatesNoOrder(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.wallets.setupErr = wallet.ErrDeploymentPending

	_, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
	if !errors.Is(err, wallet.ErrDeploymentPending) {
		t.Errorf("expected cause kept in chain, got %v", err)
	}
	orders, _ := env.store.ListOrdersByUser(context.Background(), "user1")
	if len(orders) != 0 {
		t.Errorf("expected no order rows, got %d", len(orders))
	}
}

func TestPlaceOrder_UnknownUser(t *testing.T) {
	env := newTestEngine(t, Options{})
	req := marketBuy(10)
	req.UserID = "nobody"

	_, err := env.engine.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaceOrder_AllowanceRetriedOnce(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.errs = []error{fmt.Errorf("%w: not enough balance / allowance", exchange.ErrAllowance), nil}
	env.session.results = []*exchange.OrderResult{nil, filled("ex-2", 20, 10, 0.5)}

	res, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.wallets.reapprovals != 1 {
		t.Errorf("expected 1 reapproval, got %d", env.wallets.reapprovals)
	}
	if env.session.calls != 2 {
		t.Errorf("expected 2 submissions, got %d", env.session.calls)
	}
	if res.Order.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", res.Order.Status)
	}
}

func TestPlaceOrder_AllowanceRetryFailsOnce(t *testing.T) {
	env := newTestEngine(t, Options{})
	allowance := fmt.Errorf("%w: allowance", exchange.ErrAllowance)
	env.session.errs = []error{allowance, allowance, allowance}

	res, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrAllowance) {
		t.Fatalf("expected ErrAllowance, got %v", err)
	}
	if env.session.calls != 2 {
		t.Errorf("expected exactly 2 submissions, got %d", env.session.calls)
	}
	if res.Order.Status != model.StatusFailed || res.Order.ErrorMessage == "" {
		t.Errorf("expected FAILED with message, got %s %q", res.Order.Status, res.Order.ErrorMessage)
	}
	if got := balance(t, env); !got.Equal(d(100)) {
		t.Errorf("expected balance untouched, got %s", got)
	}
}

func TestPlaceOrder_ReapproveFailure(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.errs = []error{fmt.Errorf("%w: allowance", exchange.ErrAllowance)}
	env.wallets.reapproveErr = wallet.ErrApprovalFailed

	res, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
	if env.session.calls != 1 {
		t.Errorf("expected no resubmission, got %d calls", env.session.calls)
	}
	if res.Order.Status != model.StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Order.Status)
	}
}

func TestPlaceOrder_BalanceNotRetried(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.errs = []error{fmt.Errorf("%w: not enough balance", exchange.ErrInsufficientBalance)}

	_, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if env.wallets.reapprovals != 0 || env.session.calls != 1 {
		t.Errorf("expected no retry, got %d reapprovals %d calls", env.wallets.reapprovals, env.session.calls)
	}
}

func TestPlaceOrder_UnauthorizedInvalidatesSession(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.errs = []error{exchange.ErrUnauthorized}

	_, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", err)
	}
	if len(env.sessions.invalidated) != 1 || env.sessions.invalidated[0] != "user1" {
		t.Errorf("expected session invalidated for user1, got %v", env.sessions.invalidated)
	}
}

func TestPlaceOrder_UnmatchedFails(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{{ExchangeOrderID: "ex-1", Status: model.StatusCancelled}}

	res, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", err)
	}
	if res.Order.Status != model.StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Order.Status)
	}
}

func TestPlaceOrder_SellChecksPosition(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{
		filled("ex-1", 20, 10, 0.5),
		filled("ex-2", 5, 3, 0.6),
	}
	if _, err := env.engine.PlaceOrder(context.Background(), marketBuy(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	over := marketBuy(25)
	over.Side = model.SideSell
	if _, err := env.engine.PlaceOrder(context.Background(), over); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for oversell, got %v", err)
	}

	res, err := env.engine.Sell(context.Background(), SellRequest{
		UserID:   "user1",
		MarketID: testMarket,
		Outcome:  "Yes",
		Size:     d(5),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Order.TokenID != yesToken {
		t.Errorf("expected token taken from position, got %s", res.Order.TokenID)
	}
	if !res.Position.Size.Equal(d(15)) {
		t.Errorf("expected 15 shares left, got %s", res.Position.Size)
	}
	// 100 - 10.1 + (3 - 0.03)
	if got := balance(t, env); !got.Equal(d(92.87)) {
		t.Errorf("expected balance 92.87, got %s", got)
	}
}

func TestSell_NoPosition(t *testing.T) {
	env := newTestEngine(t, Options{})
	_, err := env.engine.Sell(context.Background(), SellRequest{UserID: "user1", MarketID: testMarket, Outcome: "No", Size: d(1)})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestPlaceOrder_RateLimited(t *testing.T) {
	env := newTestEngine(t, Options{Limiter: ratelimit.NewLimiter(1)})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}

	if _, err := env.engine.PlaceOrder(context.Background(), marketBuy(10)); err != nil {
		t.Fatalf("first order: %v", err)
	}
	_, err := env.engine.PlaceOrder(context.Background(), marketBuy(10))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	if StatusCode(err) != 429 {
		t.Errorf("expected 429, got %d", StatusCode(err))
	}
}

func TestPlaceOrder_ResolvesOutcomeFromMetadata(t *testing.T) {
	meta := fakeMetadata{testMarket: {
		ConditionID: testMarket,
		Active:      true,
		Tokens:      []market.Token{{TokenID: yesToken, Outcome: "Yes"}, {TokenID: noToken, Outcome: "No"}},
	}}
	env := newTestEngine(t, Options{Metadata: meta})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}

	req := marketBuy(10)
	req.TokenID = noToken
	req.Outcome = ""
	res, err := env.engine.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.Outcome != "No" {
		t.Errorf("expected outcome No, got %q", res.Order.Outcome)
	}

	req.Outcome = "Yes"
	if _, err := env.engine.PlaceOrder(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for outcome mismatch, got %v", err)
	}

	meta[testMarket].Closed = true
	req.Outcome = ""
	if _, err := env.engine.PlaceOrder(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for closed market, got %v", err)
	}
}

func TestPlaceOrder_MarketSellValueUsesBestBid(t *testing.T) {
	env := newTestEngine(t, Options{Prices: fakePrices{yesToken: d(0.1)}})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}
	if _, err := env.engine.PlaceOrder(context.Background(), marketBuy(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	sell := marketBuy(5) // 5 shares at 0.1 = 0.5 < 1
	sell.Side = model.SideSell
	if _, err := env.engine.PlaceOrder(context.Background(), sell); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation below minimum value, got %v", err)
	}
}

// --- Fills ---

func placeRestingLimit(t *testing.T, env *testEnv, shares float64) *model.Order {
	t.Helper()
	env.session.results = append(env.session.results, &exchange.OrderResult{ExchangeOrderID: "ex-limit", Status: model.StatusOpen})
	req := marketBuy(shares)
	req.Kind = model.KindLimit
	req.Price = decimal.NewNullDecimal(d(0.4))
	res, err := env.engine.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place limit: %v", err)
	}
	return res.Order
}

func TestApplyFillNotification_PartialThenFull(t *testing.T) {
	env := newTestEngine(t, Options{})
	placeRestingLimit(t, env, 100)
	ctx := context.Background()

	res, err := env.engine.ApplyFillNotification(ctx, "ex-limit", d(40), d(0.4))
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if res.Order.Status != model.StatusPartiallyFilled {
		t.Errorf("expected PARTIALLY_FILLED, got %s", res.Order.Status)
	}
	if !res.Position.Size.Equal(d(40)) {
		t.Errorf("expected 40 shares, got %s", res.Position.Size)
	}

	res, err = env.engine.ApplyFillNotification(ctx, "ex-limit", d(100), d(0.4))
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	if res.Order.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", res.Order.Status)
	}
	if !res.Position.Size.Equal(d(100)) {
		t.Errorf("expected 100 shares, got %s", res.Position.Size)
	}
	if !res.Order.Notional.Equal(d(40)) {
		t.Errorf("expected notional 40, got %s", res.Order.Notional)
	}
	// 100 - 40 - 0.4 commission
	if got := balance(t, env); !got.Equal(d(59.6)) {
		t.Errorf("expected balance 59.6, got %s", got)
	}
}

func TestApplyFillNotification_Idempotent(t *testing.T) {
	env := newTestEngine(t, Options{})
	placeRestingLimit(t, env, 100)
	ctx := context.Background()

	if _, err := env.engine.ApplyFillNotification(ctx, "ex-limit", d(40), d(0.4)); err != nil {
		t.Fatalf("first: %v", err)
	}
	after := balance(t, env)
	for i := 0; i < 3; i++ {
		if _, err := env.engine.ApplyFillNotification(ctx, "ex-limit", d(40), d(0.4)); err != nil {
			t.Fatalf("repeat %d: %v", i, err)
		}
	}
	if got := balance(t, env); !got.Equal(after) {
		t.Errorf("expected balance unchanged at %s, got %s", after, got)
	}
	if len(env.commissions.submitted) != 1 {
		t.Errorf("expected 1 commission, got %d", len(env.commissions.submitted))
	}
}

func TestApplyFillNotification_Overfill(t *testing.T) {
	env := newTestEngine(t, Options{})
	placeRestingLimit(t, env, 100)

	_, err := env.engine.ApplyFillNotification(context.Background(), "ex-limit", d(150), d(0.4))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestApplyFillNotification_UnknownOrder(t *testing.T) {
	env := newTestEngine(t, Options{})
	_, err := env.engine.ApplyFillNotification(context.Background(), "missing", d(1), d(0.4))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncOpenOrders(t *testing.T) {
	env := newTestEngine(t, Options{})
	placeRestingLimit(t, env, 100)
	env.session.remote["ex-limit"] = &exchange.OpenOrder{ID: "ex-limit", Status: "LIVE", SizeMatched: d(30), Price: d(0.4)}

	n, err := env.engine.SyncOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 order changed, got %d", n)
	}
	o, _ := env.store.GetOrderByExchangeID(context.Background(), "ex-limit")
	if !o.FilledSize.Equal(d(30)) || o.Status != model.StatusPartiallyFilled {
		t.Errorf("expected 30 filled and PARTIALLY_FILLED, got %s %s", o.FilledSize, o.Status)
	}

	env.session.remote["ex-limit"].Status = "CANCELED"
	if _, err := env.engine.SyncOpenOrders(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	o, _ = env.store.GetOrderByExchangeID(context.Background(), "ex-limit")
	if o.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status)
	}
	if !o.FilledSize.Equal(d(30)) {
		t.Errorf("expected filled size kept at 30, got %s", o.FilledSize)
	}
}

func TestSyncOpenOrders_SettlesDelayedMarketOrder(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()
	env.session.results = []*exchange.OrderResult{{ExchangeOrderID: "ex-1", Status: model.StatusOpen}}

	res, err := env.engine.PlaceOrder(ctx, marketBuy(10))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Order.Status != model.StatusOpen {
		t.Fatalf("expected OPEN, got %s", res.Order.Status)
	}
	env.session.remote["ex-1"] = &exchange.OpenOrder{ID: "ex-1", Status: "MATCHED", SizeMatched: d(20), Price: d(0.5)}

	n, err := env.engine.SyncOpenOrders(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 order changed, got %d", n)
	}
	o, _ := env.store.GetOrder(ctx, res.Order.ID)
	if o.Status != model.StatusFilled || !o.FilledSize.Equal(d(10)) {
		t.Errorf("expected FILLED with 10 collateral, got %s %s", o.Status, o.FilledSize)
	}
	if !o.Notional.Equal(d(10)) || !o.FillPrice.Equal(d(0.5)) {
		t.Errorf("expected notional 10 at 0.5, got %s at %s", o.Notional, o.FillPrice)
	}
	pos, err := env.store.GetPosition(ctx, "user1", testMarket, "Yes")
	if err != nil || !pos.Size.Equal(d(20)) {
		t.Fatalf("expected position of 20 shares, got %+v (%v)", pos, err)
	}
	// 100 - 10 notional - 0.1 commission
	if got := balance(t, env); !got.Equal(d(89.9)) {
		t.Errorf("expected balance 89.9, got %s", got)
	}

	if _, err := env.engine.ApplyFillNotification(ctx, "ex-1", d(20), d(0.5)); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if n, _ := env.engine.SyncOpenOrders(ctx); n != 0 {
		t.Errorf("expected nothing left to sync, got %d", n)
	}
	if got := balance(t, env); !got.Equal(d(89.9)) {
		t.Errorf("expected balance unchanged at 89.9, got %s", got)
	}
	if len(env.commissions.submitted) != 1 {
		t.Errorf("expected 1 commission, got %d", len(env.commissions.submitted))
	}
}

// --- Cancel ---

func TestCancelOrder_Open(t *testing.T) {
	env := newTestEngine(t, Options{})
	o := placeRestingLimit(t, env, 100)

	got, err := env.engine.CancelOrder(context.Background(), "user1", o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if len(env.session.cancels) != 1 || env.session.cancels[0] != "ex-limit" {
		t.Errorf("expected exchange cancel for ex-limit, got %v", env.session.cancels)
	}
}

func TestCancelOrder_ExchangeRefuses(t *testing.T) {
	env := newTestEngine(t, Options{})
	o := placeRestingLimit(t, env, 100)
	env.session.cancelOK = false

	_, err := env.engine.CancelOrder(context.Background(), "user1", o.ID)
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("expected ErrExchange, got %v", err)
	}
	stored, _ := env.store.GetOrder(context.Background(), o.ID)
	if stored.Status != model.StatusOpen {
		t.Errorf("expected order still OPEN, got %s", stored.Status)
	}
}

func TestCancelOrder_OtherUser(t *testing.T) {
	env := newTestEngine(t, Options{})
	o := placeRestingLimit(t, env, 100)

	if _, err := env.engine.CancelOrder(context.Background(), "user2", o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelOrder_Terminal(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}
	res, _ := env.engine.PlaceOrder(context.Background(), marketBuy(10))

	if _, err := env.engine.CancelOrder(context.Background(), "user1", res.Order.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCancelOrder_StuckPending(t *testing.T) {
	env := newTestEngine(t, Options{})
	ctx := context.Background()
	o := &model.Order{
		ID:            "stuck",
		UserID:        "user1",
		MarketID:      testMarket,
		TokenID:       yesToken,
		Outcome:       "Yes",
		Side:          model.SideBuy,
		Kind:          model.KindMarket,
		RequestedSize: d(10),
		Status:        model.StatusPending,
		CreatedAt:     env.now,
		UpdatedAt:     env.now,
	}
	if err := env.store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := env.engine.CancelOrder(ctx, "user1", "stuck"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation while in flight, got %v", err)
	}

	env.now = env.now.Add(5 * time.Minute)
	got, err := env.engine.CancelOrder(ctx, "user1", "stuck")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if len(env.session.cancels) != 0 {
		t.Errorf("expected no exchange call, got %v", env.session.cancels)
	}
}

// --- Queries ---

func TestListOrders_OpenOnly(t *testing.T) {
	env := newTestEngine(t, Options{})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}
	if _, err := env.engine.PlaceOrder(context.Background(), marketBuy(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	placeRestingLimit(t, env, 100)

	all, err := env.engine.ListOrders(context.Background(), "user1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 orders, got %d", len(all))
	}
	open, _ := env.engine.ListOrders(context.Background(), "user1", true)
	if len(open) != 1 || open[0].Status != model.StatusOpen {
		t.Errorf("expected 1 open order, got %+v", open)
	}
}

func TestPortfolio_MarksToBestBid(t *testing.T) {
	env := newTestEngine(t, Options{Prices: fakePrices{yesToken: d(0.6)}})
	env.session.results = []*exchange.OrderResult{filled("ex-1", 20, 10, 0.5)}
	if _, err := env.engine.PlaceOrder(context.Background(), marketBuy(10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	p, err := env.engine.Portfolio(context.Background(), "user1")
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if p.Address != "0x2222222222222222222222222222222222222222" {
		t.Errorf("expected proxy address, got %s", p.Address)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(p.Positions))
	}
	pos := p.Positions[0]
	if !pos.UnrealizedPnL.Valid || !pos.UnrealizedPnL.Decimal.Equal(d(2)) {
		t.Errorf("expected unrealized 2, got %v", pos.UnrealizedPnL)
	}
	if !p.TotalCost.Equal(d(10)) {
		t.Errorf("expected total cost 10, got %s", p.TotalCost)
	}
	if !p.Balance.Equal(d(89.9)) {
		t.Errorf("expected balance 89.9, got %s", p.Balance)
	}
}

func TestPortfolio_UnknownUser(t *testing.T) {
	env := newTestEngine(t, Options{})
	if _, err := env.engine.Portfolio(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrValidation, 400},
		{ErrUnauthorized, 401},
		{ErrForbidden, 403},
		{ErrNotFound, 404},
		{ErrRateLimited, 429},
		{ErrInsufficientBalance, 402},
		{ErrAllowance, 402},
		{ErrSetup, 503},
		{ErrExchange, 502},
		{ErrInternal, 500},
		{classify(exchange.ErrNoLiquidity), 502},
		{classify(store.ErrNotFound), 404},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
