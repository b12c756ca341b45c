// Package trade executes orders for custodied wallets against the order
// book and keeps the local ledger (orders, positions, cached balances) in
// step with what the exchange confirmed.
//
// Within one PlaceOrder call wallet setup strictly precedes submission and
// the ledger is touched only after the exchange reports a fill. Every order
// that fails after its row exists ends FAILED with an error message.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/commission"
	"github.com/atmx/custody-engine/internal/exchange"
	"github.com/atmx/custody-engine/internal/market"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/store"
)

// pendingGrace is how long a PENDING order without an exchange id is
// assumed to still be in flight. Older ones are stuck and may be cancelled
// locally.
const pendingGrace = 2 * time.Minute

var errNotMatched = errors.New("order was not matched")

// Wallets is the wallet lifecycle the engine drives before each order.
type Wallets interface {
	Get(ctx context.Context, userID string) (*model.Wallet, error)
	EnsureTradeable(ctx context.Context, userID string) (*model.Wallet, error)
	Reapprove(ctx context.Context, w *model.Wallet) error
}

// Sessions hands out per-user exchange sessions.
type Sessions interface {
	Session(ctx context.Context, w *model.Wallet) (exchange.Session, error)
	Invalidate(userID string)
}

// Commissions splits fees off fills and queues their collection.
type Commissions interface {
	Calculate(tradeAmount decimal.Decimal) commission.Calculation
	Submit(ctx context.Context, userID, orderID string, calc commission.Calculation) (*model.CommissionRecord, error)
}

// Limiter caps order submissions per user.
type Limiter interface {
	Allow(userID string) error
}

// Options carries the optional collaborators and policy knobs.
type Options struct {
	MinOrderValue decimal.Decimal
	Limiter       Limiter         // nil disables rate limiting
	Prices        market.Prices   // nil skips mark-to-market and the MARKET SELL value check
	Metadata      market.Metadata // nil skips outcome resolution and market status checks
	Hub           *WSHub          // nil disables event broadcasting
}

// Engine places, cancels and settles orders.
type Engine struct {
	store       store.Store
	wallets     Wallets
	sessions    Sessions
	commissions Commissions
	opts        Options

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires an engine.
func NewEngine(st store.Store, wallets Wallets, sessions Sessions, commissions Commissions, opts Options) *Engine {
	return &Engine{
		store:       st,
		wallets:     wallets,
		sessions:    sessions,
		commissions: commissions,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
		locks:       make(map[string]*sync.Mutex),
	}
}

// OrderRequest is one trade intent. Size is collateral for a MARKET BUY and
// shares otherwise. Price is required for LIMIT orders only.
type OrderRequest struct {
	UserID   string              `json:"user_id"`
	MarketID string              `json:"market_id"`
	TokenID  string              `json:"token_id"`
	Outcome  string              `json:"outcome"`
	Side     model.Side          `json:"side"`
	Kind     model.OrderKind     `json:"kind"`
	Size     decimal.Decimal     `json:"size"`
	Price    decimal.NullDecimal `json:"price"`
}

// SellRequest closes shares of an existing position. The token is taken
// from the position.
type SellRequest struct {
	UserID   string              `json:"user_id"`
	MarketID string              `json:"market_id"`
	Outcome  string              `json:"outcome"`
	Kind     model.OrderKind     `json:"kind"`
	Size     decimal.Decimal     `json:"size"`
	Price    decimal.NullDecimal `json:"price"`
}

// ExecutionResult is the outcome of an order operation. Order is set
// whenever a row exists, including alongside an error.
type ExecutionResult struct {
	Order      *model.Order            `json:"order"`
	Position   *model.Position         `json:"position,omitempty"`
	Commission *model.CommissionRecord `json:"commission,omitempty"`
}

// lock serializes ledger work on one order.
func (e *Engine) lock(orderID string) func() {
	e.mu.Lock()
	l, ok := e.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[orderID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// PlaceOrder validates req, prepares the wallet, records the order and
// submits it. An allowance rejection is retried exactly once after the
// approvals are resubmitted; every other failure is final.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*ExecutionResult, error) {
	start := time.Now()
	if req.Kind == "" {
		req.Kind = model.KindMarket
	}
	if err := e.validate(ctx, &req); err != nil {
		return nil, err
	}
	if req.Side == model.SideSell {
		if err := e.checkPosition(ctx, req); err != nil {
			return nil, err
		}
	}
	if e.opts.Limiter != nil {
		if err := e.opts.Limiter.Allow(req.UserID); err != nil {
			metrics.RateLimitRejections.Inc()
			return nil, classify(err)
		}
	}

	w, err := e.wallets.EnsureTradeable(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no wallet for user %s", ErrNotFound, req.UserID)
		}
		slog.Warn("wallet setup failed, order not attempted", "user", req.UserID, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	now := e.now()
	order := &model.Order{
		ID:            e.newID(),
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		TokenID:       req.TokenID,
		Outcome:       req.Outcome,
		Side:          req.Side,
		Kind:          req.Kind,
		RequestedSize: req.Size,
		LimitPrice:    req.Price,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("%w: record order: %w", ErrInternal, err)
	}
	defer func() {
		metrics.OrderLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}()

	sess, err := e.sessions.Session(ctx, w)
	if err != nil {
		return e.fail(ctx, order, err)
	}

	res, err := e.submit(ctx, sess, order)
	if err != nil && exchange.IsAllowanceError(err) {
		metrics.AllowanceRetries.Inc()
		slog.Warn("allowance rejected, resubmitting approvals and retrying once", "order_id", order.ID, "user", order.UserID, "err", err)
		if rerr := e.wallets.Reapprove(ctx, w); rerr != nil {
			return e.fail(ctx, order, rerr)
		}
		res, err = e.submit(ctx, sess, order)
	}
	if err != nil {
		if errors.Is(err, exchange.ErrUnauthorized) {
			e.sessions.Invalidate(order.UserID)
		}
		return e.fail(ctx, order, err)
	}
	return e.accept(ctx, order, res)
}

// Sell places a SELL against an existing position.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*ExecutionResult, error) {
	if req.UserID == "" || req.MarketID == "" || req.Outcome == "" {
		return nil, validation("user_id, market_id and outcome are required")
	}
	pos, err := e.store.GetPosition(ctx, req.UserID, req.MarketID, req.Outcome)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validation("no %s position in market %s", req.Outcome, req.MarketID)
		}
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return e.PlaceOrder(ctx, OrderRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		TokenID:  pos.TokenID,
		Outcome:  req.Outcome,
		Side:     model.SideSell,
		Kind:     req.Kind,
		Size:     req.Size,
		Price:    req.Price,
	})
}

func (e *Engine) validate(ctx context.Context, req *OrderRequest) error {
	if req.UserID == "" {
		return validation("user_id is required")
	}
	if req.MarketID == "" {
		return validation("market_id is required")
	}
	if _, err := market.ParseTokenID(req.TokenID); err != nil {
		return classify(err)
	}
	if !req.Side.Valid() {
		return validation("side must be BUY or SELL")
	}
	if !req.Kind.Valid() {
		return validation("kind must be MARKET or LIMIT")
	}
	if !req.Size.IsPositive() {
		return validation("size must be positive")
	}

	var notional decimal.Decimal
	switch req.Kind {
	case model.KindLimit:
		if !req.Price.Valid {
			return validation("price is required for limit orders")
		}
		p := req.Price.Decimal
		if !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return validation("price must be between 0 and 1 exclusive, got %s", p)
		}
		notional = req.Size.Mul(p)
	case model.KindMarket:
		if req.Price.Valid {
			return validation("price is only accepted for limit orders")
		}
		if req.Side == model.SideBuy {
			notional = req.Size
		} else if e.opts.Prices != nil {
			bid, ok, err := e.opts.Prices.BestPrice(ctx, req.TokenID, model.SideSell)
			if err != nil {
				slog.Warn("best bid unavailable, skipping order value check", "token_id", req.TokenID, "err", err)
			} else if ok {
				notional = req.Size.Mul(bid)
			}
		}
	}
	skipValueCheck := req.Kind == model.KindMarket && req.Side == model.SideSell && notional.IsZero()
	if !skipValueCheck && notional.LessThan(e.opts.MinOrderValue) {
		return validation("order value %s is below the minimum of %s", notional.StringFixed(2), e.opts.MinOrderValue)
	}

	if e.opts.Metadata != nil {
		m, err := e.opts.Metadata.Metadata(ctx, req.MarketID)
		switch {
		case errors.Is(err, market.ErrNotFound), errors.Is(err, market.ErrInvalidConditionID):
			return classify(err)
		case err != nil:
			slog.Warn("market metadata unavailable, trusting request", "market_id", req.MarketID, "err", err)
		default:
			if !m.Tradeable() {
				return validation("market %s is not accepting orders", req.MarketID)
			}
			outcome, ok := m.Outcome(req.TokenID)
			if !ok {
				return validation("token %s is not an outcome of market %s", req.TokenID, req.MarketID)
			}
			if req.Outcome == "" {
				req.Outcome = outcome
			} else if !strings.EqualFold(req.Outcome, outcome) {
				return validation("token %s is outcome %q, not %q", req.TokenID, outcome, req.Outcome)
			}
		}
	}
	if req.Outcome == "" {
		return validation("outcome is required")
	}
	return nil
}

func (e *Engine) checkPosition(ctx context.Context, req OrderRequest) error {
	pos, err := e.store.GetPosition(ctx, req.UserID, req.MarketID, req.Outcome)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validation("no %s position in market %s", req.Outcome, req.MarketID)
		}
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	if req.Size.GreaterThan(pos.Size) {
		return fmt.Errorf("%w: %w: selling %s, holding %s", ErrValidation, model.ErrInsufficientPosition, req.Size, pos.Size)
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, sess exchange.Session, o *model.Order) (*exchange.OrderResult, error) {
	if o.Kind == model.KindLimit {
		return sess.PlaceLimitOrder(ctx, o.TokenID, o.Side, o.LimitPrice.Decimal, o.RequestedSize)
	}
	return sess.PlaceMarketOrder(ctx, o.TokenID, o.Side, o.RequestedSize)
}

// fail records the order FAILED and returns the classified cause.
func (e *Engine) fail(ctx context.Context, o *model.Order, cause error) (*ExecutionResult, error) {
	cerr := classify(cause)
	if err := o.Fail(cause.Error(), e.now()); err != nil {
		slog.Error("order could not be marked failed", "order_id", o.ID, "status", o.Status, "err", err)
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		slog.Error("failed order not persisted", "order_id", o.ID, "err", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Kind), string(model.StatusFailed)).Inc()
	slog.Warn("order failed",
		"order_id", o.ID,
		"user", o.UserID,
		"token_id", o.TokenID,
		"side", o.Side,
		"kind", o.Kind,
		"err", cause,
	)
	e.broadcast(o)
	return &ExecutionResult{Order: o}, cerr
}

// accept records the exchange's answer to a successful submission.
func (e *Engine) accept(ctx context.Context, o *model.Order, res *exchange.OrderResult) (*ExecutionResult, error) {
	o.ExchangeOrderID = res.ExchangeOrderID
	now := e.now()

	switch res.Status {
	case model.StatusCancelled:
		return e.fail(ctx, o, errNotMatched)
	case model.StatusFilled:
		filled := o.RequestedSize
		if o.Kind == model.KindLimit && res.Shares.LessThan(o.RequestedSize) {
			filled = res.Shares
		}
		o.FillPrice = res.Price
		o.Notional = res.Notional
		if err := o.RecordFill(filled, now); err != nil {
			return e.fail(ctx, o, err)
		}
	default:
		if err := o.Transition(model.StatusOpen, now); err != nil {
			return e.fail(ctx, o, err)
		}
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		// The exchange holds the order; the row stays PENDING with no id
		// only if this write fails.
		slog.Error("accepted order not persisted", "order_id", o.ID, "exchange_order_id", o.ExchangeOrderID, "err", err)
		return &ExecutionResult{Order: o}, fmt.Errorf("%w: record exchange order: %w", ErrInternal, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Kind), string(o.Status)).Inc()

	result := &ExecutionResult{Order: o}
	if res.Status == model.StatusFilled {
		result.Position, result.Commission = e.settle(ctx, o, res.Shares, res.Price, res.Notional, "")
	}
	slog.Info("order placed",
		"order_id", o.ID,
		"exchange_order_id", o.ExchangeOrderID,
		"user", o.UserID,
		"side", o.Side,
		"kind", o.Kind,
		"status", o.Status,
		"fill_price", o.FillPrice.String(),
		"notional", o.Notional.String(),
	)
	e.broadcast(o)
	return result, nil
}

// settle applies one confirmed fill to the ledger and queues its
// commission. A fill already applied changes nothing. Ledger or commission
// problems are logged; the exchange outcome stands regardless.
func (e *Engine) settle(ctx context.Context, o *model.Order, shares, price, notional decimal.Decimal, key string) (*model.Position, *model.CommissionRecord) {
	calc := e.commissions.Calculate(notional)
	delta := calc.Net
	if o.Side == model.SideBuy {
		delta = notional.Add(calc.Commission).Neg()
	}
	fill := model.Fill{
		OrderID:         o.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		UserID:          o.UserID,
		MarketID:        o.MarketID,
		Outcome:         o.Outcome,
		TokenID:         o.TokenID,
		Side:            o.Side,
		Shares:          shares,
		Price:           price,
		BalanceDelta:    delta,
		Key:             key,
	}
	pos, applied, err := e.store.ApplyFill(ctx, fill)
	if err != nil {
		slog.Error("ledger update failed", "order_id", o.ID, "exchange_order_id", o.ExchangeOrderID, "fill", fill.IdempotencyKey(), "err", err)
		return nil, nil
	}
	if !applied {
		slog.Info("duplicate fill ignored", "order_id", o.ID, "fill", fill.IdempotencyKey())
		return pos, nil
	}

	rec, err := e.commissions.Submit(ctx, o.UserID, o.ID, calc)
	if err != nil {
		slog.Error("commission not recorded", "order_id", o.ID, "amount", calc.Commission.String(), "err", err)
	}
	return pos, rec
}

// ApplyFillNotification applies a fill the exchange reported after
// placement. filledSize is the order's cumulative matched size in shares;
// a notification at or below what is already recorded changes nothing.
// Market orders the exchange accepted as live or delayed settle in full on
// their first match.
func (e *Engine) ApplyFillNotification(ctx context.Context, exchangeOrderID string, filledSize, price decimal.Decimal) (*ExecutionResult, error) {
	unlock := e.lock(exchangeOrderID)
	defer unlock()

	o, err := e.store.GetOrderByExchangeID(ctx, exchangeOrderID)
	if err != nil {
		return nil, classify(err)
	}
	if o.Kind == model.KindMarket {
		return e.fillMarketOrder(ctx, o, filledSize, price)
	}
	if !filledSize.GreaterThan(o.FilledSize) {
		return &ExecutionResult{Order: o}, nil
	}
	if o.Status != model.StatusOpen && o.Status != model.StatusPartiallyFilled {
		return &ExecutionResult{Order: o}, validation("order %s is %s", o.ID, o.Status)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &ExecutionResult{Order: o}, validation("fill price must be between 0 and 1 exclusive, got %s", price)
	}

	delta := filledSize.Sub(o.FilledSize)
	deltaNotional := delta.Mul(price)
	prev := *o
	o.Notional = o.Notional.Add(deltaNotional)
	o.FillPrice = o.Notional.Div(filledSize).Round(6)
	if err := o.RecordFill(filledSize, e.now()); err != nil {
		return &ExecutionResult{Order: &prev}, classify(err)
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		return &ExecutionResult{Order: &prev}, fmt.Errorf("%w: record fill: %w", ErrInternal, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Kind), string(o.Status)).Inc()

	result := &ExecutionResult{Order: o}
	result.Position, result.Commission = e.settle(ctx, o, delta, price, deltaNotional, filledSize.String())
	slog.Info("fill applied",
		"order_id", o.ID,
		"exchange_order_id", exchangeOrderID,
		"filled", filledSize.String(),
		"delta", delta.String(),
		"price", price.String(),
		"status", o.Status,
	)
	e.broadcast(o)
	return result, nil
}

// fillMarketOrder settles a resting fill-or-kill order. Any match fills the
// whole request, so the order moves straight to FILLED. The fill is keyed
// by exchange order id like an immediate fill, which keeps the ledger
// entry single however the match is reported.
func (e *Engine) fillMarketOrder(ctx context.Context, o *model.Order, shares, price decimal.Decimal) (*ExecutionResult, error) {
	if o.Status != model.StatusOpen || !shares.IsPositive() {
		return &ExecutionResult{Order: o}, nil
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &ExecutionResult{Order: o}, validation("fill price must be between 0 and 1 exclusive, got %s", price)
	}

	prev := *o
	o.FillPrice = price
	o.Notional = shares.Mul(price).Round(6)
	if err := o.RecordFill(o.RequestedSize, e.now()); err != nil {
		return &ExecutionResult{Order: &prev}, classify(err)
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		return &ExecutionResult{Order: &prev}, fmt.Errorf("%w: record fill: %w", ErrInternal, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Kind), string(o.Status)).Inc()

	result := &ExecutionResult{Order: o}
	result.Position, result.Commission = e.settle(ctx, o, shares, price, o.Notional, "")
	slog.Info("delayed market order filled",
		"order_id", o.ID,
		"exchange_order_id", o.ExchangeOrderID,
		"shares", shares.String(),
		"price", price.String(),
		"notional", o.Notional.String(),
	)
	e.broadcast(o)
	return result, nil
}

// SyncOpenOrders polls the exchange for every OPEN or PARTIALLY_FILLED
// order, applying new fills and remote cancellations. It returns how many
// orders changed.
func (e *Engine) SyncOpenOrders(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, o := range open {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		if o.ExchangeOrderID == "" {
			continue
		}
		ok, err := e.syncOrder(ctx, o)
		if err != nil {
			slog.Warn("order sync failed", "order_id", o.ID, "exchange_order_id", o.ExchangeOrderID, "err", err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (e *Engine) syncOrder(ctx context.Context, o model.Order) (bool, error) {
	w, err := e.wallets.Get(ctx, o.UserID)
	if err != nil {
		return false, err
	}
	sess, err := e.sessions.Session(ctx, w)
	if err != nil {
		return false, err
	}
	remote, err := sess.GetOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		return false, err
	}

	changed := false
	if remote.SizeMatched.GreaterThan(o.FilledSize) {
		if _, err := e.ApplyFillNotification(ctx, o.ExchangeOrderID, remote.SizeMatched, remote.Price); err != nil {
			return false, err
		}
		changed = true
	}
	switch strings.ToUpper(remote.Status) {
	case "CANCELED", "CANCELLED":
		if err := e.markCancelled(ctx, o.ID); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func (e *Engine) markCancelled(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return nil
	}
	if err := o.Transition(model.StatusCancelled, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Kind), string(o.Status)).Inc()
	e.broadcast(o)
	return nil
}

// CancelOrder cancels one of userID's orders. Orders the exchange holds
// are cancelled there first; a PENDING order that never reached the
// exchange is cancelled locally once it is clearly stuck.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil || o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	if o.Status.Terminal() {
		return o, validation("order is already %s", o.Status)
	}

	if o.ExchangeOrderID == "" {
		if e.now().Sub(o.CreatedAt) < pendingGrace {
			return o, validation("order is still being placed")
		}
		if err := e.markCancelled(ctx, o.ID); err != nil {
			return o, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		slog.Info("stuck order cancelled locally", "order_id", o.ID, "user", userID)
		return e.store.GetOrder(ctx, o.ID)
	}

	unlock := e.lock(o.ExchangeOrderID)
	defer unlock()

	w, err := e.wallets.Get(ctx, userID)
	if err != nil {
		return o, classify(err)
	}
	sess, err := e.sessions.Session(ctx, w)
	if err != nil {
		return o, classify(err)
	}
	ok, err := sess.CancelOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		return o, classify(err)
	}
	if !ok {
		return o, fmt.Errorf("%w: exchange refused to cancel order %s", ErrExchange, o.ID)
	}
	if err := e.markCancelled(ctx, o.ID); err != nil {
		return o, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	slog.Info("order cancelled", "order_id", o.ID, "exchange_order_id", o.ExchangeOrderID, "user", userID)
	return e.store.GetOrder(ctx, o.ID)
}

// ListOrders returns userID's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID string, openOnly bool) ([]model.Order, error) {
	orders, err := e.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if openOnly && o.Status != model.StatusOpen && o.Status != model.StatusPartiallyFilled {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Portfolio returns the cached balance and every position. Open positions
// are marked to the best bid when a price source is configured.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	w, err := e.wallets.Get(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	p := &model.Portfolio{
		UserID:        userID,
		Address:       w.TradingAddress(),
		Balance:       w.BalanceCache,
		Positions:     make([]model.Position, 0, len(positions)),
		TotalCost:     decimal.Zero,
		TotalRealized: decimal.Zero,
	}
	for _, pos := range positions {
		if e.opts.Prices != nil && pos.Size.IsPositive() {
			bid, ok, err := e.opts.Prices.BestPrice(ctx, pos.TokenID, model.SideSell)
			if err != nil {
				slog.Warn("mark price unavailable", "token_id", pos.TokenID, "err", err)
			} else if ok {
				pos.UnrealizedPnL = decimal.NewNullDecimal(bid.Sub(pos.AverageEntryPrice).Mul(pos.Size))
			}
		}
		p.TotalCost = p.TotalCost.Add(pos.CostBasis())
		p.TotalRealized = p.TotalRealized.Add(pos.RealizedPnL)
		p.Positions = append(p.Positions, pos)
	}
	return p, nil
}

func (e *Engine) broadcast(o *model.Order) {
	if e.opts.Hub == nil {
		return
	}
	e.opts.Hub.Broadcast(Event{
		Type:       "order_update",
		UserID:     o.UserID,
		OrderID:    o.ID,
		MarketID:   o.MarketID,
		Outcome:    o.Outcome,
		Side:       string(o.Side),
		Kind:       string(o.Kind),
		Status:     string(o.Status),
		FilledSize: o.FilledSize.String(),
		FillPrice:  o.FillPrice.String(),
		Error:      o.ErrorMessage,
	})
}
