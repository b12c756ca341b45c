package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedWallet(t *testing.T, s *MemoryStore, userID string, balance float64) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateWallet(context.Background(), &model.Wallet{
		UserID:        userID,
		SignerAddress: "0x0000000000000000000000000000000000000001",
		WalletType:    model.WalletProxy,
		BalanceCache:  d(balance),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func buyFill(exchangeID string, shares, price float64) model.Fill {
	return model.Fill{
		OrderID:         "order-" + exchangeID,
		ExchangeOrderID: exchangeID,
		UserID:          "user-1",
		MarketID:        "market-1",
		Outcome:         "YES",
		TokenID:         "123",
		Side:            model.SideBuy,
		Shares:          d(shares),
		Price:           d(price),
		BalanceDelta:    d(shares * price).Neg(),
	}
}

func TestCreateWallet_Conflict(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user-1", 0)

	err := s.CreateWallet(context.Background(), &model.Wallet{UserID: "user-1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetWallet_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user-1", 10)
	ctx := context.Background()

	w, _ := s.GetWallet(ctx, "user-1")
	w.Deployed = true

	again, _ := s.GetWallet(ctx, "user-1")
	if again.Deployed {
		t.Error("mutating a returned wallet changed the stored row")
	}
	if _, err := s.GetWallet(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWalletColumnWrites_DoNotTouchOtherColumns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "user-1", 100)

	if _, _, err := s.ApplyFill(ctx, buyFill("ex-1", 10, 0.4)); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if err := s.SetWalletFlags(ctx, "user-1", WalletFlags{Deployed: true, Approved: true, Active: true}); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if err := s.SetWalletCredentials(ctx, "user-1", WalletCredentials{APIKey: "k", APISecret: "s", APIPassphrase: "p"}); err != nil {
		t.Fatalf("set credentials: %v", err)
	}

	w, _ := s.GetWallet(ctx, "user-1")
	if !w.BalanceCache.Equal(d(96)) {
		t.Errorf("expected balance 96, got %s", w.BalanceCache)
	}
	if !w.Deployed || !w.Approved || w.APIKey != "k" || w.APIPassphrase != "p" {
		t.Errorf("unexpected wallet columns: %+v", w)
	}

	if err := s.SetWalletBalance(ctx, "user-1", d(50)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	w, _ = s.GetWallet(ctx, "user-1")
	if !w.BalanceCache.Equal(d(50)) || !w.Deployed || w.APISecret != "s" {
		t.Errorf("unexpected wallet after balance write: %+v", w)
	}

	if err := s.SetWalletFlags(ctx, "nobody", WalletFlags{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyFill_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user-1", 100)
	ctx := context.Background()

	pos, applied, err := s.ApplyFill(ctx, buyFill("ex-1", 10, 0.4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("expected first fill to apply")
	}
	if !pos.Size.Equal(d(10)) {
		t.Errorf("expected size 10, got %s", pos.Size)
	}

	pos, applied, err = s.ApplyFill(ctx, buyFill("ex-1", 10, 0.4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("expected duplicate fill to be ignored")
	}
	if !pos.Size.Equal(d(10)) {
		t.Errorf("expected size to stay 10, got %s", pos.Size)
	}

	w, _ := s.GetWallet(ctx, "user-1")
	if !w.BalanceCache.Equal(d(96)) {
		t.Errorf("expected balance 96, got %s", w.BalanceCache)
	}
}

func TestApplyFill_PartialFillKeys(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user-1", 100)
	ctx := context.Background()

	first := buyFill("ex-1", 4, 0.5)
	first.Key = "1"
	second := buyFill("ex-1", 6, 0.5)
	second.Key = "2"

	for _, f := range []model.Fill{first, second, first} {
		if _, _, err := s.ApplyFill(ctx, f); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	pos, err := s.GetPosition(ctx, "user-1", "market-1", "YES")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.Size.Equal(d(10)) {
		t.Errorf("expected size 10, got %s", pos.Size)
	}
}

func TestApplyFill_SellMoreThanHeldChangesNothing(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "user-1", 100)
	ctx := context.Background()

	if _, _, err := s.ApplyFill(ctx, buyFill("ex-1", 5, 0.4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sell := buyFill("ex-2", 8, 0.6)
	sell.Side = model.SideSell
	sell.BalanceDelta = d(4.8)
	_, applied, err := s.ApplyFill(ctx, sell)
	if !errors.Is(err, model.ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
	if applied {
		t.Error("expected rejected sell not to apply")
	}

	pos, _ := s.GetPosition(ctx, "user-1", "market-1", "YES")
	if !pos.Size.Equal(d(5)) {
		t.Errorf("expected size 5, got %s", pos.Size)
	}
	w, _ := s.GetWallet(ctx, "user-1")
	if !w.BalanceCache.Equal(d(98)) {
		t.Errorf("expected balance 98, got %s", w.BalanceCache)
	}

	// The key was not consumed, so a corrected fill under it still applies.
	sell.Shares = d(5)
	sell.BalanceDelta = d(3)
	pos, applied, err = s.ApplyFill(ctx, sell)
	if err != nil || !applied {
		t.Fatalf("expected corrected sell to apply, got applied=%v err=%v", applied, err)
	}
	if !pos.Size.IsZero() {
		t.Errorf("expected closed position, got size %s", pos.Size)
	}
	if !pos.RealizedPnL.Equal(d(1)) {
		t.Errorf("expected realized 1, got %s", pos.RealizedPnL)
	}
}

func TestApplyFill_MissingWallet(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.ApplyFill(context.Background(), buyFill("ex-1", 1, 0.5))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrdersByUser_NewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		o := &model.Order{ID: id, UserID: "user-1", Status: model.StatusOpen, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.CreateOrder(ctx, &model.Order{ID: "d", UserID: "user-2", Status: model.StatusFilled, CreatedAt: base}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orders, _ := s.ListOrdersByUser(ctx, "user-1")
	if len(orders) != 3 || orders[0].ID != "c" || orders[2].ID != "a" {
		t.Fatalf("expected [c b a], got %v", orders)
	}

	open, _ := s.ListOpenOrders(ctx)
	if len(open) != 3 {
		t.Errorf("expected 3 open orders, got %d", len(open))
	}

	if err := s.UpdateOrder(ctx, &model.Order{ID: "zzz"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOrderByExchangeID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateOrder(ctx, &model.Order{ID: "a", ExchangeOrderID: "0xabc"})
	s.CreateOrder(ctx, &model.Order{ID: "b"})

	o, err := s.GetOrderByExchangeID(ctx, "0xabc")
	if err != nil || o.ID != "a" {
		t.Fatalf("expected order a, got %v (%v)", o, err)
	}
	if _, err := s.GetOrderByExchangeID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected empty exchange id to miss, got %v", err)
	}
}

func TestListCommissionsByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	records := []model.CommissionRecord{
		{ID: "c1", Status: model.CommissionPending, CreatedAt: base.Add(2 * time.Second)},
		{ID: "c2", Status: model.CommissionPending, CreatedAt: base},
		{ID: "c3", Status: model.CommissionTransferred, CreatedAt: base},
		{ID: "c4", Status: model.CommissionPending, CreatedAt: base.Add(time.Second)},
	}
	for i := range records {
		if err := s.CreateCommission(ctx, &records[i]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	pending, _ := s.ListCommissionsByStatus(ctx, model.CommissionPending, 2)
	if len(pending) != 2 || pending[0].ID != "c2" || pending[1].ID != "c4" {
		t.Fatalf("expected [c2 c4], got %v", pending)
	}

	all, _ := s.ListCommissionsByStatus(ctx, model.CommissionPending, 0)
	if len(all) != 3 {
		t.Errorf("expected 3 pending, got %d", len(all))
	}
}
