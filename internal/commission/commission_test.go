package commission

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/chain"
	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var operator = common.HexToAddress("0x00000000000000000000000000000000000000f1")

type fakeChain struct {
	mu sync.Mutex

	balance   decimal.Decimal
	native    decimal.Decimal
	tokenErrs []error
	waitErr   error
	receipts  map[common.Hash]chain.Receipt

	transfers []decimal.Decimal
	sponsored int
	nonce     int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{balance: d(100), native: d(1), receipts: make(map[common.Hash]chain.Receipt)}
}

func (f *fakeChain) nextHash() common.Hash {
	f.nonce++
	return common.BigToHash(decimal.NewFromInt(f.nonce).BigInt())
}

func (f *fakeChain) BalanceOf(context.Context, common.Address, common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeChain) NativeBalance(context.Context, common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.native, nil
}

func (f *fakeChain) TransferToken(_ context.Context, _ *ecdsa.PrivateKey, _, to common.Address, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to != operator {
		return common.Hash{}, fmt.Errorf("unexpected recipient %s", to.Hex())
	}
	if len(f.tokenErrs) > 0 {
		err := f.tokenErrs[0]
		f.tokenErrs = f.tokenErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	f.transfers = append(f.transfers, amount)
	f.balance = f.balance.Sub(amount)
	return f.nextHash(), nil
}

func (f *fakeChain) TransferNative(_ context.Context, _ *ecdsa.PrivateKey, _ common.Address, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sponsored++
	f.native = f.native.Add(amount)
	return f.nextHash(), nil
}

func (f *fakeChain) Receipt(_ context.Context, hash common.Hash) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, hash common.Hash) (chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return chain.Receipt{}, f.waitErr
	}
	return chain.Receipt{Confirmed: true, Success: true}, nil
}

func (f *fakeChain) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type staticKeys struct{ key *ecdsa.PrivateKey }

func (s staticKeys) SigningKey(*model.Wallet) (*ecdsa.PrivateKey, error) { return s.key, nil }

func testConfig() config.Commission {
	return config.Commission{
		Rate:             d(0.01),
		Minimum:          d(0.01),
		OperatorWallet:   operator,
		GasSponsorAmount: d(0.01),
		MinGasBalance:    d(0.005),
		Workers:          2,
	}
}

func setup(t *testing.T, cfg config.Commission) (*Engine, *fakeChain, *store.MemoryStore) {
	t.Helper()
	key, _ := crypto.GenerateKey()
	sponsor, _ := crypto.GenerateKey()
	st := store.NewMemoryStore()
	st.CreateWallet(context.Background(), &model.Wallet{
		UserID:        "user-1",
		SignerAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		WalletType:    model.WalletProxy,
		Active:        true,
	})
	ch := newFakeChain()
	e := New(cfg, config.DefaultContracts().Collateral, st, ch, staticKeys{key}, sponsor)
	return e, ch, st
}

// record stores a PENDING record without queueing it.
func record(t *testing.T, st store.Store, id string, amount decimal.Decimal) {
	t.Helper()
	err := st.CreateCommission(context.Background(), &model.CommissionRecord{
		ID:               id,
		OrderID:          "order-" + id,
		UserID:           "user-1",
		TradeAmount:      amount.Mul(decimal.NewFromInt(100)),
		Rate:             d(0.01),
		CommissionAmount: amount,
		Status:           model.CommissionPending,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatalf("create commission: %v", err)
	}
}

func TestCalculate(t *testing.T) {
	e, _, _ := setup(t, testConfig())

	small := e.Calculate(d(0.50))
	if !small.Commission.IsZero() {
		t.Errorf("expected commission below floor to be skipped, got %s", small.Commission)
	}
	if !small.Net.Equal(d(0.50)) {
		t.Errorf("expected net 0.50, got %s", small.Net)
	}

	big := e.Calculate(d(100))
	if !big.Commission.Equal(d(1)) {
		t.Errorf("expected commission 1.00, got %s", big.Commission)
	}
	if !big.Net.Equal(d(99)) {
		t.Errorf("expected net 99.00, got %s", big.Net)
	}
	if !big.Rate.Equal(d(0.01)) {
		t.Errorf("expected rate 0.01, got %s", big.Rate)
	}
}

func TestSubmit_BelowFloorRecordsNothing(t *testing.T) {
	e, _, st := setup(t, testConfig())

	r, err := e.Submit(context.Background(), "user-1", "order-1", e.Calculate(d(0.50)))
	if err != nil || r != nil {
		t.Fatalf("expected no record, got %+v (%v)", r, err)
	}
	pending, _ := st.ListCommissionsByStatus(context.Background(), model.CommissionPending, 0)
	if len(pending) != 0 {
		t.Errorf("expected no pending records, got %d", len(pending))
	}
}

func waitForStatus(t *testing.T, st store.Store, id string, want model.CommissionStatus) *model.CommissionRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := st.GetCommission(context.Background(), id)
		if err == nil && r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := st.GetCommission(context.Background(), id)
	t.Fatalf("expected status %s, got %+v", want, r)
	return nil
}

func TestSubmit_WorkerTransfers(t *testing.T) {
	e, ch, st := setup(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Wait()
	}()

	r, err := e.Submit(ctx, "user-1", "order-1", e.Calculate(d(100)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != model.CommissionPending {
		t.Errorf("expected PENDING on submit, got %s", r.Status)
	}

	done := waitForStatus(t, st, r.ID, model.CommissionTransferred)
	if done.TxHash == "" || done.Attempts != 1 {
		t.Errorf("expected tx hash after one attempt, got %+v", done)
	}
	if ch.transferCount() != 1 {
		t.Errorf("expected 1 transfer, got %d", ch.transferCount())
	}
	if ch.sponsored != 0 {
		t.Errorf("expected no sponsorship with enough gas, got %d", ch.sponsored)
	}
}

func TestProcess_SponsorsLowGasSender(t *testing.T) {
	e, ch, st := setup(t, testConfig())
	ch.native = d(0.001)
	record(t, st, "c1", d(1))

	if err := e.Process(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.sponsored != 1 {
		t.Errorf("expected 1 sponsorship, got %d", ch.sponsored)
	}
	if !ch.native.Equal(d(0.011)) {
		t.Errorf("expected native balance topped up to 0.011, got %s", ch.native)
	}
	waitForStatus(t, st, "c1", model.CommissionTransferred)
}

func TestTransfer_GasFailureRetriedOnce(t *testing.T) {
	e, ch, _ := setup(t, testConfig())
	gasErr := errors.New("insufficient funds for gas * price + value")
	ch.tokenErrs = []error{gasErr, gasErr}
	key, _ := crypto.GenerateKey()

	_, err := e.Transfer(context.Background(), key, d(1))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if ch.sponsored != 1 {
		t.Errorf("expected one sponsorship, got %d", ch.sponsored)
	}
	if len(ch.tokenErrs) != 0 {
		t.Errorf("expected exactly two send attempts, %d errors unused", len(ch.tokenErrs))
	}

	ch.tokenErrs = []error{gasErr}
	hash, err := e.Transfer(context.Background(), key, d(1))
	if err != nil || hash == "" {
		t.Fatalf("expected retry after sponsorship to succeed, got %q (%v)", hash, err)
	}
}

func TestTransfer_NoSponsorConfigured(t *testing.T) {
	e, ch, _ := setup(t, testConfig())
	e.sponsor = nil
	ch.tokenErrs = []error{errors.New("insufficient funds for gas")}
	key, _ := crypto.GenerateKey()

	_, err := e.Transfer(context.Background(), key, d(1))
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected ErrTransfer, got %v", err)
	}
	if ch.transferCount() != 0 {
		t.Errorf("expected no transfer, got %d", ch.transferCount())
	}
}

func TestProcess_NoOperatorFails(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorWallet = common.Address{}
	e, _, st := setup(t, cfg)
	record(t, st, "c1", d(1))

	if err := e.Process(context.Background(), "c1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	r, _ := st.GetCommission(context.Background(), "c1")
	if r.Status != model.CommissionFailed || r.LastError == "" {
		t.Errorf("expected FAILED with error, got %+v", r)
	}
}

func TestProcess_ShortBalanceStaysPending(t *testing.T) {
	e, ch, st := setup(t, testConfig())
	ch.balance = d(0.5)
	record(t, st, "c1", d(1))

	err := e.Process(context.Background(), "c1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	r, _ := st.GetCommission(context.Background(), "c1")
	if r.Status != model.CommissionPending || r.Attempts != 1 || r.LastError == "" {
		t.Errorf("expected PENDING after 1 attempt with error, got %+v", r)
	}

	ch.balance = d(10)
	n, err := e.RetryPending(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 transferred, got %d (%v)", n, err)
	}
	r, _ = st.GetCommission(context.Background(), "c1")
	if r.Status != model.CommissionTransferred || r.Attempts != 2 || r.LastError != "" {
		t.Errorf("expected TRANSFERRED after 2 attempts, got %+v", r)
	}
}

func TestProcess_UnconfirmedTransferIsNotResent(t *testing.T) {
	e, ch, st := setup(t, testConfig())
	ch.waitErr = chain.ErrReceiptTimeout
	record(t, st, "c1", d(1))

	if err := e.Process(context.Background(), "c1"); !errors.Is(err, ErrAwaitingReceipt) {
		t.Fatalf("expected ErrAwaitingReceipt, got %v", err)
	}
	r, _ := st.GetCommission(context.Background(), "c1")
	if r.Status != model.CommissionPending || r.TxHash == "" {
		t.Fatalf("expected PENDING with tx hash, got %+v", r)
	}

	// Still unmined: nothing is resent.
	if err := e.Process(context.Background(), "c1"); !errors.Is(err, ErrAwaitingReceipt) {
		t.Fatalf("expected ErrAwaitingReceipt, got %v", err)
	}
	if ch.transferCount() != 1 {
		t.Fatalf("expected 1 transfer, got %d", ch.transferCount())
	}

	ch.receipts[common.HexToHash(r.TxHash)] = chain.Receipt{Confirmed: true, Success: true}
	if err := e.Process(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ = st.GetCommission(context.Background(), "c1")
	if r.Status != model.CommissionTransferred {
		t.Errorf("expected TRANSFERRED, got %s", r.Status)
	}
	if ch.transferCount() != 1 {
		t.Errorf("expected no resend, got %d transfers", ch.transferCount())
	}
}

func TestRetry(t *testing.T) {
	e, _, st := setup(t, testConfig())
	record(t, st, "c1", d(1))
	r, _ := st.GetCommission(context.Background(), "c1")
	r.Status = model.CommissionFailed
	st.UpdateCommission(context.Background(), r)

	got, err := e.Retry(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.CommissionTransferred {
		t.Errorf("expected TRANSFERRED, got %s", got.Status)
	}

	if _, err := e.Retry(context.Background(), "c1"); !errors.Is(err, ErrAlreadyTransferred) {
		t.Errorf("expected ErrAlreadyTransferred, got %v", err)
	}
	if _, err := e.Retry(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSchedule_SweepsPending(t *testing.T) {
	e, _, st := setup(t, testConfig())
	record(t, st, "c1", d(1))
	record(t, st, "c2", d(2))

	s, err := gocron.NewScheduler()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Shutdown()
	if _, err := e.Schedule(context.Background(), s, 20*time.Millisecond); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start()

	waitForStatus(t, st, "c1", model.CommissionTransferred)
	waitForStatus(t, st, "c2", model.CommissionTransferred)
}
