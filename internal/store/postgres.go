package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const walletColumns = `user_id, signer_address, proxy_address, wallet_type, deployed, approved,
	balance_cache::TEXT, encrypted_key, encryption_salt, api_key, api_secret, api_passphrase,
	active, created_at, updated_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, signer_address, proxy_address, wallet_type, deployed, approved,
		        balance_cache, encrypted_key, encryption_salt, api_key, api_secret, api_passphrase,
		        active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14, $15)`,
		w.UserID, w.SignerAddress, w.ProxyAddress, string(w.WalletType), w.Deployed, w.Approved,
		w.BalanceCache.String(), w.EncryptedKey, w.EncryptionSalt, w.APIKey, w.APISecret, w.APIPassphrase,
		w.Active, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, notFound(err, "wallet for user "+userID)
	}
	return w, nil
}

func (s *PostgresStore) SetWalletFlags(ctx context.Context, userID string, f WalletFlags) error {
	return s.execWallet(ctx, "wallet flags",
		`UPDATE wallets SET deployed = $2, approved = $3, active = $4, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, f.Deployed, f.Approved, f.Active,
	)
}

func (s *PostgresStore) SetWalletCredentials(ctx context.Context, userID string, c WalletCredentials) error {
	return s.execWallet(ctx, "wallet credentials",
		`UPDATE wallets SET api_key = $2, api_secret = $3, api_passphrase = $4, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, c.APIKey, c.APISecret, c.APIPassphrase,
	)
}

func (s *PostgresStore) SetWalletBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return s.execWallet(ctx, "wallet balance",
		`UPDATE wallets SET balance_cache = $2::NUMERIC, updated_at = NOW() WHERE user_id = $1`,
		userID, balance.String(),
	)
}

func (s *PostgresStore) execWallet(ctx context.Context, what, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet for user %s: %w", args[0], ErrNotFound)
	}
	return nil
}

const orderColumns = `id, user_id, market_id, token_id, outcome, side, kind,
	requested_size::TEXT, limit_price::TEXT, filled_size::TEXT, fill_price::TEXT, notional::TEXT,
	status, error_message, exchange_order_id, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, token_id, outcome, side, kind,
		        requested_size, limit_price, filled_size, fill_price, notional,
		        status, error_message, exchange_order_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15, $16, $17)`,
		o.ID, o.UserID, o.MarketID, o.TokenID, o.Outcome, string(o.Side), string(o.Kind),
		o.RequestedSize.String(), nullDecimalArg(o.LimitPrice), o.FilledSize.String(), o.FillPrice.String(), o.Notional.String(),
		string(o.Status), o.ErrorMessage, o.ExchangeOrderID, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_size = $2::NUMERIC, fill_price = $3::NUMERIC, notional = $4::NUMERIC,
		     status = $5, error_message = $6, exchange_order_id = $7, updated_at = $8,
		     limit_price = $9::NUMERIC
		 WHERE id = $1`,
		o.ID, o.FilledSize.String(), o.FillPrice.String(), o.Notional.String(),
		string(o.Status), o.ErrorMessage, o.ExchangeOrderID, o.UpdatedAt, nullDecimalArg(o.LimitPrice),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order "+id)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = $1 AND exchange_order_id <> ''`, exchangeOrderID))
	if err != nil {
		return nil, notFound(err, "order with exchange id "+exchangeOrderID)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status IN ('OPEN', 'PARTIALLY_FILLED') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

const positionColumns = `user_id, market_id, outcome, token_id, size::TEXT, average_entry_price::TEXT,
	realized_pnl::TEXT, unrealized_pnl::TEXT, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
		userID, marketID, outcome))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("position %s/%s/%s", userID, marketID, outcome))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ApplyFill runs in one transaction: claim the fill key, lock and update
// the position row, then adjust the wallet balance.
func (s *PostgresStore) ApplyFill(ctx context.Context, f model.Fill) (*model.Position, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_fills (fill_key, order_id) VALUES ($1, $2) ON CONFLICT (fill_key) DO NOTHING`,
		f.IdempotencyKey(), f.OrderID)
	if err != nil {
		return nil, false, fmt.Errorf("claim fill %s: %w", f.IdempotencyKey(), err)
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		p, err := s.GetPosition(ctx, f.UserID, f.MarketID, f.Outcome)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return p, false, err
	}

	pos := &model.Position{UserID: f.UserID, MarketID: f.MarketID, Outcome: f.Outcome, TokenID: f.TokenID}
	existing, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 FOR UPDATE`,
		f.UserID, f.MarketID, f.Outcome))
	switch {
	case err == nil:
		pos = existing
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, err
	}

	if err := applyFillToPosition(pos, f); err != nil {
		return nil, false, err
	}
	pos.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, token_id, size, average_entry_price, realized_pnl, unrealized_pnl, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (user_id, market_id, outcome) DO UPDATE SET
		     size = EXCLUDED.size, average_entry_price = EXCLUDED.average_entry_price,
		     realized_pnl = EXCLUDED.realized_pnl, unrealized_pnl = EXCLUDED.unrealized_pnl,
		     updated_at = EXCLUDED.updated_at`,
		pos.UserID, pos.MarketID, pos.Outcome, pos.TokenID, pos.Size.String(), pos.AverageEntryPrice.String(),
		pos.RealizedPnL.String(), nullDecimalArg(pos.UnrealizedPnL), pos.UpdatedAt,
	); err != nil {
		return nil, false, err
	}

	tag, err = tx.Exec(ctx,
		`UPDATE wallets SET balance_cache = balance_cache + $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		f.UserID, f.BalanceDelta.String(), pos.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 0 {
		return nil, false, fmt.Errorf("wallet for user %s: %w", f.UserID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return pos, true, nil
}

const commissionColumns = `id, order_id, user_id, trade_amount::TEXT, rate::TEXT, commission_amount::TEXT,
	status, tx_hash, attempts, last_error, created_at, updated_at`

func (s *PostgresStore) CreateCommission(ctx context.Context, r *model.CommissionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commission_records (id, order_id, user_id, trade_amount, rate, commission_amount,
		        status, tx_hash, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OrderID, r.UserID, r.TradeAmount.String(), r.Rate.String(), r.CommissionAmount.String(),
		string(r.Status), r.TxHash, r.Attempts, r.LastError, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("commission %s: %w", r.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateCommission(ctx context.Context, r *model.CommissionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commission_records
		 SET status = $2, tx_hash = $3, attempts = $4, last_error = $5, updated_at = $6
		 WHERE id = $1`,
		r.ID, string(r.Status), r.TxHash, r.Attempts, r.LastError, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commission %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetCommission(ctx context.Context, id string) (*model.CommissionRecord, error) {
	r, err := scanCommission(s.pool.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commission_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "commission "+id)
	}
	return r, nil
}

func (s *PostgresStore) ListCommissionsByStatus(ctx context.Context, status model.CommissionStatus, limit int) ([]model.CommissionRecord, error) {
	query := `SELECT ` + commissionColumns + ` FROM commission_records WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.CommissionRecord
	for rows.Next() {
		r, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// --- Row mapping ---

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

// pgxRows reads multi-row results.
type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanWallet(row pgxRow) (*model.Wallet, error) {
	var w model.Wallet
	var walletType, balance string
	if err := row.Scan(&w.UserID, &w.SignerAddress, &w.ProxyAddress, &walletType, &w.Deployed, &w.Approved,
		&balance, &w.EncryptedKey, &w.EncryptionSalt, &w.APIKey, &w.APISecret, &w.APIPassphrase,
		&w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.WalletType = model.WalletType(walletType)
	w.BalanceCache, _ = decimal.NewFromString(balance)
	return &w, nil
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var side, kind, status string
	var requested, filled, fillPrice, notional string
	var limit *string
	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.TokenID, &o.Outcome, &side, &kind,
		&requested, &limit, &filled, &fillPrice, &notional,
		&status, &o.ErrorMessage, &o.ExchangeOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Kind = model.OrderKind(kind)
	o.Status = model.OrderStatus(status)
	o.RequestedSize, _ = decimal.NewFromString(requested)
	o.FilledSize, _ = decimal.NewFromString(filled)
	o.FillPrice, _ = decimal.NewFromString(fillPrice)
	o.Notional, _ = decimal.NewFromString(notional)
	o.LimitPrice = parseNullDecimal(limit)
	return &o, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var size, avg, realized string
	var unrealized *string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.TokenID, &size, &avg,
		&realized, &unrealized, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Size, _ = decimal.NewFromString(size)
	p.AverageEntryPrice, _ = decimal.NewFromString(avg)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	p.UnrealizedPnL = parseNullDecimal(unrealized)
	return &p, nil
}

func scanCommission(row pgxRow) (*model.CommissionRecord, error) {
	var r model.CommissionRecord
	var trade, rate, amount, status string
	if err := row.Scan(&r.ID, &r.OrderID, &r.UserID, &trade, &rate, &amount,
		&status, &r.TxHash, &r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.CommissionStatus(status)
	r.TradeAmount, _ = decimal.NewFromString(trade)
	r.Rate, _ = decimal.NewFromString(rate)
	r.CommissionAmount, _ = decimal.NewFromString(amount)
	return &r, nil
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
