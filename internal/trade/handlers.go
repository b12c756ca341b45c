package trade

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

// WalletAdmin is the wallet surface exposed over HTTP.
type WalletAdmin interface {
	Register(ctx context.Context, userID string, walletType model.WalletType) (*model.Wallet, error)
	Import(ctx context.Context, userID string, walletType model.WalletType, hexKey string) (*model.Wallet, error)
	Get(ctx context.Context, userID string) (*model.Wallet, error)
	RefreshBalance(ctx context.Context, w *model.Wallet) (decimal.Decimal, error)
	Deactivate(ctx context.Context, userID string) (*model.Wallet, error)
}

// CommissionAdmin is the commission surface exposed to operators.
type CommissionAdmin interface {
	Pending(ctx context.Context, limit int) ([]model.CommissionRecord, error)
	Retry(ctx context.Context, id string) (*model.CommissionRecord, error)
}

// Role is the access level a handler requires.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

// Handler serves the HTTP API over an Engine.
type Handler struct {
	engine      *Engine
	wallets     WalletAdmin
	commissions CommissionAdmin

	// APIToken gates user routes; empty leaves them open. AdminToken gates
	// admin routes and also satisfies user routes; empty disables them.
	APIToken   string
	AdminToken string
}

// NewHandler creates the HTTP handlers.
func NewHandler(engine *Engine, wallets WalletAdmin, commissions CommissionAdmin, apiToken, adminToken string) *Handler {
	return &Handler{
		engine:      engine,
		wallets:     wallets,
		commissions: commissions,
		APIToken:    apiToken,
		AdminToken:  adminToken,
	}
}

// Routes mounts the API under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/wallets", h.RegisterWallet)
		r.Get("/wallets/{userID}", h.GetWallet)
		r.Post("/wallets/{userID}/deactivate", h.DeactivateWallet)

		r.Post("/orders", h.PlaceOrder)
		r.Post("/orders/sell", h.Sell)
		r.Delete("/orders/{orderID}", h.CancelOrder)
		r.Get("/orders", h.ListOrders)

		r.Get("/portfolio/{userID}", h.GetPortfolio)

		r.Get("/commissions/pending", h.PendingCommissions)
		r.Post("/commissions/{id}/retry", h.RetryCommission)

		r.Get("/ws", h.Events)
	})
}

// authorize checks the request's bearer token against role. Every handler
// calls it first.
func (h *Handler) authorize(r *http.Request, role Role) error {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.Header.Get("X-API-Key")
	}
	admin := h.AdminToken != "" && equalToken(token, h.AdminToken)

	switch role {
	case RoleAdmin:
		if admin {
			return nil
		}
	default:
		if h.APIToken == "" || admin || equalToken(token, h.APIToken) {
			return nil
		}
	}
	if token == "" {
		return ErrUnauthorized
	}
	return ErrForbidden
}

func equalToken(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// --- Request/Response types ---

// RegisterWalletRequest is the JSON body for POST /wallets. PrivateKey
// imports an existing key instead of generating one.
type RegisterWalletRequest struct {
	UserID     string           `json:"user_id"`
	WalletType model.WalletType `json:"wallet_type"` // PROXY (default) or EOA
	PrivateKey string           `json:"private_key,omitempty"`
}

// WalletResponse is a wallet with its trading address and fresh balance.
type WalletResponse struct {
	*model.Wallet
	TradingAddress string          `json:"trading_address"`
	Balance        decimal.Decimal `json:"balance"`
}

// CancelResponse is the JSON body returned from DELETE /orders/{orderID}.
type CancelResponse struct {
	Order *model.Order `json:"order"`
}

// --- Handlers ---

// Events handles GET /api/v1/ws. A stream filtered by ?user_id= needs a
// user token; the unfiltered stream carries every user's events and needs
// the admin token.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := RoleUser
	if userID == "" {
		role = RoleAdmin
	}
	if err := h.authorize(r, role); err != nil {
		writeErr(w, err)
		return
	}
	if h.engine.opts.Hub == nil {
		writeError(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	h.engine.opts.Hub.Serve(w, r, userID)
}

// RegisterWallet handles POST /api/v1/wallets.
func (h *Handler) RegisterWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	var req RegisterWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var (
		wallet *model.Wallet
		err    error
	)
	if req.PrivateKey != "" {
		wallet, err = h.wallets.Import(r.Context(), req.UserID, req.WalletType, req.PrivateKey)
	} else {
		wallet, err = h.wallets.Register(r.Context(), req.UserID, req.WalletType)
	}
	if err != nil {
		writeErr(w, classifyAPI(err))
		return
	}
	writeJSON(w, http.StatusCreated, WalletResponse{Wallet: wallet, TradingAddress: wallet.TradingAddress(), Balance: wallet.BalanceCache})
}

// GetWallet handles GET /api/v1/wallets/{userID}. The balance is read from
// chain when possible and falls back to the cache.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	wallet, err := h.wallets.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, classify(err))
		return
	}
	bal, err := h.wallets.RefreshBalance(r.Context(), wallet)
	if err != nil {
		slog.Warn("balance refresh failed, serving cache", "user", wallet.UserID, "err", err)
	}
	writeJSON(w, http.StatusOK, WalletResponse{Wallet: wallet, TradingAddress: wallet.TradingAddress(), Balance: bal})
}

// DeactivateWallet handles POST /api/v1/wallets/{userID}/deactivate.
func (h *Handler) DeactivateWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleAdmin); err != nil {
		writeErr(w, err)
		return
	}
	wallet, err := h.wallets.Deactivate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, classifyAPI(err))
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// PlaceOrder handles POST /api/v1/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	req.Kind = model.OrderKind(strings.ToUpper(string(req.Kind)))
	res, err := h.engine.PlaceOrder(r.Context(), req)
	writeResult(w, res, err)
}

// Sell handles POST /api/v1/orders/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Kind = model.OrderKind(strings.ToUpper(string(req.Kind)))
	res, err := h.engine.Sell(r.Context(), req)
	writeResult(w, res, err)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	o, err := h.engine.CancelOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Order: o})
}

// ListOrders handles GET /api/v1/orders?user_id=&open=true.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	orders, err := h.engine.ListOrders(r.Context(), userID, openOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleUser); err != nil {
		writeErr(w, err)
		return
	}
	p, err := h.engine.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PendingCommissions handles GET /api/v1/commissions/pending?limit=.
func (h *Handler) PendingCommissions(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleAdmin); err != nil {
		writeErr(w, err)
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.commissions.Pending(r.Context(), limit)
	if err != nil {
		writeErr(w, classifyAPI(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commissions": records, "count": len(records)})
}

// RetryCommission handles POST /api/v1/commissions/{id}/retry.
func (h *Handler) RetryCommission(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, RoleAdmin); err != nil {
		writeErr(w, err)
		return
	}
	rec, err := h.commissions.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil && rec == nil {
		writeErr(w, classifyAPI(err))
		return
	}
	if err != nil {
		// The attempt ran; its outcome is in the record.
		slog.Warn("commission retry did not transfer", "id", rec.ID, "err", err)
		if errors.Is(classifyAPI(err), ErrValidation) {
			writeErr(w, classifyAPI(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

// classifyAPI is classify for errors outside order execution, where an
// unknown failure is internal rather than an exchange problem.
func classifyAPI(err error) error {
	cerr := classify(err)
	if errors.Is(cerr, ErrExchange) && !errors.Is(err, ErrExchange) {
		return errors.Join(ErrInternal, err)
	}
	return cerr
}

// --- Helpers ---

func writeResult(w http.ResponseWriter, res *ExecutionResult, err error) {
	if err != nil {
		status := StatusCode(err)
		body := map[string]any{"error": err.Error()}
		if res != nil && res.Order != nil {
			body["order"] = res.Order
		}
		writeJSON(w, status, body)
		return
	}
	status := http.StatusOK
	if res.Order != nil && res.Order.Status == model.StatusOpen {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), StatusCode(err))
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
