package trade

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/atmx/custody-engine/internal/commission"
	"github.com/atmx/custody-engine/internal/exchange"
	"github.com/atmx/custody-engine/internal/market"
	"github.com/atmx/custody-engine/internal/model"
	"github.com/atmx/custody-engine/internal/ratelimit"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/wallet"
)

// Every error the engine returns matches exactly one of these.
var (
	ErrSetup               = errors.New("wallet setup failed")
	ErrAllowance           = errors.New("insufficient allowance")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExchange            = errors.New("exchange error")
	ErrValidation          = errors.New("invalid request")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInternal            = errors.New("internal error")
)

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify maps a lower-layer error onto the trade taxonomy, keeping the
// cause in the chain.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSetup), errors.Is(err, ErrAllowance), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrExchange), errors.Is(err, ErrValidation), errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, market.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case errors.Is(err, wallet.ErrDeploymentFailed), errors.Is(err, wallet.ErrDeploymentPending),
		errors.Is(err, wallet.ErrApprovalFailed), errors.Is(err, wallet.ErrProxyMismatch),
		errors.Is(err, wallet.ErrInactive), errors.Is(err, wallet.ErrKeyMismatch):
		return fmt.Errorf("%w: %w", ErrSetup, err)
	case exchange.IsAllowanceError(err):
		return fmt.Errorf("%w: %w", ErrAllowance, err)
	case exchange.IsInsufficientBalance(err):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case errors.Is(err, exchange.ErrInvalidPrice), errors.Is(err, market.ErrInvalidTokenID),
		errors.Is(err, market.ErrInvalidConditionID), errors.Is(err, model.ErrInsufficientPosition),
		errors.Is(err, model.ErrNonPositive), errors.Is(err, model.ErrOverfill),
		errors.Is(err, model.ErrInvalidTransition), errors.Is(err, wallet.ErrInvalidKey),
		errors.Is(err, wallet.ErrUnknownType), errors.Is(err, store.ErrConflict),
		errors.Is(err, commission.ErrAlreadyTransferred):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrExchange, err)
	}
}

// StatusCode is the HTTP status for an engine error.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrSetup):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrExchange):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
