package exchange

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAllowance           = errors.New("exchange: insufficient allowance")
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")
	ErrNoOrderbook         = errors.New("exchange: this market has no active orders, try a different market or use a limit order")
	ErrNoLiquidity         = errors.New("exchange: not enough liquidity to fill the order")
	ErrInvalidPrice        = errors.New("exchange: invalid price")
	ErrRejected            = errors.New("exchange: order rejected")
	ErrUnavailable         = errors.New("exchange: service unavailable")
	ErrUnauthorized        = errors.New("exchange: api credentials rejected")
	ErrNoCredentials       = errors.New("exchange: session has no api credentials")
)

// classify turns a rejection message into a typed error. Allowance is
// checked first: its messages often also mention balance.
func classify(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "allowance"):
		return fmt.Errorf("%w: %s", ErrAllowance, msg)
	case strings.Contains(lower, "not enough balance"), strings.Contains(lower, "insufficient"):
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, msg)
	case strings.Contains(lower, "no orderbook exists"):
		return ErrNoOrderbook
	default:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
}

// IsAllowanceError reports whether err is an allowance shortfall, the one
// rejection that is safe to retry after re-approving.
func IsAllowanceError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAllowance) || strings.Contains(strings.ToLower(err.Error()), "allowance")
}

// IsInsufficientBalance reports whether err is a balance shortfall.
func IsInsufficientBalance(err error) bool {
	if err == nil || IsAllowanceError(err) {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "not enough balance") || strings.Contains(lower, "insufficient")
}
