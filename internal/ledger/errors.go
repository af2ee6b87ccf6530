package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy. Stores return ErrInvalidDelta / ErrNotFound; the posting engine
// translates everything else into one of the caller-facing errors below.
var (
	// ErrInvalidRequest: malformed weight/value, unknown module, missing or inactive custodian.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientBalance is matched by *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPostingFailed: the atomic unit did not commit; nothing was persisted.
	ErrPostingFailed = errors.New("posting failed")

	// ErrWorkerAttachFailed: invoice attachment failed; balances are unaffected.
	ErrWorkerAttachFailed = errors.New("worker attach failed")

	// ErrInvalidDelta: an increment would drive redeemable or held negative.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrDuplicatePosting: the idempotency key was already posted.
	ErrDuplicatePosting = errors.New("duplicate posting")

	// ErrIntegrityViolation: a persisted row breaks a ledger invariant.
	ErrIntegrityViolation = errors.New("integrity violation")

	ErrNotFound = errors.New("not found")
)

// InsufficientBalanceError carries the missing weight.
type InsufficientBalanceError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func NewInsufficientBalanceError(requested, available decimal.Decimal) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		Requested: requested,
		Available: available,
		Shortfall: requested.Sub(available),
	}
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested=%s available=%s shortfall=%s",
		e.Requested.StringFixed(3), e.Available.StringFixed(3), e.Shortfall.StringFixed(3))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// InvalidRequestf wraps ErrInvalidRequest with a formatted reason.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
