package book

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by State wraps exactly one of these,
// use errors.Is to classify.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrStateConflict    = errors.New("state conflict")
	ErrCapacityConflict = errors.New("capacity conflict")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrUnderflow        = errors.New("underflow")
)

var (
	ErrZeroAmount         = fmt.Errorf("%w: zero amount", ErrInvalidInput)
	ErrInvalidTick        = fmt.Errorf("%w: tick out of range", ErrInvalidInput)
	ErrInvalidMarketKey   = fmt.Errorf("%w: invalid market key", ErrInvalidInput)
	ErrOrderNotFound      = fmt.Errorf("%w: order not found", ErrInvalidInput)
	ErrDepthOverflow      = fmt.Errorf("%w: tick depth overflows", ErrInvalidInput)
	ErrOrderIndexOverflow = fmt.Errorf("%w: order index overflows", ErrInvalidInput)
	ErrMarketMismatch     = fmt.Errorf("%w: order belongs to another market", ErrInvalidInput)
	ErrAlreadyOpened      = fmt.Errorf("%w: book already opened", ErrStateConflict)
	ErrNotOpened          = fmt.Errorf("%w: book not opened", ErrStateConflict)
	ErrSlotReuseConflict  = fmt.Errorf("%w: slot holds an unresolved order", ErrCapacityConflict)
	ErrClaimableUnderflow = fmt.Errorf("%w: total claimable", ErrUnderflow)
	ErrClaimableOverflow  = fmt.Errorf("%w: total claimable overflows", ErrUnderflow)
)

var (
	ErrInvalidParam = errors.New("the param is invalid")
	ErrTimeout      = errors.New("timeout")
	ErrShutdown     = errors.New("order book is shutting down")
	ErrNotFound     = errors.New("not found")
	ErrSequenceGap  = errors.New("sequence gap detected")
)

var ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrInvalidParam)

// CancelExceedsPendingError is returned when a cancel asks to keep more than
// the order still has resting. MaxCancelable is the largest minRemaining the
// same cancel would accept.
type CancelExceedsPendingError struct {
	MaxCancelable uint64
}

func (e *CancelExceedsPendingError) Error() string {
	return fmt.Sprintf("cancel exceeds pending: max cancelable %d", e.MaxCancelable)
}

func (e *CancelExceedsPendingError) Unwrap() error {
	return ErrQuotaExceeded
}
