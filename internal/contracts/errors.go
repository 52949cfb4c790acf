package contracts

import (
	"errors"
	"fmt"

	"github.com/mbd888/taskhold/internal/escrow"
)

var (
	ErrContractNotFound = errors.New("contract not found")
	ErrVersionConflict  = errors.New("contract was modified concurrently")
	ErrUnauthorized     = errors.New("not authorized for this contract operation")
)

// ValidationError rejects malformed input or a transition whose
// preconditions are not met. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s %s", e.Field, e.Msg)
}

// ConflictError reports an operation that no longer fits the contract's
// state, e.g. a transition that already happened. Never retried.
type ConflictError struct {
	ContractID string
	Status     Status
	Msg        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("contract %s is %s: %s", e.ContractID, e.Status, e.Msg)
}

func conflict(c *Contract, format string, args ...any) error {
	return &ConflictError{ContractID: c.ID, Status: c.Status, Msg: fmt.Sprintf(format, args...)}
}

// GatewayError is returned when the payment gateway failed. The contract is
// unchanged and the operation may be retried.
type GatewayError = escrow.GatewayError

// IsRetryable reports whether err leaves the contract unchanged and the
// same operation may succeed later.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) || errors.Is(err, ErrVersionConflict)
}
