// Package escrow tracks where a contract's money is.
//
// Flow:
//  1. Both parties accept terms → Hold captures TotalPrice (pending → held)
//  2. Confirmation or dispute resolution → Settle releases to the doer
//     and/or refunds the client (held → released | refunded)
//  3. Cancellation → RefundAll (held → refunded)
//
// The Account lives inside the contract record so payment status and contract
// status are written in the same store update. Every successful gateway call
// is recorded as an Entry keyed by an idempotency key, which makes a retried
// settlement reuse the earlier receipt instead of moving money twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/taskhold/internal/money"
)

var (
	ErrEntryNotFound  = errors.New("escrow entry not found")
	ErrDuplicateEntry = errors.New("escrow entry already recorded")
)

// PaymentStatus is the escrow state of one contract. Values are stored as-is.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"  // nothing captured
	PaymentHeld     PaymentStatus = "held"     // captured, in custody
	PaymentReleased PaymentStatus = "released" // doer paid (possibly with a partial client refund)
	PaymentRefunded PaymentStatus = "refunded" // client refunded in full
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentHeld, PaymentReleased, PaymentRefunded:
		return true
	}
	return false
}

// IsSettled returns true once custody has ended.
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

// Account is the per-contract escrow position.
type Account struct {
	Status      PaymentStatus `json:"paymentStatus"`
	Captured    money.Amount  `json:"captured"`
	Released    money.Amount  `json:"released"`
	Refunded    money.Amount  `json:"refunded"`
	PaymentDate *time.Time    `json:"paymentDate,omitempty"`
}

// NewAccount returns an account with nothing captured.
func NewAccount() Account {
	return Account{Status: PaymentPending}
}

// Outstanding is the captured amount not yet released or refunded.
func (a *Account) Outstanding() money.Amount {
	return a.Captured - a.Released - a.Refunded
}

// Split is a settlement instruction. Its parts must sum to the captured amount.
type Split struct {
	ToDoer   money.Amount `json:"toDoer"`
	ToClient money.Amount `json:"toClient"`
}

// Total returns the sum of both parts.
func (s Split) Total() money.Amount {
	return s.ToDoer + s.ToClient
}

// FullRelease pays everything to the doer.
func FullRelease(total money.Amount) Split { return Split{ToDoer: total} }

// FullRefund returns everything to the client.
func FullRefund(total money.Amount) Split { return Split{ToClient: total} }

// Receipt is what the payment gateway returns for a money movement.
type Receipt struct {
	ID      string       `json:"id"`
	Amount  money.Amount `json:"amount"`
	PayeeID string       `json:"payeeId,omitempty"`
	At      time.Time    `json:"at"`
}

// Gateway moves real money. Implementations live in the payments package.
type Gateway interface {
	Capture(ctx context.Context, contractID string, amount money.Amount) (Receipt, error)
	Release(ctx context.Context, contractID string, amount money.Amount, payeeID string) (Receipt, error)
	Refund(ctx context.Context, contractID string, amount money.Amount, payeeID string) (Receipt, error)
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryCapture EntryKind = "capture"
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
	EntryVoid    EntryKind = "void" // refund compensating a capture whose contract write failed
)

// Entry is an append-only record of one successful gateway call.
type Entry struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contractId"`
	Kind           EntryKind    `json:"kind"`
	PayeeID        string       `json:"payeeId,omitempty"`
	Amount         money.Amount `json:"amount"`
	ReceiptID      string       `json:"receiptId"`
	IdempotencyKey string       `json:"idempotencyKey"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// EntryStore persists ledger entries. Append returns ErrDuplicateEntry when
// the idempotency key already exists.
type EntryStore interface {
	Append(ctx context.Context, e *Entry) error
	GetByKey(ctx context.Context, key string) (*Entry, error)
	ListByContract(ctx context.Context, contractID string) ([]*Entry, error)
}

// IdempotencyKey builds the key for one money movement on a contract.
func IdempotencyKey(contractID string, kind EntryKind, qualifier string) string {
	return fmt.Sprintf("%s:%s:%s", contractID, kind, qualifier)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the ledger's key so gateways can forward it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFrom returns the key attached by the ledger, if any.
func IdempotencyKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok {
		return v
	}
	return ""
}

// GatewayError wraps a failed gateway call. The contract is left unchanged
// and the operation may be retried.
type GatewayError struct {
	Op         string
	ContractID string
	Err        error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s failed for contract %s: %v", e.Op, e.ContractID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable is always true: gateway failures never advance state.
func (e *GatewayError) Retryable() bool { return true }

// SplitMismatchError rejects a settlement that contradicts payouts already
// recorded for the contract. Only a settlement that repeats the recorded
// legs can finish it.
type SplitMismatchError struct {
	ContractID string
	Recorded   Split
	Requested  Split
}

func (e *SplitMismatchError) Error() string {
	return fmt.Sprintf("settlement of %s to the doer and %s to the client conflicts with recorded payouts of %s and %s on contract %s",
		e.Requested.ToDoer, e.Requested.ToClient, e.Recorded.ToDoer, e.Recorded.ToClient, e.ContractID)
}

// Contradicts reports whether requested disagrees with a leg that was
// already paid out.
func (s Split) Contradicts(requested Split) bool {
	return (s.ToDoer > 0 && s.ToDoer != requested.ToDoer) ||
		(s.ToClient > 0 && s.ToClient != requested.ToClient)
}

// InvariantViolation signals a broken guard, such as settling an account
// twice. It is raised with panic, never returned.
type InvariantViolation struct {
	ContractID string
	Msg        string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("escrow invariant violated on contract %s: %s", v.ContractID, v.Msg)
}

func violate(contractID, format string, args ...any) {
	panic(&InvariantViolation{ContractID: contractID, Msg: fmt.Sprintf(format, args...)})
}
