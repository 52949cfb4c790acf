package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/taskhold/internal/circuitbreaker"
	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
)

// BreakerKey names the gateway circuit in metrics and snapshots.
const BreakerKey = "payment_gateway"

// BreakerGateway bounds every call with a timeout and stops calling the
// provider while its circuit is open. Open-circuit calls fail fast with
// circuitbreaker.ErrOpen, which the ledger reports as a retryable gateway
// error.
type BreakerGateway struct {
	next    escrow.Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

// NewBreakerGateway wraps next.
func NewBreakerGateway(next escrow.Gateway, breaker *circuitbreaker.Breaker, timeout time.Duration) *BreakerGateway {
	return &BreakerGateway{next: next, breaker: breaker, timeout: timeout}
}

func (g *BreakerGateway) Capture(ctx context.Context, contractID string, amount money.Amount) (escrow.Receipt, error) {
	return g.call(ctx, OpCapture, func(ctx context.Context) (escrow.Receipt, error) {
		return g.next.Capture(ctx, contractID, amount)
	})
}

func (g *BreakerGateway) Release(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	return g.call(ctx, OpRelease, func(ctx context.Context) (escrow.Receipt, error) {
		return g.next.Release(ctx, contractID, amount, payeeID)
	})
}

func (g *BreakerGateway) Refund(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	return g.call(ctx, OpRefund, func(ctx context.Context) (escrow.Receipt, error) {
		return g.next.Refund(ctx, contractID, amount, payeeID)
	})
}

// Circuit reports the state of the gateway circuit.
func (g *BreakerGateway) Circuit() circuitbreaker.Snapshot {
	return g.breaker.Snapshot(BreakerKey)
}

func (g *BreakerGateway) call(ctx context.Context, op string, fn func(context.Context) (escrow.Receipt, error)) (escrow.Receipt, error) {
	var r escrow.Receipt
	err := g.breaker.Do(BreakerKey, countsAgainstCircuit, func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		r, err = fn(cctx)
		return err
	})
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// A missing authorization is the caller's problem, not the provider's.
func countsAgainstCircuit(err error) bool {
	return !errors.Is(err, ErrNoAuthorization) && !errors.Is(err, context.Canceled)
}
