// Package payments implements escrow.Gateway against real and simulated
// payment providers.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/money"
)

// Operation names used for failure injection and metrics.
const (
	OpCapture = "capture"
	OpRelease = "release"
	OpRefund  = "refund"
)

// ErrUnavailable is returned by MemoryGateway when a failure is injected.
var ErrUnavailable = errors.New("payments: provider unavailable")

// Movement is one money movement seen by MemoryGateway.
type Movement struct {
	Op             string
	ContractID     string
	PayeeID        string
	Amount         money.Amount
	IdempotencyKey string
	Receipt        escrow.Receipt
}

// MemoryGateway is an in-memory gateway for demo/development mode and
// tests. Calls carrying an idempotency key it has already seen return the
// original receipt, as a real provider does.
type MemoryGateway struct {
	mu        sync.Mutex
	movements []Movement
	byKey     map[string]escrow.Receipt
	failures  map[string]int // op -> remaining failures; -1 = forever
	now       func() time.Time
}

// NewMemoryGateway creates a gateway that accepts every call.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		byKey:    make(map[string]escrow.Receipt),
		failures: make(map[string]int),
		now:      time.Now,
	}
}

// FailNext makes the next n calls of op fail. n < 0 fails until Heal.
func (g *MemoryGateway) FailNext(op string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = n
}

// Heal clears every injected failure.
func (g *MemoryGateway) Heal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = make(map[string]int)
}

// Movements returns a copy of every successful movement.
func (g *MemoryGateway) Movements() []Movement {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Movement, len(g.movements))
	copy(out, g.movements)
	return out
}

// Balance returns captured minus released minus refunded for a contract.
func (g *MemoryGateway) Balance(contractID string) money.Amount {
	g.mu.Lock()
	defer g.mu.Unlock()
	var bal money.Amount
	for _, m := range g.movements {
		if m.ContractID != contractID {
			continue
		}
		if m.Op == OpCapture {
			bal += m.Amount
		} else {
			bal -= m.Amount
		}
	}
	return bal
}

func (g *MemoryGateway) Capture(ctx context.Context, contractID string, amount money.Amount) (escrow.Receipt, error) {
	return g.move(ctx, OpCapture, contractID, amount, "")
}

func (g *MemoryGateway) Release(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	return g.move(ctx, OpRelease, contractID, amount, payeeID)
}

func (g *MemoryGateway) Refund(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	return g.move(ctx, OpRefund, contractID, amount, payeeID)
}

func (g *MemoryGateway) move(ctx context.Context, op, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return escrow.Receipt{}, err
	}
	if amount <= 0 {
		return escrow.Receipt{}, fmt.Errorf("payments: %s of non-positive amount %s", op, amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.failures[op]; ok && n != 0 {
		if n > 0 {
			g.failures[op] = n - 1
		}
		return escrow.Receipt{}, fmt.Errorf("%s %s: %w", op, contractID, ErrUnavailable)
	}

	key := escrow.IdempotencyKeyFrom(ctx)
	if key != "" {
		if r, ok := g.byKey[key]; ok {
			return r, nil
		}
	}

	r := escrow.Receipt{
		ID:      idgen.WithPrefix("mem_"),
		Amount:  amount,
		PayeeID: payeeID,
		At:      g.now(),
	}
	g.movements = append(g.movements, Movement{
		Op:             op,
		ContractID:     contractID,
		PayeeID:        payeeID,
		Amount:         amount,
		IdempotencyKey: key,
		Receipt:        r,
	})
	if key != "" {
		g.byKey[key] = r
	}
	return r, nil
}
