package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/retry"
	"github.com/mbd888/taskhold/internal/traces"
)

// entryRetry bounds how long a recorded money movement may wait for its
// ledger row.
var entryRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Ledger applies payment status transitions to an Account and drives the
// gateway. It never persists the Account itself: callers write it together
// with the contract status, and discard it if that write does not happen.
type Ledger struct {
	gateway Gateway
	entries EntryStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger creates a ledger over a gateway and an entry store.
func NewLedger(gateway Gateway, entries EntryStore) *Ledger {
	return &Ledger{
		gateway: gateway,
		entries: entries,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides time.Now, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Hold captures amount into escrow: pending → held.
func (l *Ledger) Hold(ctx context.Context, acct *Account, contractID string, amount money.Amount) (err error) {
	if acct.Status != PaymentPending {
		violate(contractID, "hold requested while payment is %s", acct.Status)
	}
	if amount <= 0 {
		violate(contractID, "hold of non-positive amount %s", amount)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Hold", traces.ContractID(contractID), traces.Amount(int64(amount)))
	defer func() { traces.End(span, err) }()

	attempt, err := l.voidCount(ctx, contractID)
	if err != nil {
		return err
	}
	key := IdempotencyKey(contractID, EntryCapture, strconv.Itoa(attempt))
	entry, err := l.record(ctx, contractID, EntryCapture, "", amount, key,
		func(ctx context.Context) (Receipt, error) {
			return l.gateway.Capture(ctx, contractID, amount)
		})
	if err != nil {
		return err
	}

	now := l.now()
	acct.Status = PaymentHeld
	acct.Captured = entry.Amount
	acct.PaymentDate = &now
	return nil
}

// Void returns a capture whose contract write failed. The persisted account
// never left pending, so only the gateway and the entry log are touched.
func (l *Ledger) Void(ctx context.Context, contractID, clientID string, amount money.Amount) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Void", traces.ContractID(contractID), traces.Amount(int64(amount)))
	defer func() { traces.End(span, err) }()

	attempt, err := l.voidCount(ctx, contractID)
	if err != nil {
		return err
	}
	key := IdempotencyKey(contractID, EntryVoid, strconv.Itoa(attempt))
	_, err = l.record(ctx, contractID, EntryVoid, clientID, amount, key,
		func(ctx context.Context) (Receipt, error) {
			return l.gateway.Refund(ctx, contractID, amount, clientID)
		})
	return err
}

// Settle ends custody: the doer's part is released, the client's part is
// refunded. The split must cover the captured amount exactly.
func (l *Ledger) Settle(ctx context.Context, acct *Account, contractID string, split Split, doerID, clientID string) (entries []*Entry, err error) {
	if acct.Status != PaymentHeld {
		violate(contractID, "settlement requested while payment is %s", acct.Status)
	}
	if split.ToDoer < 0 || split.ToClient < 0 {
		violate(contractID, "negative split %s/%s", split.ToDoer, split.ToClient)
	}
	if split.Total() != acct.Captured {
		violate(contractID, "split total %s does not match captured %s", split.Total(), acct.Captured)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.ContractID(contractID), traces.Amount(int64(acct.Captured)))
	defer func() { traces.End(span, err) }()

	// A settlement interrupted between its legs leaves the account held
	// with one leg paid. Retries must repeat that leg, not contradict it.
	recorded, err := l.Recorded(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if recorded.Contradicts(split) {
		metrics.EscrowOperationsTotal.WithLabelValues("settle", "split_mismatch").Inc()
		l.logger.Warn("settlement rejected, contradicts recorded payouts",
			"contract_id", contractID,
			"recorded_doer", recorded.ToDoer.String(), "recorded_client", recorded.ToClient.String(),
			"requested_doer", split.ToDoer.String(), "requested_client", split.ToClient.String())
		return nil, &SplitMismatchError{ContractID: contractID, Recorded: recorded, Requested: split}
	}

	if split.ToDoer > 0 {
		e, err := l.record(ctx, contractID, EntryRelease, doerID, split.ToDoer,
			IdempotencyKey(contractID, EntryRelease, doerID),
			func(ctx context.Context) (Receipt, error) {
				return l.gateway.Release(ctx, contractID, split.ToDoer, doerID)
			})
		if err != nil {
			return nil, err
		}
		acct.Released = e.Amount
		entries = append(entries, e)
	}
	if split.ToClient > 0 {
		e, err := l.record(ctx, contractID, EntryRefund, clientID, split.ToClient,
			IdempotencyKey(contractID, EntryRefund, clientID),
			func(ctx context.Context) (Receipt, error) {
				return l.gateway.Refund(ctx, contractID, split.ToClient, clientID)
			})
		if err != nil {
			return nil, err
		}
		acct.Refunded = e.Amount
		entries = append(entries, e)
	}

	if acct.Outstanding() != 0 {
		violate(contractID, "%s still outstanding after settlement", acct.Outstanding())
	}
	if acct.Released > 0 {
		acct.Status = PaymentReleased
	} else {
		acct.Status = PaymentRefunded
	}
	return entries, nil
}

// Release pays the whole captured amount to the doer.
func (l *Ledger) Release(ctx context.Context, acct *Account, contractID, doerID, clientID string) ([]*Entry, error) {
	return l.Settle(ctx, acct, contractID, FullRelease(acct.Captured), doerID, clientID)
}

// RefundAll returns the whole captured amount to the client.
func (l *Ledger) RefundAll(ctx context.Context, acct *Account, contractID, doerID, clientID string) ([]*Entry, error) {
	return l.Settle(ctx, acct, contractID, FullRefund(acct.Captured), doerID, clientID)
}

// Entries returns the ledger history for a contract.
func (l *Ledger) Entries(ctx context.Context, contractID string) ([]*Entry, error) {
	return l.entries.ListByContract(ctx, contractID)
}

// Recorded returns the settlement legs already paid out for a contract:
// released to the doer and refunded to the client. Voided captures are not
// settlement legs.
func (l *Ledger) Recorded(ctx context.Context, contractID string) (Split, error) {
	entries, err := l.entries.ListByContract(ctx, contractID)
	if err != nil {
		return Split{}, fmt.Errorf("escrow: list entries: %w", err)
	}
	var s Split
	for _, e := range entries {
		switch e.Kind {
		case EntryRelease:
			s.ToDoer += e.Amount
		case EntryRefund:
			s.ToClient += e.Amount
		}
	}
	return s, nil
}

func (l *Ledger) voidCount(ctx context.Context, contractID string) (int, error) {
	entries, err := l.entries.ListByContract(ctx, contractID)
	if err != nil {
		return 0, fmt.Errorf("escrow: list entries: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Kind == EntryVoid {
			n++
		}
	}
	return n, nil
}

// record performs one gateway call at most once per idempotency key.
func (l *Ledger) record(
	ctx context.Context,
	contractID string,
	kind EntryKind,
	payeeID string,
	amount money.Amount,
	key string,
	call func(ctx context.Context) (Receipt, error),
) (*Entry, error) {
	existing, err := l.entries.GetByKey(ctx, key)
	switch {
	case err == nil:
		if existing.Amount != amount {
			violate(contractID, "entry %s recorded %s but %s requested", key, existing.Amount, amount)
		}
		metrics.EscrowOperationsTotal.WithLabelValues(string(kind), "reused").Inc()
		l.logger.Info("escrow entry already recorded, reusing receipt",
			"contract_id", contractID, "key", key, "receipt_id", existing.ReceiptID)
		return existing, nil
	case !errors.Is(err, ErrEntryNotFound):
		return nil, fmt.Errorf("escrow: look up entry %s: %w", key, err)
	}

	receipt, err := call(WithIdempotencyKey(ctx, key))
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(string(kind), "gateway_error").Inc()
		l.logger.Warn("payment gateway call failed",
			"contract_id", contractID, "op", kind, "amount", amount.String(), "error", err)
		return nil, &GatewayError{Op: string(kind), ContractID: contractID, Err: err}
	}

	entry := &Entry{
		ID:             idgen.WithPrefix(idgen.PrefixEntry),
		ContractID:     contractID,
		Kind:           kind,
		PayeeID:        payeeID,
		Amount:         amount,
		ReceiptID:      receipt.ID,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	}
	appendEntry := func() error {
		err := l.entries.Append(ctx, entry)
		if errors.Is(err, ErrDuplicateEntry) {
			return retry.Permanent(err)
		}
		return err
	}
	if err := entryRetry.Do(ctx, appendEntry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// A concurrent attempt for the same key recorded first.
			return l.entries.GetByKey(ctx, key)
		}
		// Money moved but there is no record of it.
		l.logger.Error("CRITICAL: gateway call succeeded but ledger entry was not recorded",
			"contract_id", contractID, "op", kind, "receipt_id", receipt.ID,
			"amount", amount.String(), "error", err)
		return nil, fmt.Errorf("escrow: record %s entry (requires manual resolution): %w", kind, err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues(string(kind), "ok").Inc()
	metrics.EscrowAmountTotal.WithLabelValues(string(kind)).Add(amount.Float64())
	return entry, nil
}
