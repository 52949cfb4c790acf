package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskhold/internal/money"
)

// mockGateway records calls and can fail specific operations.
type mockGateway struct {
	mu       sync.Mutex
	calls    []string
	keys     []string
	failOn   map[string]error
	sequence int
}

func newMockGateway() *mockGateway {
	return &mockGateway{failOn: make(map[string]error)}
}

func (g *mockGateway) do(ctx context.Context, op, contractID string, amount money.Amount, payee string) (Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failOn[op]; err != nil {
		return Receipt{}, err
	}
	g.sequence++
	g.calls = append(g.calls, fmt.Sprintf("%s:%s:%s:%s", op, contractID, amount, payee))
	g.keys = append(g.keys, IdempotencyKeyFrom(ctx))
	return Receipt{ID: fmt.Sprintf("rcpt_%d", g.sequence), Amount: amount, PayeeID: payee, At: time.Now()}, nil
}

func (g *mockGateway) Capture(ctx context.Context, contractID string, amount money.Amount) (Receipt, error) {
	return g.do(ctx, "capture", contractID, amount, "")
}

func (g *mockGateway) Release(ctx context.Context, contractID string, amount money.Amount, payeeID string) (Receipt, error) {
	return g.do(ctx, "release", contractID, amount, payeeID)
}

func (g *mockGateway) Refund(ctx context.Context, contractID string, amount money.Amount, payeeID string) (Receipt, error) {
	return g.do(ctx, "refund", contractID, amount, payeeID)
}

func (g *mockGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func heldAccount(t *testing.T, l *Ledger, contractID string, amount money.Amount) Account {
	t.Helper()
	acct := NewAccount()
	require.NoError(t, l.Hold(context.Background(), &acct, contractID, amount))
	return acct
}

func TestHold_CapturesTotal(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())

	acct := heldAccount(t, l, "ctr_1", money.FromMajor(1050))

	assert.Equal(t, PaymentHeld, acct.Status)
	assert.Equal(t, money.FromMajor(1050), acct.Captured)
	assert.NotNil(t, acct.PaymentDate)
	assert.Equal(t, []string{"capture:ctr_1:1050.00:"}, gw.calls)
	assert.Equal(t, []string{"ctr_1:capture:0"}, gw.keys)
}

func TestHold_GatewayFailureLeavesAccountPending(t *testing.T) {
	gw := newMockGateway()
	gw.failOn["capture"] = errors.New("card declined")
	l := NewLedger(gw, NewMemoryStore())

	acct := NewAccount()
	err := l.Hold(context.Background(), &acct, "ctr_1", money.FromMajor(10))

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.True(t, gwErr.Retryable())
	assert.Equal(t, "capture", gwErr.Op)
	assert.Equal(t, PaymentPending, acct.Status)
	assert.Zero(t, acct.Captured)
}

func TestHold_RetryReusesRecordedCapture(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())

	// First attempt captured, but the contract write was lost.
	first := NewAccount()
	require.NoError(t, l.Hold(context.Background(), &first, "ctr_1", money.FromMajor(10)))

	second := NewAccount()
	require.NoError(t, l.Hold(context.Background(), &second, "ctr_1", money.FromMajor(10)))

	assert.Equal(t, 1, gw.callCount(), "gateway must not capture twice")
	assert.Equal(t, PaymentHeld, second.Status)
}

func TestVoid_AllowsFreshCapture(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())
	ctx := context.Background()

	first := NewAccount()
	require.NoError(t, l.Hold(ctx, &first, "ctr_1", money.FromMajor(10)))
	require.NoError(t, l.Void(ctx, "ctr_1", "client", money.FromMajor(10)))

	second := NewAccount()
	require.NoError(t, l.Hold(ctx, &second, "ctr_1", money.FromMajor(10)))

	assert.Equal(t, []string{"ctr_1:capture:0", "ctr_1:void:0", "ctr_1:capture:1"}, gw.keys)
}

func TestHold_NotPendingPanics(t *testing.T) {
	l := NewLedger(newMockGateway(), NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(10))

	assert.PanicsWithError(t,
		"escrow invariant violated on contract ctr_1: hold requested while payment is held",
		func() { _ = l.Hold(context.Background(), &acct, "ctr_1", money.FromMajor(10)) })
}

func TestSettle_FullRelease(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(1050))

	entries, err := l.Release(context.Background(), &acct, "ctr_1", "doer", "client")
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, EntryRelease, entries[0].Kind)
	assert.Equal(t, PaymentReleased, acct.Status)
	assert.Equal(t, money.FromMajor(1050), acct.Released)
	assert.Zero(t, acct.Outstanding())
}

func TestSettle_FullRefund(t *testing.T) {
	l := NewLedger(newMockGateway(), NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(1050))

	_, err := l.RefundAll(context.Background(), &acct, "ctr_1", "doer", "client")
	require.NoError(t, err)

	assert.Equal(t, PaymentRefunded, acct.Status)
	assert.Equal(t, money.FromMajor(1050), acct.Refunded)
}

func TestSettle_PartialSplit(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(1050))

	split := Split{ToDoer: money.FromMajor(650), ToClient: money.FromMajor(400)}
	entries, err := l.Settle(context.Background(), &acct, "ctr_1", split, "doer", "client")
	require.NoError(t, err)

	assert.Len(t, entries, 2)
	assert.Equal(t, PaymentReleased, acct.Status)
	assert.Equal(t, money.FromMajor(650), acct.Released)
	assert.Equal(t, money.FromMajor(400), acct.Refunded)
	assert.Contains(t, gw.calls, "release:ctr_1:650.00:doer")
	assert.Contains(t, gw.calls, "refund:ctr_1:400.00:client")
}

func TestSettle_PartialFailureRetriesOnlyMissingLeg(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(100))
	split := Split{ToDoer: money.FromMajor(60), ToClient: money.FromMajor(40)}

	gw.failOn["refund"] = errors.New("timeout")
	attempt := acct
	_, err := l.Settle(context.Background(), &attempt, "ctr_1", split, "doer", "client")
	require.Error(t, err)
	assert.Equal(t, PaymentHeld, attempt.Status)

	delete(gw.failOn, "refund")
	retried := acct
	_, err = l.Settle(context.Background(), &retried, "ctr_1", split, "doer", "client")
	require.NoError(t, err)

	releases := 0
	for _, c := range gw.calls {
		if c == "release:ctr_1:60.00:doer" {
			releases++
		}
	}
	assert.Equal(t, 1, releases, "release leg must not be repeated")
	assert.Equal(t, PaymentReleased, retried.Status)
}

func TestSettle_RetryContradictingPaidLegIsRejected(t *testing.T) {
	gw := newMockGateway()
	l := NewLedger(gw, NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(1050))
	split := Split{ToDoer: money.FromMajor(650), ToClient: money.FromMajor(400)}

	gw.failOn["refund"] = errors.New("timeout")
	attempt := acct
	_, err := l.Settle(context.Background(), &attempt, "ctr_1", split, "doer", "client")
	require.Error(t, err)
	delete(gw.failOn, "refund")

	for _, other := range []Split{FullRefund(money.FromMajor(1050)), FullRelease(money.FromMajor(1050))} {
		retried := acct
		_, err = l.Settle(context.Background(), &retried, "ctr_1", other, "doer", "client")
		var mm *SplitMismatchError
		require.ErrorAs(t, err, &mm)
		assert.Equal(t, Split{ToDoer: money.FromMajor(650)}, mm.Recorded)
		assert.Equal(t, PaymentHeld, retried.Status)
	}
	assert.Equal(t, 2, gw.callCount(), "only the capture and the first release reached the gateway")

	recorded, err := l.Recorded(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, Split{ToDoer: money.FromMajor(650)}, recorded)

	retried := acct
	_, err = l.Settle(context.Background(), &retried, "ctr_1", split, "doer", "client")
	require.NoError(t, err)
	assert.Equal(t, PaymentReleased, retried.Status)
	assert.Equal(t, money.Zero, retried.Outstanding())
}

func TestSplit_Contradicts(t *testing.T) {
	paid := Split{ToDoer: money.FromMajor(60)}
	assert.False(t, Split{}.Contradicts(FullRefund(money.FromMajor(100))))
	assert.False(t, paid.Contradicts(Split{ToDoer: money.FromMajor(60), ToClient: money.FromMajor(40)}))
	assert.True(t, paid.Contradicts(FullRefund(money.FromMajor(100))))
	assert.True(t, paid.Contradicts(FullRelease(money.FromMajor(100))))
}

func TestSettle_MismatchedSplitPanics(t *testing.T) {
	l := NewLedger(newMockGateway(), NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(100))

	assert.Panics(t, func() {
		_, _ = l.Settle(context.Background(), &acct, "ctr_1",
			Split{ToDoer: money.FromMajor(50), ToClient: money.FromMajor(40)}, "doer", "client")
	})
}

func TestSettle_TwicePanics(t *testing.T) {
	l := NewLedger(newMockGateway(), NewMemoryStore())
	acct := heldAccount(t, l, "ctr_1", money.FromMajor(100))
	_, err := l.Release(context.Background(), &acct, "ctr_1", "doer", "client")
	require.NoError(t, err)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		var v *InvariantViolation
		require.ErrorAs(t, r.(error), &v)
		assert.Equal(t, "ctr_1", v.ContractID)
	}()
	_, _ = l.Release(context.Background(), &acct, "ctr_1", "doer", "client")
}

type flakyEntryStore struct {
	*MemoryStore
	failures int
}

func (f *flakyEntryStore) Append(ctx context.Context, e *Entry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, e)
}

func TestRecord_RetriesEntryAppend(t *testing.T) {
	store := &flakyEntryStore{MemoryStore: NewMemoryStore(), failures: 2}
	l := NewLedger(newMockGateway(), store)

	acct := NewAccount()
	require.NoError(t, l.Hold(context.Background(), &acct, "ctr_1", money.FromMajor(5)))

	entries, err := l.Entries(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryStore_DuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	e := &Entry{ID: "ent_1", ContractID: "ctr_1", Kind: EntryCapture, IdempotencyKey: "ctr_1:capture:0"}
	require.NoError(t, s.Append(context.Background(), e))
	assert.ErrorIs(t, s.Append(context.Background(), e), ErrDuplicateEntry)

	_, err := s.GetByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
