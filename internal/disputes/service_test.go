package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskhold/internal/contracts"
	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/logging"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/payments"
)

const (
	client = "usr_client"
	doer   = "usr_doer"
	admin  = "usr_admin"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Notify(ctx context.Context, userID string, event notify.EventType, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notify.Notification{UserID: userID, Event: event, Payload: payload, Key: notify.DedupKey(ctx)})
	return nil
}

func (r *recorder) to(userID string, event notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.UserID == userID && note.Event == event {
			n++
		}
	}
	return n
}

// failingStore fails Create or Update once when the matching flag is set.
type failingStore struct {
	*MemoryStore
	failCreate bool
	failUpdate bool
}

func (s *failingStore) Update(ctx context.Context, d *Dispute) error {
	if s.failUpdate {
		s.failUpdate = false
		return errors.New("database unavailable")
	}
	return s.MemoryStore.Update(ctx, d)
}

func (s *failingStore) Create(ctx context.Context, d *Dispute) error {
	if s.failCreate {
		s.failCreate = false
		return errors.New("database unavailable")
	}
	return s.MemoryStore.Create(ctx, d)
}

type fixture struct {
	svc       *Service
	store     *failingStore
	contracts *contracts.Service
	gw        *payments.MemoryGateway
	rec       *recorder

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &failingStore{MemoryStore: NewMemoryStore()},
		gw:    payments.NewMemoryGateway(),
		rec:   &recorder{},
		now:   t0,
	}
	ledger := escrow.NewLedger(f.gw, escrow.NewMemoryStore()).WithLogger(logging.Discard()).WithClock(f.clock)
	dispatcher := notify.NewDispatcher(f.rec, logging.Discard())
	f.contracts = contracts.NewService(contracts.NewMemoryStore(), ledger, dispatcher, contracts.Policy{
		AutoConfirmGrace: 48 * time.Hour,
		ReminderOffsets:  []time.Duration{0, 12 * time.Hour},
	}).WithLogger(logging.Discard()).WithClock(f.clock)
	f.svc = NewService(f.store, f.contracts, dispatcher).WithLogger(logging.Discard()).WithClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = to
}

// inProgress returns a started contract of 1000 + 50 commission whose end
// date has been reached.
func (f *fixture) inProgress(t *testing.T) *contracts.Contract {
	t.Helper()
	ctx := context.Background()
	end := t0.Add(72 * time.Hour)
	res, err := f.contracts.Create(ctx, contracts.CreateRequest{
		JobID:      "job_1",
		ClientID:   client,
		DoerID:     doer,
		Price:      money.FromMajor(1000),
		Commission: money.FromMajor(50),
		StartDate:  t0.Add(24 * time.Hour),
		EndDate:    &end,
	})
	require.NoError(t, err)
	id := res.Contract.ID
	_, err = f.contracts.AcceptTerms(ctx, id, client)
	require.NoError(t, err)
	_, err = f.contracts.AcceptTerms(ctx, id, doer)
	require.NoError(t, err)
	f.advance(t0.Add(24 * time.Hour))
	_, err = f.contracts.Start(ctx, id)
	require.NoError(t, err)
	f.advance(end)
	c, err := f.contracts.Get(ctx, id)
	require.NoError(t, err)
	return c
}

func (f *fixture) open(t *testing.T, contractID, initiator string) *Dispute {
	t.Helper()
	res, err := f.svc.Open(context.Background(), OpenRequest{
		ContractID:  contractID,
		InitiatorID: initiator,
		Reason:      ReasonPoorQuality,
		Description: "half of the pages are missing",
		Evidence:    []EvidenceInput{{Type: "image", URL: "https://files.example.com/shot.png"}},
	})
	require.NoError(t, err)
	return res.Dispute
}

func TestOpen_MovesContractToDisputed(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)

	d := f.open(t, c.ID, client)

	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, client, d.InitiatedBy)
	assert.Equal(t, doer, d.Respondent)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, client, d.Evidence[0].SubmittedBy)

	got, err := f.contracts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDisputed, got.Status)
	assert.Equal(t, 1, f.rec.to(doer, notify.EventDisputeOpened))
	assert.Equal(t, 1, f.rec.to(client, notify.EventDisputeOpened))
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, OpenRequest{ContractID: c.ID, InitiatorID: client, Reason: "bored", Description: "x"})
	var verr *contracts.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	_, err = f.svc.Open(ctx, OpenRequest{ContractID: c.ID, InitiatorID: client, Reason: ReasonOther, Description: "  "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "description", verr.Field)
}

func TestOpen_NonPartyRejected(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)

	_, err := f.svc.Open(context.Background(), OpenRequest{
		ContractID: c.ID, InitiatorID: "usr_stranger", Reason: ReasonOther, Description: "x",
	})
	require.ErrorIs(t, err, contracts.ErrUnauthorized)

	_, err = f.svc.GetByContract(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestOpen_SecondDisputeConflicts(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	f.open(t, c.ID, client)

	_, err := f.svc.Open(context.Background(), OpenRequest{
		ContractID: c.ID, InitiatorID: doer, Reason: ReasonUnresponsive, Description: "client went silent",
	})
	var cerr *contracts.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestOpen_AfterResolutionRejected(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionNoAction, Resolution: "work is fine"})
	require.NoError(t, err)

	_, err = f.svc.Open(ctx, OpenRequest{ContractID: c.ID, InitiatorID: client, Reason: ReasonOther, Description: "again"})
	require.ErrorIs(t, err, ErrDisputeExists)

	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInProgress, got.Status)
}

func TestOpen_StoreFailureLeavesContractInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	f.store.failCreate = true

	_, err := f.svc.Open(context.Background(), OpenRequest{
		ContractID: c.ID, InitiatorID: client, Reason: ReasonOther, Description: "x",
	})
	require.Error(t, err)

	got, err := f.contracts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInProgress, got.Status)
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)

	res, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, res.Dispute.Status)
	assert.Equal(t, admin, res.Dispute.AssignedTo)

	again, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	assert.Empty(t, again.Notifications)

	_, err = f.svc.Assign(ctx, d.ID, "usr_other_admin")
	var cerr *contracts.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestResolve_PartialRefundToClient(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{
		Type:         ResolutionPartialRefund,
		Resolution:   "half of the pages were delivered",
		RefundAmount: money.FromMajor(400),
		RefundTo:     RefundToClient,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, res.Dispute.Status)
	assert.Equal(t, admin, res.Dispute.ResolvedBy)
	assert.NotNil(t, res.Dispute.ResolvedAt)
	assert.Equal(t, money.FromMajor(400), res.Dispute.RefundAmount)

	assert.Equal(t, contracts.StatusCompleted, res.Contract.Status)
	assert.Equal(t, escrow.PaymentReleased, res.Contract.Account.Status)
	assert.Equal(t, money.FromMajor(650), res.Contract.Account.Released)
	assert.Equal(t, money.FromMajor(400), res.Contract.Account.Refunded)
	assert.Equal(t, money.Zero, f.gw.Balance(c.ID))
	assert.Equal(t, 1, f.rec.to(client, notify.EventDisputeResolved))
}

func TestResolve_FullRefundAfterClientConfirmed(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	_, err := f.contracts.ConfirmCompletion(ctx, c.ID, client)
	require.NoError(t, err)

	d := f.open(t, c.ID, doer)
	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Confirmations)

	_, err = f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRefund, Resolution: "nothing was delivered"})
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusCancelled, res.Contract.Status)
	assert.Equal(t, escrow.PaymentRefunded, res.Contract.Account.Status)
	assert.Equal(t, money.FromMajor(1050), res.Contract.Account.Refunded)
	assert.Equal(t, money.Zero, f.gw.Balance(c.ID))
}

func TestResolve_FullRelease(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRelease, Resolution: "work matches the brief"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, res.Contract.Status)
	assert.Equal(t, money.FromMajor(1050), res.Contract.Account.Released)
}

func TestResolve_NoActionReturnsToInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionNoAction, Resolution: "keep working"})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, res.Dispute.Status)
	assert.Equal(t, contracts.StatusInProgress, res.Contract.Status)
	assert.Equal(t, escrow.PaymentHeld, res.Contract.Account.Status)
	assert.Equal(t, money.FromMajor(1050), f.gw.Balance(c.ID))
}

func TestResolve_RequiresReview(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	d := f.open(t, c.ID, client)

	_, err := f.svc.Resolve(context.Background(), d.ID, admin, ResolveRequest{Type: ResolutionFullRelease, Resolution: "ok"})
	var cerr *contracts.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestResolve_InconsistentSplitRejected(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{
		Type:          ResolutionPartialRefund,
		Resolution:    "split",
		RefundAmount:  money.FromMajor(400),
		RefundTo:      RefundToSplit,
		ReleaseAmount: money.FromMajor(600),
	})
	var verr *contracts.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, got.Status)
	assert.Equal(t, money.FromMajor(1050), f.gw.Balance(c.ID))
}

func TestResolve_GatewayFailureKeepsDisputeUnderReview(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	f.gw.FailNext(payments.OpRefund, 1)
	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRefund, Resolution: "refund"})
	var gwErr *escrow.GatewayError
	require.ErrorAs(t, err, &gwErr)

	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, got.Status)

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRefund, Resolution: "refund"})
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentRefunded, res.Contract.Account.Status)
}

func TestResolve_InterruptedPartialRefundOnlyResumesWithSameSplit(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	partial := ResolveRequest{
		Type:         ResolutionPartialRefund,
		Resolution:   "half delivered",
		RefundAmount: money.FromMajor(400),
		RefundTo:     RefundToClient,
	}

	f.gw.FailNext(payments.OpRefund, 1)
	_, err = f.svc.Resolve(ctx, d.ID, admin, partial)
	var gwErr *escrow.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, money.FromMajor(400), f.gw.Balance(c.ID), "release leg went out")

	for _, other := range []ResolveRequest{
		{Type: ResolutionFullRefund, Resolution: "refund instead"},
		{Type: ResolutionFullRelease, Resolution: "release instead"},
		{Type: ResolutionNoAction, Resolution: "keep working"},
	} {
		_, err = f.svc.Resolve(ctx, d.ID, admin, other)
		var cerr *contracts.ConflictError
		require.ErrorAs(t, err, &cerr, string(other.Type))
	}
	assert.Equal(t, money.FromMajor(400), f.gw.Balance(c.ID))
	got, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, got.Status)

	res, err := f.svc.Resolve(ctx, d.ID, admin, partial)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, res.Dispute.Status)
	assert.Equal(t, contracts.StatusCompleted, res.Contract.Status)
	assert.Equal(t, money.Zero, f.gw.Balance(c.ID))
	assert.Len(t, f.gw.Movements(), 3, "capture, one release and one refund")
}

func TestResolve_RetryAfterDisputeWriteFailureMustMatchContract(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	f.store.failUpdate = true
	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionNoAction, Resolution: "keep working"})
	require.Error(t, err)
	got, err := f.contracts.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInProgress, got.Status)

	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRelease, Resolution: "release"})
	var cerr *contracts.ConflictError
	require.ErrorAs(t, err, &cerr)
	stored, err := f.svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, stored.Status)
	assert.Equal(t, money.FromMajor(1050), f.gw.Balance(c.ID))

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionNoAction, Resolution: "keep working"})
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, res.Dispute.Status)
	assert.Equal(t, ResolutionNoAction, res.Dispute.ResolutionType)
}

func TestResolve_RetryAfterSettledDisputeWriteFailure(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)

	f.store.failUpdate = true
	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRefund, Resolution: "refund"})
	require.Error(t, err)

	for _, other := range []ResolveRequest{
		{Type: ResolutionFullRelease, Resolution: "release"},
		{Type: ResolutionNoAction, Resolution: "keep working"},
		{Type: ResolutionPartialRefund, Resolution: "part", RefundAmount: money.FromMajor(400), RefundTo: RefundToClient},
	} {
		_, err = f.svc.Resolve(ctx, d.ID, admin, other)
		var cerr *contracts.ConflictError
		require.ErrorAs(t, err, &cerr, string(other.Type))
	}

	res, err := f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRefund, Resolution: "refund"})
	require.NoError(t, err)
	assert.Equal(t, ResolutionFullRefund, res.Dispute.ResolutionType)
	assert.Equal(t, contracts.StatusCancelled, res.Contract.Status)
	assert.Equal(t, money.Zero, f.gw.Balance(c.ID))
}

func TestEvidenceAndMessages(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)

	got, err := f.svc.AddEvidence(ctx, d.ID, Author{ID: doer}, EvidenceInput{Type: "link", URL: "https://repo.example.com/pr/1"})
	require.NoError(t, err)
	require.Len(t, got.Evidence, 2)
	assert.Equal(t, doer, got.Evidence[1].SubmittedBy)
	assert.Equal(t, 1, f.rec.to(client, notify.EventDisputeEvidence))

	msg, err := f.svc.AddMessage(ctx, d.ID, Author{ID: admin, IsAdmin: true}, "please upload the final files")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, msg.AuthorRole)
	assert.Equal(t, 1, f.rec.to(client, notify.EventDisputeMessage))
	assert.Equal(t, 1, f.rec.to(doer, notify.EventDisputeMessage))

	_, err = f.svc.AddMessage(ctx, d.ID, Author{ID: "usr_stranger"}, "hi")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.AddMessage(ctx, d.ID, Author{ID: client}, "   ")
	var verr *contracts.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEvidenceRejectedAfterClose(t *testing.T) {
	f := newFixture(t)
	c := f.inProgress(t)
	ctx := context.Background()
	d := f.open(t, c.ID, client)
	_, err := f.svc.Assign(ctx, d.ID, admin)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveRequest{Type: ResolutionFullRelease, Resolution: "done"})
	require.NoError(t, err)

	_, err = f.svc.AddEvidence(ctx, d.ID, Author{ID: client}, EvidenceInput{Type: "text", URL: "https://x.example.com"})
	require.ErrorIs(t, err, ErrDisputeClosed)
	_, err = f.svc.AddMessage(ctx, d.ID, Author{ID: client}, "too late")
	require.ErrorIs(t, err, ErrDisputeClosed)
}

func TestSettlementFor(t *testing.T) {
	total := money.FromMajor(1050)
	tests := []struct {
		name    string
		req     ResolveRequest
		want    escrow.Split
		wantErr bool
	}{
		{"full release", ResolveRequest{Type: ResolutionFullRelease}, escrow.FullRelease(total), false},
		{"full refund", ResolveRequest{Type: ResolutionFullRefund}, escrow.FullRefund(total), false},
		{"refund to client", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: money.FromMajor(400), RefundTo: RefundToClient},
			escrow.Split{ToClient: money.FromMajor(400), ToDoer: money.FromMajor(650)}, false},
		{"refund to doer", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: money.FromMajor(400), RefundTo: RefundToDoer},
			escrow.Split{ToDoer: money.FromMajor(400), ToClient: money.FromMajor(650)}, false},
		{"explicit split", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: money.FromMajor(50), RefundTo: RefundToSplit, ReleaseAmount: money.FromMajor(1000)},
			escrow.Split{ToClient: money.FromMajor(50), ToDoer: money.FromMajor(1000)}, false},
		{"zero refund", ResolveRequest{Type: ResolutionPartialRefund, RefundTo: RefundToClient}, escrow.Split{}, true},
		{"refund above total", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: money.FromMajor(2000), RefundTo: RefundToClient}, escrow.Split{}, true},
		{"refund of the whole total", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: total, RefundTo: RefundToClient}, escrow.Split{}, true},
		{"doer paid the whole total", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: total, RefundTo: RefundToDoer}, escrow.Split{}, true},
		{"split without release", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: total, RefundTo: RefundToSplit}, escrow.Split{}, true},
		{"missing recipient", ResolveRequest{Type: ResolutionPartialRefund, RefundAmount: money.FromMajor(10)}, escrow.Split{}, true},
		{"no action", ResolveRequest{Type: ResolutionNoAction}, escrow.Split{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SettlementFor(tt.req, total)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
