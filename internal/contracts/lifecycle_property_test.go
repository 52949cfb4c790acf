//go:build property

package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/payments"
)

func paymentRank(s escrow.PaymentStatus) int {
	switch s {
	case escrow.PaymentPending:
		return 0
	case escrow.PaymentHeld:
		return 1
	}
	return 2
}

// applyOp runs one lifecycle operation. Errors are expected for ops that do
// not fit the current state and are ignored.
func applyOp(f *fixture, id string, op int) {
	ctx := context.Background()
	switch op {
	case 0:
		_, _ = f.svc.AcceptTerms(ctx, id, client)
	case 1:
		_, _ = f.svc.AcceptTerms(ctx, id, doer)
	case 2:
		_, _ = f.svc.Start(ctx, id)
	case 3:
		_, _ = f.svc.UpdateDelivery(ctx, id, doer, 0, DeliveryCompleted)
	case 4:
		_, _ = f.svc.ConfirmCompletion(ctx, id, client)
	case 5:
		_, _ = f.svc.ConfirmCompletion(ctx, id, doer)
	case 6:
		_, _ = f.svc.AutoConfirm(ctx, id)
	case 7:
		_, _ = f.svc.Cancel(ctx, id, client, "changed plans")
	case 8:
		_, _ = f.svc.EnterDispute(ctx, id, doer, noopOpen)
	case 9:
		_, _ = f.svc.SettleDispute(ctx, id, escrow.Split{ToDoer: money.FromMajor(650), ToClient: money.FromMajor(400)}, "adm")
	case 10:
		_, _ = f.svc.SettleDispute(ctx, id, escrow.FullRefund(money.FromMajor(1050)), "adm")
	case 11:
		_, _ = f.svc.ReturnFromDispute(ctx, id)
	case 12:
		f.advance(f.clock().Add(24 * time.Hour))
	case 13:
		_, _ = f.svc.Remind(ctx, id)
	case 14:
		f.gw.FailNext(payments.OpRelease, 1)
	case 15:
		f.store.failUpdates(1)
	case 16:
		// Interrupt a split between its release and refund legs.
		f.gw.FailNext(payments.OpRefund, 1)
		_, _ = f.svc.SettleDispute(ctx, id, escrow.Split{ToDoer: money.FromMajor(650), ToClient: money.FromMajor(400)}, "adm")
		f.gw.Heal()
	case 17:
		_, _ = f.svc.SettleDispute(ctx, id, escrow.FullRelease(money.FromMajor(1050)), "adm")
	}
}

func TestLifecycleInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("payment status only moves forward and the gateway never pays out more than it captured", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t)
			c := f.create(t, ptr(t0.Add(72*time.Hour)), "work")
			ledger := escrow.NewLedger(f.gw, f.entries)
			prev := escrow.PaymentPending

			for _, op := range ops {
				applyOp(f, c.ID, op)
				got, err := f.svc.Get(context.Background(), c.ID)
				if err != nil {
					return false
				}
				rank := paymentRank(got.Account.Status)
				if rank < paymentRank(prev) {
					return false
				}
				if prev.IsSettled() && got.Account.Status != prev {
					return false
				}
				prev = got.Account.Status

				if got.Status == StatusCompleted && got.Account.Status != escrow.PaymentReleased {
					return false
				}
				if got.Status == StatusDisputed && len(got.Confirmations) > 0 {
					return false
				}
				balance := f.gw.Balance(c.ID)
				if balance < 0 {
					return false
				}
				paid, err := ledger.Recorded(context.Background(), c.ID)
				if err != nil {
					return false
				}
				if got.Account.Status == escrow.PaymentHeld && balance != got.Captured-paid.Total() {
					return false
				}
				if got.Account.Status != escrow.PaymentHeld && f.gw.Balance(c.ID) != money.Zero {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, 17)),
	))

	properties.Property("auto-confirm twice settles once", prop.ForAll(
		func(extraRuns int) bool {
			f := newFixture(t)
			c := f.inProgress(t)
			ctx := context.Background()
			if _, err := f.svc.ConfirmCompletion(ctx, c.ID, client); err != nil {
				return false
			}
			f.advance(f.clock().Add(49 * time.Hour))
			for i := 0; i < extraRuns; i++ {
				if _, err := f.svc.AutoConfirm(ctx, c.ID); err != nil {
					return false
				}
			}
			releases := 0
			for _, m := range f.gw.Movements() {
				if m.Op == payments.OpRelease {
					releases++
				}
			}
			return releases == 1
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
