package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/quota"
	"github.com/mbd888/taskhold/internal/traces"
)

// SystemActor is recorded as CancelledBy when a sweep cancels a contract.
const SystemActor = "system"

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	JobID      string       `json:"jobId" validate:"required"`
	ClientID   string       `json:"-"`
	DoerID     string       `json:"doerId" validate:"required"`
	Price      money.Amount `json:"price" validate:"gt=0"`
	Commission money.Amount `json:"commission" validate:"gte=0"`
	StartDate  time.Time    `json:"startDate" validate:"required"`
	EndDate    *time.Time   `json:"endDate,omitempty"`
	Deliveries []string     `json:"deliveries" validate:"max=100,dive,required,max=200"`
}

// change collects the side effects of one transition.
type change struct {
	notes    []notify.Notification
	captured money.Amount // non-zero when this transition captured funds
	settled  bool         // funds were released or refunded
	undo     []func(context.Context) error
	noop     bool
}

func (ch *change) notify(c *Contract, userID string, event notify.EventType, extra map[string]any) {
	payload := map[string]any{
		"contractId": c.ID,
		"jobId":      c.JobID,
		"status":     string(c.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	ch.notes = append(ch.notes, notify.Notification{UserID: userID, Event: event, Payload: payload})
}

func (ch *change) notifyBoth(c *Contract, event notify.EventType, extra map[string]any) {
	for _, p := range c.Parties() {
		ch.notify(c, p, event, extra)
	}
}

// Create stores a new pending contract. It consumes one unit of the client's
// monthly contract allowance when quotas are enabled.
func (s *Service) Create(ctx context.Context, req CreateRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "contracts.Create", traces.PartyID(req.ClientID))
	defer func() { traces.End(span, err) }()

	c, err := NewContract(NewContractParams{
		JobID:      req.JobID,
		ClientID:   req.ClientID,
		DoerID:     req.DoerID,
		Price:      req.Price,
		Commission: req.Commission,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Deliveries: req.Deliveries,
		Now:        s.now(),
	})
	if err != nil {
		return nil, err
	}

	if s.quota != nil {
		if err := s.quota.Consume(ctx, c.ClientID, quota.KindContracts); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, c); err != nil {
		if s.quota != nil {
			_ = s.quota.Release(context.WithoutCancel(ctx), c.ClientID, quota.KindContracts)
		}
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	metrics.ContractTransitionsTotal.WithLabelValues("none", string(StatusPending)).Inc()

	ch := &change{}
	ch.notify(c, c.DoerID, notify.EventContractCreated, map[string]any{
		"totalPrice": c.TotalPrice.String(),
	})
	s.keyNotes(c, ch)
	s.dispatcher.Dispatch(ctx, ch.notes)
	return &Result{Contract: c, Notifications: ch.notes}, nil
}

// AcceptTerms records userID's acceptance. When both parties have accepted,
// TotalPrice is captured into escrow and the contract becomes accepted. A
// failed capture leaves the contract pending.
func (s *Service) AcceptTerms(ctx context.Context, id, userID string) (*Result, error) {
	return s.mutate(ctx, "AcceptTerms", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		if !c.IsParty(userID) {
			return ErrUnauthorized
		}
		flag := &c.TermsAcceptedByClient
		if userID == c.DoerID {
			flag = &c.TermsAcceptedByDoer
		}
		if *flag {
			ch.noop = true
			return nil
		}
		if c.Status != StatusPending {
			return conflict(c, "terms can only be accepted while pending")
		}

		*flag = true
		if !c.TermsAcceptedByClient || !c.TermsAcceptedByDoer {
			ch.notify(c, c.Counterparty(userID), notify.EventTermsAccepted, map[string]any{"acceptedBy": userID})
			return nil
		}

		if err := s.ledger.Hold(ctx, &c.Account, c.ID, c.TotalPrice); err != nil {
			return err
		}
		ch.captured = c.TotalPrice
		c.Status = StatusAccepted
		ch.notifyBoth(c, notify.EventContractAccepted, nil)
		ch.notify(c, c.ClientID, notify.EventPaymentHeld, map[string]any{"amount": c.Captured.String()})
		return nil
	})
}

// Reject lets the doer decline a pending contract. No money has moved.
func (s *Service) Reject(ctx context.Context, id, userID string) (*Result, error) {
	return s.mutate(ctx, "Reject", id, func(_ context.Context, c *Contract, _ time.Time, ch *change) error {
		if userID != c.DoerID {
			return ErrUnauthorized
		}
		if c.Status == StatusRejected {
			ch.noop = true
			return nil
		}
		if c.Status != StatusPending {
			return conflict(c, "only a pending contract can be rejected")
		}
		c.Status = StatusRejected
		ch.notify(c, c.ClientID, notify.EventContractRejected, nil)
		return nil
	})
}

// Start moves an accepted contract to in_progress once its start date is
// reached. Starting an already started contract is a no-op.
func (s *Service) Start(ctx context.Context, id string) (*Result, error) {
	return s.mutate(ctx, "Start", id, func(_ context.Context, c *Contract, now time.Time, ch *change) error {
		if c.ActualStartDate != nil && c.Status != StatusAccepted {
			ch.noop = true
			return nil
		}
		if c.Status != StatusAccepted {
			return conflict(c, "only an accepted contract can start")
		}
		if now.Before(c.StartDate) {
			return &ValidationError{Field: "startDate", Msg: "has not been reached"}
		}
		s.start(c, now, ch)
		return nil
	})
}

func (s *Service) start(c *Contract, now time.Time, ch *change) {
	c.Status = StatusInProgress
	c.ActualStartDate = &now
	ch.notifyBoth(c, notify.EventContractStarted, nil)
}

// UpdateDelivery advances one delivery. Delivery status never regresses.
// The first activity on an accepted contract starts it; completing every
// delivery records the actual end date, which opens confirmation for a
// flexible contract.
func (s *Service) UpdateDelivery(ctx context.Context, id, userID string, index int, status DeliveryStatus) (*Result, error) {
	return s.mutate(ctx, "UpdateDelivery", id, func(_ context.Context, c *Contract, now time.Time, ch *change) error {
		if userID != c.DoerID {
			return ErrUnauthorized
		}
		if status.rank() < 0 {
			return &ValidationError{Field: "status", Msg: fmt.Sprintf("unknown delivery status %q", status)}
		}
		if index < 0 || index >= len(c.Deliveries) {
			return &ValidationError{Field: "index", Msg: "out of range"}
		}
		if c.Status != StatusAccepted && c.Status != StatusInProgress {
			return conflict(c, "deliveries can only change while accepted or in_progress")
		}

		d := &c.Deliveries[index]
		switch {
		case status.rank() < d.Status.rank():
			return &ValidationError{Field: "status", Msg: fmt.Sprintf("delivery cannot go from %s back to %s", d.Status, status)}
		case status == d.Status:
			ch.noop = true
			return nil
		}
		d.Status = status
		d.UpdatedAt = &now

		if c.Status == StatusAccepted {
			s.start(c, now, ch)
		}
		if c.ActualEndDate == nil && c.AllDeliveriesComplete() {
			c.ActualEndDate = &now
		}
		ch.notify(c, c.ClientID, notify.EventDeliveryUpdated, map[string]any{
			"index":          index,
			"deliveryStatus": string(status),
		})
		return nil
	})
}

// ConfirmCompletion records userID's completion signal. When both parties
// have confirmed, funds are released and the contract completes. Confirming
// twice is a no-op.
func (s *Service) ConfirmCompletion(ctx context.Context, id, userID string) (*Result, error) {
	return s.mutate(ctx, "ConfirmCompletion", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		if !c.IsParty(userID) {
			return ErrUnauthorized
		}
		if c.HasConfirmed(userID) && (c.Status == StatusInProgress || c.Status == StatusCompleted) {
			ch.noop = true
			return nil
		}
		if err := c.checkConfirmable(now); err != nil {
			return err
		}
		if _, err := c.confirm(userID, now, false); err != nil {
			return err
		}
		ch.notify(c, c.Counterparty(userID), notify.EventCompletionConfirmed, map[string]any{"confirmedBy": userID})

		if c.BothConfirmed() {
			return s.complete(ctx, c, now, ch)
		}
		return nil
	})
}

// AutoConfirm applies the implicit confirmation of the silent party once
// the grace window has passed. Contracts that are not eligible are left
// untouched, so repeated runs settle at most once.
func (s *Service) AutoConfirm(ctx context.Context, id string) (*Result, error) {
	return s.mutate(ctx, "AutoConfirm", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		at := c.AutoConfirmAt(s.policy.AutoConfirmGrace)
		if at == nil || now.Before(*at) {
			ch.noop = true
			return nil
		}
		silent := c.Unconfirmed()[0]
		if _, err := c.confirm(silent, now, true); err != nil {
			return err
		}
		ch.notify(c, silent, notify.EventCompletionConfirmed, map[string]any{
			"confirmedBy": silent,
			"implicit":    true,
		})
		return s.complete(ctx, c, now, ch)
	})
}

// Remind sends the next due confirmation reminder to the parties that have
// not confirmed. Each reminder step is sent at most once.
func (s *Service) Remind(ctx context.Context, id string) (*Result, error) {
	return s.mutate(ctx, "Remind", id, func(_ context.Context, c *Contract, now time.Time, ch *change) error {
		missing := c.Unconfirmed()
		step := c.ReminderStep(now, s.policy.ReminderOffsets)
		if c.Status != StatusInProgress || len(missing) == 0 || step <= c.RemindersSent {
			ch.noop = true
			return nil
		}
		c.RemindersSent = step

		extra := map[string]any{"step": step, "final": step == len(s.policy.ReminderOffsets)}
		if at := c.AutoConfirmAt(s.policy.AutoConfirmGrace); at != nil {
			extra["autoConfirmAt"] = at.UTC().Format(time.RFC3339)
		}
		for _, userID := range missing {
			ch.notify(c, userID, notify.EventConfirmationReminder, extra)
			ch.notes[len(ch.notes)-1].Key = fmt.Sprintf("%s:reminder:%d:%s", c.ID, step, userID)
		}
		return nil
	})
}

// Cancel cancels an accepted or in-progress contract at a party's request.
// Held funds are refunded to the client before the cancellation is stored.
func (s *Service) Cancel(ctx context.Context, id, userID, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, "Cancel", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		if !c.IsParty(userID) {
			return ErrUnauthorized
		}
		if reason == "" {
			return &ValidationError{Field: "reason", Msg: "is required"}
		}
		if c.Status == StatusCancelled {
			ch.noop = true
			return nil
		}
		if c.Status != StatusAccepted && c.Status != StatusInProgress {
			return conflict(c, "only an accepted or in_progress contract can be cancelled")
		}
		return s.cancel(ctx, c, ch, reason, userID)
	})
}

// Expire cancels a contract whose job reached its start date unresolved.
// Pending contracts have nothing captured; accepted ones are refunded.
func (s *Service) Expire(ctx context.Context, id, reason string) (*Result, error) {
	return s.mutate(ctx, "Expire", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		switch c.Status {
		case StatusCancelled, StatusRejected:
			ch.noop = true
			return nil
		case StatusPending, StatusAccepted:
			return s.cancel(ctx, c, ch, reason, SystemActor)
		}
		return conflict(c, "a contract that has started cannot expire")
	})
}

func (s *Service) cancel(ctx context.Context, c *Contract, ch *change, reason, by string) error {
	refunded := c.Account.Status == escrow.PaymentHeld
	if refunded {
		if err := s.settle(ctx, c, escrow.FullRefund(c.Captured), ch); err != nil {
			return err
		}
	}
	c.Status = StatusCancelled
	c.CancellationReason = reason
	c.CancelledBy = by
	ch.notifyBoth(c, notify.EventContractCancelled, map[string]any{"reason": reason, "cancelledBy": by})
	if refunded {
		ch.notify(c, c.ClientID, notify.EventPaymentRefunded, map[string]any{"amount": c.Refunded.String()})
	}
	return nil
}

func (s *Service) complete(ctx context.Context, c *Contract, now time.Time, ch *change) error {
	if err := s.settle(ctx, c, escrow.FullRelease(c.Captured), ch); err != nil {
		return err
	}
	c.Status = StatusCompleted
	if c.ActualEndDate == nil {
		c.ActualEndDate = &now
	}
	ch.notifyBoth(c, notify.EventContractCompleted, nil)
	ch.notify(c, c.DoerID, notify.EventPaymentReleased, map[string]any{"amount": c.Released.String()})
	return nil
}

// EnterDispute moves an in-progress contract to disputed and discards its
// confirmations. open runs inside the contract's critical section and must
// record the dispute; the returned undo removes it if the contract cannot
// be stored.
func (s *Service) EnterDispute(
	ctx context.Context,
	id, initiatorID string,
	open func(ctx context.Context, c *Contract) (undo func(context.Context) error, err error),
) (*Result, error) {
	return s.mutate(ctx, "EnterDispute", id, func(ctx context.Context, c *Contract, _ time.Time, ch *change) error {
		if !c.IsParty(initiatorID) {
			return ErrUnauthorized
		}
		if c.Status != StatusInProgress {
			return conflict(c, "a dispute can only be opened while in_progress")
		}
		undo, err := open(ctx, c.Clone())
		if err != nil {
			return err
		}
		if undo != nil {
			ch.undo = append(ch.undo, undo)
		}
		c.Status = StatusDisputed
		c.resetConfirmation()
		return nil
	})
}

// SettleDispute applies a dispute settlement. The split must sum to the
// contract's TotalPrice. A split that pays the doer anything completes the
// contract; a full refund cancels it. A split that contradicts payouts
// already recorded for the contract is a ConflictError.
//
// The notifications are returned, not dispatched: the caller sends them
// once its own critical section has ended.
func (s *Service) SettleDispute(ctx context.Context, id string, split escrow.Split, resolvedBy string) (*Result, error) {
	return s.apply(ctx, "SettleDispute", id, func(ctx context.Context, c *Contract, now time.Time, ch *change) error {
		if c.Status != StatusDisputed {
			return conflict(c, "only a disputed contract can be settled by dispute resolution")
		}
		if split.ToDoer < 0 || split.ToClient < 0 {
			return &ValidationError{Field: "split", Msg: "parts must not be negative"}
		}
		if split.Total() != c.TotalPrice {
			return &ValidationError{Field: "split", Msg: fmt.Sprintf("parts sum to %s but the contract total is %s", split.Total(), c.TotalPrice)}
		}

		if err := s.settle(ctx, c, split, ch); err != nil {
			return err
		}

		if split.ToDoer > 0 {
			c.Status = StatusCompleted
			if c.ActualEndDate == nil {
				c.ActualEndDate = &now
			}
			ch.notifyBoth(c, notify.EventContractCompleted, map[string]any{"viaDispute": true})
			ch.notify(c, c.DoerID, notify.EventPaymentReleased, map[string]any{"amount": split.ToDoer.String()})
		} else {
			c.Status = StatusCancelled
			c.CancellationReason = "dispute resolved with full refund"
			c.CancelledBy = resolvedBy
			ch.notifyBoth(c, notify.EventContractCancelled, map[string]any{"viaDispute": true, "cancelledBy": resolvedBy})
		}
		if split.ToClient > 0 {
			ch.notify(c, c.ClientID, notify.EventPaymentRefunded, map[string]any{"amount": split.ToClient.String()})
		}
		return nil
	})
}

// ReturnFromDispute puts a disputed contract back in progress with no
// payment change. Confirmation starts over. A contract with settlement legs
// already paid out cannot return. Like SettleDispute, the notifications are
// left to the caller.
func (s *Service) ReturnFromDispute(ctx context.Context, id string) (*Result, error) {
	return s.apply(ctx, "ReturnFromDispute", id, func(ctx context.Context, c *Contract, _ time.Time, ch *change) error {
		if c.Status != StatusDisputed {
			return conflict(c, "only a disputed contract can return to in_progress")
		}
		recorded, err := s.ledger.Recorded(ctx, c.ID)
		if err != nil {
			return err
		}
		if recorded.Total() > 0 {
			return conflict(c, "%s to the doer and %s to the client were already paid out; settle with the same split",
				recorded.ToDoer, recorded.ToClient)
		}
		c.Status = StatusInProgress
		c.resetConfirmation()
		return nil
	})
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns contracts where userID is client or doer.
func (s *Service) ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	return s.store.ListByParty(ctx, userID, status, clampLimit(limit))
}

// ListByJob returns every contract created for a job.
func (s *Service) ListByJob(ctx context.Context, jobID string) ([]*Contract, error) {
	return s.store.ListByJob(ctx, jobID)
}

// ListByStatus returns contracts in a given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	return s.store.ListByStatus(ctx, status, clampLimit(limit))
}

// ListStartDue returns accepted contracts whose start date has been reached.
func (s *Service) ListStartDue(ctx context.Context, limit int) ([]*Contract, error) {
	return s.store.ListStartDue(ctx, s.now(), clampLimit(limit))
}

// ListAutoConfirmDue returns contracts whose silent party is due an
// implicit confirmation, in ID order after afterID.
func (s *Service) ListAutoConfirmDue(ctx context.Context, afterID string, limit int) ([]*Contract, error) {
	return s.store.ListAutoConfirmDue(ctx, s.now().Add(-s.policy.AutoConfirmGrace), afterID, clampLimit(limit))
}

// ListReminderDue returns contracts with a confirmation reminder due, in ID
// order after afterID.
func (s *Service) ListReminderDue(ctx context.Context, afterID string, limit int) ([]*Contract, error) {
	return s.store.ListReminderDue(ctx, s.now(), s.policy.ReminderOffsets, afterID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// mutate applies fn and dispatches the notifications after the contract's
// lock is released.
func (s *Service) mutate(
	ctx context.Context,
	op, id string,
	fn func(ctx context.Context, c *Contract, now time.Time, ch *change) error,
) (*Result, error) {
	res, err := s.apply(ctx, op, id, fn)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, res.Notifications)
	return res, nil
}

// apply runs fn on a fresh copy of the contract inside its critical section
// and stores the result. Notifications are returned undispatched.
func (s *Service) apply(
	ctx context.Context,
	op, id string,
	fn func(ctx context.Context, c *Contract, now time.Time, ch *change) error,
) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "contracts."+op, traces.ContractID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := c.Status
	now := s.now()

	ch := &change{}
	if err := fn(ctx, c, now, ch); err != nil {
		return nil, err
	}
	if ch.noop {
		return &Result{Contract: c}, nil
	}

	s.keyNotes(c, ch)
	c.UpdatedAt = now
	if err := s.save(ctx, op, c, ch); err != nil {
		return nil, err
	}

	if c.Status != from {
		metrics.ContractTransitionsTotal.WithLabelValues(string(from), string(c.Status)).Inc()
		s.logger.Info("contract transition",
			"contract_id", c.ID, "op", op, "from", string(from), "to", string(c.Status),
			"payment_status", string(c.Account.Status))
	}
	return &Result{Contract: c, Notifications: ch.notes}, nil
}

// settle moves the contract's escrow per split. A split that contradicts
// payouts already recorded becomes a ConflictError on the contract.
func (s *Service) settle(ctx context.Context, c *Contract, split escrow.Split, ch *change) error {
	if _, err := s.ledger.Settle(ctx, &c.Account, c.ID, split, c.DoerID, c.ClientID); err != nil {
		var mm *escrow.SplitMismatchError
		if errors.As(err, &mm) {
			return conflict(c, "%s to the doer and %s to the client were already paid out; only the same split can settle it",
				mm.Recorded.ToDoer, mm.Recorded.ToClient)
		}
		return err
	}
	ch.settled = true
	return nil
}

// keyNotes derives dedup keys from the pre-write version, which is unique
// per stored transition.
func (s *Service) keyNotes(c *Contract, ch *change) {
	for i := range ch.notes {
		if ch.notes[i].Key == "" {
			ch.notes[i].Key = fmt.Sprintf("%s:%s:%s:v%d", c.ID, ch.notes[i].Event, ch.notes[i].UserID, c.Version)
		}
	}
}

// save stores c and compensates when the write fails after money moved.
func (s *Service) save(ctx context.Context, op string, c *Contract, ch *change) error {
	err := s.store.Update(ctx, c)
	if err == nil {
		return nil
	}
	cctx := context.WithoutCancel(ctx)

	for _, undo := range ch.undo {
		if uerr := undo(cctx); uerr != nil {
			s.logger.Error("compensation failed after contract write error",
				"contract_id", c.ID, "op", op, "error", uerr)
		}
	}

	switch {
	case ch.captured > 0:
		if verr := s.ledger.Void(cctx, c.ID, c.ClientID, ch.captured); verr != nil {
			s.logger.Error("CRITICAL: capture could not be voided after contract write failed",
				"contract_id", c.ID, "amount", ch.captured.String(), "write_error", err, "void_error", verr)
		}
		return fmt.Errorf("failed to persist contract after capture: %w", err)

	case ch.settled:
		if !errors.Is(err, ErrVersionConflict) {
			persist := s.persist
			persist.Retryable = func(err error) bool { return !errors.Is(err, ErrVersionConflict) }
			err = persist.Do(cctx, func() error { return s.store.Update(cctx, c) })
			if err == nil {
				return nil
			}
		}
		// The ledger entries make a retry of the same operation reuse the
		// settlement instead of moving money again.
		s.logger.Error("CRITICAL: funds settled but contract write failed",
			"contract_id", c.ID, "op", op, "payment_status", string(c.Account.Status), "error", err)
		return fmt.Errorf("failed to persist contract after settlement: %w", err)
	}
	return err
}
