package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/taskhold/internal/contracts"
	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/syncutil"
	"github.com/mbd888/taskhold/internal/traces"
)

// EvidenceInput is one evidence item as submitted.
type EvidenceInput struct {
	Type        string `json:"type" validate:"required,oneof=image document video link text"`
	URL         string `json:"url" validate:"required,url,max=2048"`
	Description string `json:"description" validate:"max=1000"`
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	ContractID  string          `json:"contractId" validate:"required"`
	InitiatorID string          `json:"-"`
	Reason      Reason          `json:"reason" validate:"required"`
	Description string          `json:"description" validate:"required,max=5000"`
	Evidence    []EvidenceInput `json:"evidence" validate:"max=20,dive"`
}

// ResolveRequest is an admin's resolution. RefundAmount and RefundTo apply
// to partial refunds; ReleaseAmount is the doer's part when RefundTo is
// split.
type ResolveRequest struct {
	Type          ResolutionType `json:"resolutionType" validate:"required,oneof=full_release full_refund partial_refund no_action"`
	Resolution    string         `json:"resolution" validate:"required,max=5000"`
	RefundAmount  money.Amount   `json:"refundAmount"`
	RefundTo      RefundTo       `json:"refundTo"`
	ReleaseAmount money.Amount   `json:"releaseAmount"`
}

// Result is what every dispute operation returns.
type Result struct {
	Dispute       *Dispute              `json:"dispute"`
	Contract      *contracts.Contract   `json:"contract,omitempty"`
	Notifications []notify.Notification `json:"notifications"`
}

// Service implements the dispute workflow.
type Service struct {
	store      Store
	contracts  Contracts
	dispatcher *notify.Dispatcher
	locks      *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, contracts Contracts, dispatcher *notify.Dispatcher) *Service {
	return &Service{
		store:      store,
		contracts:  contracts,
		dispatcher: dispatcher,
		locks:      syncutil.NewKeyedMutex(),
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock overrides time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open records a dispute and moves its contract to disputed in one critical
// section of the contract. A second dispute on the same contract fails with
// ErrDisputeExists, or with a contracts.ConflictError while the first one is
// still open.
func (s *Service) Open(ctx context.Context, req OpenRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Open", traces.ContractID(req.ContractID), traces.PartyID(req.InitiatorID))
	defer func() { traces.End(span, err) }()

	if !req.Reason.Valid() {
		return nil, &contracts.ValidationError{Field: "reason", Msg: fmt.Sprintf("unknown reason %q", req.Reason)}
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, &contracts.ValidationError{Field: "description", Msg: "is required"}
	}

	var d *Dispute
	cres, err := s.contracts.EnterDispute(ctx, req.ContractID, req.InitiatorID,
		func(ctx context.Context, c *contracts.Contract) (func(context.Context) error, error) {
			now := s.now()
			d = &Dispute{
				ID:          idgen.WithPrefix(idgen.PrefixDispute),
				ContractID:  c.ID,
				ClientID:    c.ClientID,
				DoerID:      c.DoerID,
				InitiatedBy: req.InitiatorID,
				Respondent:  c.Counterparty(req.InitiatorID),
				Reason:      req.Reason,
				Description: strings.TrimSpace(req.Description),
				Evidence:    []Evidence{},
				Messages:    []Message{},
				Status:      StatusOpen,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			for _, in := range req.Evidence {
				d.Evidence = append(d.Evidence, Evidence{
					Type: in.Type, URL: in.URL, Description: in.Description,
					SubmittedBy: req.InitiatorID, SubmittedAt: now,
				})
			}
			if err := s.store.Create(ctx, d); err != nil {
				return nil, err
			}
			id := d.ID
			return func(ctx context.Context) error { return s.store.Delete(ctx, id) }, nil
		})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "contract_id", d.ContractID, "initiated_by", d.InitiatedBy, "reason", string(d.Reason))

	notes := []notify.Notification{
		s.note(d, d.Respondent, notify.EventDisputeOpened, map[string]any{"reason": string(d.Reason), "initiatedBy": d.InitiatedBy}),
		s.note(d, d.InitiatedBy, notify.EventDisputeOpened, map[string]any{"reason": string(d.Reason), "initiatedBy": d.InitiatedBy}),
	}
	s.dispatcher.Dispatch(ctx, notes)
	return &Result{Dispute: d, Contract: cres.Contract, Notifications: append(cres.Notifications, notes...)}, nil
}

// Assign puts an open dispute under review by an admin.
func (s *Service) Assign(ctx context.Context, id, adminID string) (*Result, error) {
	return s.mutate(ctx, "Assign", id, func(_ context.Context, d *Dispute, _ time.Time) ([]notify.Notification, error) {
		if d.Status == StatusUnderReview && d.AssignedTo == adminID {
			return nil, nil
		}
		if d.Status != StatusOpen {
			return nil, &contracts.ConflictError{ContractID: d.ContractID, Status: contracts.StatusDisputed,
				Msg: fmt.Sprintf("dispute %s is %s and cannot be assigned", d.ID, d.Status)}
		}
		d.Status = StatusUnderReview
		d.AssignedTo = adminID
		metrics.DisputesTotal.WithLabelValues("assigned").Inc()
		return []notify.Notification{
			s.note(d, d.ClientID, notify.EventDisputeAssigned, nil),
			s.note(d, d.DoerID, notify.EventDisputeAssigned, nil),
		}, nil
	})
}

// AddEvidence appends an evidence item while the dispute is open or under review.
func (s *Service) AddEvidence(ctx context.Context, id string, author Author, in EvidenceInput) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RoleOf(author) == "" {
		return nil, ErrUnauthorized
	}
	ev := Evidence{Type: in.Type, URL: in.URL, Description: in.Description, SubmittedBy: author.ID, SubmittedAt: s.now()}
	if err := s.store.AppendEvidence(ctx, id, ev); err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, s.othersOf(d, author.ID, notify.EventDisputeEvidence, map[string]any{"type": in.Type}, len(d.Evidence)))
	return s.store.Get(ctx, id)
}

// AddMessage appends a message while the dispute is open or under review.
// Messages are never edited or deleted.
func (s *Service) AddMessage(ctx context.Context, id string, author Author, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, &contracts.ValidationError{Field: "body", Msg: "is required"}
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := d.RoleOf(author)
	if role == "" {
		return nil, ErrUnauthorized
	}
	msg := Message{
		ID:         idgen.WithPrefix(idgen.PrefixMessage),
		AuthorID:   author.ID,
		AuthorRole: role,
		Body:       body,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendMessage(ctx, id, msg); err != nil {
		return nil, err
	}
	notes := s.othersOf(d, author.ID, notify.EventDisputeMessage, map[string]any{"messageId": msg.ID, "authorRole": string(role)}, len(d.Messages))
	for i := range notes {
		notes[i].Key = fmt.Sprintf("%s:%s:%s", d.ID, msg.ID, notes[i].UserID)
	}
	s.dispatcher.Dispatch(ctx, notes)
	return &msg, nil
}

// Resolve applies an admin's resolution to a dispute under review. The
// escrow is settled through the contract first; the dispute then moves
// resolved → closed. If the contract already left disputed (a retry after
// the dispute write failed), the dispute is closed only when the requested
// resolution matches what the contract shows.
func (s *Service) Resolve(ctx context.Context, id, adminID string, req ResolveRequest) (*Result, error) {
	var cres *contracts.Result
	res, err := s.apply(ctx, "Resolve", id, func(ctx context.Context, d *Dispute, now time.Time) ([]notify.Notification, error) {
		if d.Status != StatusUnderReview {
			return nil, &contracts.ConflictError{ContractID: d.ContractID, Status: contracts.StatusDisputed,
				Msg: fmt.Sprintf("dispute %s is %s; only a dispute under review can be resolved", d.ID, d.Status)}
		}
		if strings.TrimSpace(req.Resolution) == "" {
			return nil, &contracts.ValidationError{Field: "resolution", Msg: "is required"}
		}

		c, err := s.contracts.Get(ctx, d.ContractID)
		if err != nil {
			return nil, err
		}
		if c.Status == contracts.StatusDisputed {
			if req.Type == ResolutionNoAction {
				cres, err = s.contracts.ReturnFromDispute(ctx, c.ID)
			} else {
				split, serr := SettlementFor(req, c.TotalPrice)
				if serr != nil {
					return nil, serr
				}
				cres, err = s.contracts.SettleDispute(ctx, c.ID, split, adminID)
			}
			if err != nil {
				return nil, err
			}
		} else {
			if err := matchesOutcome(req, c); err != nil {
				return nil, err
			}
			s.logger.Warn("contract already left disputed, closing dispute only",
				"dispute_id", d.ID, "contract_id", c.ID, "contract_status", string(c.Status))
			cres = &contracts.Result{Contract: c}
		}

		d.Status = StatusResolved
		d.ResolutionType = req.Type
		d.Resolution = strings.TrimSpace(req.Resolution)
		d.ResolvedBy = adminID
		d.ResolvedAt = &now
		if req.Type == ResolutionPartialRefund {
			d.RefundAmount = req.RefundAmount
			d.RefundTo = req.RefundTo
		}
		d.Status = StatusClosed

		metrics.DisputesTotal.WithLabelValues("resolved_" + string(req.Type)).Inc()
		extra := map[string]any{"resolutionType": string(req.Type), "contractStatus": string(cres.Contract.Status)}
		return []notify.Notification{
			s.note(d, d.ClientID, notify.EventDisputeResolved, extra),
			s.note(d, d.DoerID, notify.EventDisputeResolved, extra),
		}, nil
	})
	if err != nil {
		// A settlement that moved money stands even if the dispute write
		// failed; its notifications still go out.
		if cres != nil {
			s.dispatcher.Dispatch(ctx, cres.Notifications)
		}
		return nil, err
	}
	if cres != nil {
		res.Contract = cres.Contract
		res.Notifications = append(cres.Notifications, res.Notifications...)
	}
	s.dispatcher.Dispatch(ctx, res.Notifications)
	return res, nil
}

// matchesOutcome checks that req describes the state a contract reached
// after leaving disputed: in_progress for no_action, or a settled account
// whose released and refunded amounts equal the requested split.
func matchesOutcome(req ResolveRequest, c *contracts.Contract) error {
	mismatch := func(msg string) error {
		return &contracts.ConflictError{ContractID: c.ID, Status: c.Status,
			Msg: fmt.Sprintf("contract already left the dispute; %s does not match it: %s", req.Type, msg)}
	}
	if req.Type == ResolutionNoAction {
		if c.Status != contracts.StatusInProgress || c.Account.Status != escrow.PaymentHeld {
			return mismatch("no_action requires the contract back in progress with funds held")
		}
		return nil
	}
	split, err := SettlementFor(req, c.TotalPrice)
	if err != nil {
		return err
	}
	if !c.Account.Status.IsSettled() {
		return mismatch(fmt.Sprintf("payment is %s", c.Account.Status))
	}
	if c.Released != split.ToDoer || c.Refunded != split.ToClient {
		return mismatch(fmt.Sprintf("%s was released and %s refunded", c.Released, c.Refunded))
	}
	return nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByContract returns the dispute of a contract.
func (s *Service) GetByContract(ctx context.Context, contractID string) (*Dispute, error) {
	return s.store.GetByContract(ctx, contractID)
}

// ListByStatus returns disputes in a status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// mutate applies fn and dispatches the notifications once the dispute's
// lock is released.
func (s *Service) mutate(
	ctx context.Context,
	op, id string,
	fn func(ctx context.Context, d *Dispute, now time.Time) ([]notify.Notification, error),
) (*Result, error) {
	res, err := s.apply(ctx, op, id, fn)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, res.Notifications)
	return res, nil
}

// apply runs fn on a fresh copy of the dispute inside its critical section
// and stores the result. Notifications are returned undispatched.
func (s *Service) apply(
	ctx context.Context,
	op, id string,
	fn func(ctx context.Context, d *Dispute, now time.Time) ([]notify.Notification, error),
) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "disputes."+op, traces.DisputeID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := d.Status
	now := s.now()
	notes, err := fn(ctx, d, now)
	if err != nil {
		return nil, err
	}
	if d.Status == from && notes == nil {
		return &Result{Dispute: d}, nil
	}

	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			s.logger.Error("dispute write failed", "dispute_id", d.ID, "op", op, "error", err)
		}
		return nil, fmt.Errorf("failed to persist dispute: %w", err)
	}
	s.logger.Info("dispute transition", "dispute_id", d.ID, "op", op, "from", string(from), "to", string(d.Status))
	return &Result{Dispute: d, Notifications: notes}, nil
}

func (s *Service) note(d *Dispute, userID string, event notify.EventType, extra map[string]any) notify.Notification {
	payload := map[string]any{
		"disputeId":  d.ID,
		"contractId": d.ContractID,
		"status":     string(d.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return notify.Notification{
		UserID:  userID,
		Event:   event,
		Payload: payload,
		Key:     fmt.Sprintf("%s:%s:%s:v%d", d.ID, event, userID, d.Version),
	}
}

// othersOf notifies the parties other than authorID. seq keys the event.
func (s *Service) othersOf(d *Dispute, authorID string, event notify.EventType, extra map[string]any, seq int) []notify.Notification {
	var notes []notify.Notification
	for _, p := range []string{d.ClientID, d.DoerID} {
		if p == authorID {
			continue
		}
		n := s.note(d, p, event, extra)
		n.Key = fmt.Sprintf("%s:%s:%d:%s", d.ID, event, seq, p)
		notes = append(notes, n)
	}
	return notes
}
