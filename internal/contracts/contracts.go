// Package contracts implements the contract lifecycle between a client and
// a doer.
//
// Flow:
//  1. Create → pending
//  2. Both parties accept terms → escrow captures TotalPrice → accepted
//  3. Start date reached or first delivery activity → in_progress
//  4. Both parties confirm completion (or one confirms and the other stays
//     silent past the grace window) → funds released → completed
//  5. A dispute freezes confirmation; resolution settles the escrow and
//     moves the contract to completed or cancelled, or back to in_progress
//
// Cancellation (manual or by expiry) refunds held funds first.
package contracts

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/money"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/quota"
	"github.com/mbd888/taskhold/internal/retry"
	"github.com/mbd888/taskhold/internal/syncutil"
)

// Status represents the lifecycle state of a contract. Values are stored as-is.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// IsTerminal returns true if the contract can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// DeliveryStatus is the progress of one sub-deliverable.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryCompleted  DeliveryStatus = "completed"
)

func (d DeliveryStatus) rank() int {
	switch d {
	case DeliveryPending:
		return 0
	case DeliveryInProgress:
		return 1
	case DeliveryCompleted:
		return 2
	}
	return -1
}

// Delivery is an ordered sub-deliverable owned by its contract.
type Delivery struct {
	Title     string         `json:"title"`
	Status    DeliveryStatus `json:"status"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// Confirmation is one participant's completion signal.
type Confirmation struct {
	ConfirmedAt time.Time `json:"confirmedAt"`
	Implicit    bool      `json:"implicit"` // applied by the auto-confirm sweep
}

// Contract binds a client and a doer to a job at a price.
type Contract struct {
	ID       string `json:"id"`
	JobID    string `json:"jobId"`
	ClientID string `json:"clientId"`
	DoerID   string `json:"doerId"`

	Price      money.Amount `json:"price"`
	Commission money.Amount `json:"commission"`
	TotalPrice money.Amount `json:"totalPrice"`

	Status                Status `json:"status"`
	TermsAcceptedByClient bool   `json:"termsAcceptedByClient"`
	TermsAcceptedByDoer   bool   `json:"termsAcceptedByDoer"`

	StartDate       time.Time  `json:"startDate"`
	EndDate         *time.Time `json:"endDate,omitempty"` // nil = flexible end date
	ActualStartDate *time.Time `json:"actualStartDate,omitempty"`
	ActualEndDate   *time.Time `json:"actualEndDate,omitempty"`

	Deliveries []Delivery `json:"deliveries"`

	escrow.Account

	CancellationReason string `json:"cancellationReason,omitempty"`
	CancelledBy        string `json:"cancelledBy,omitempty"`

	Confirmations map[string]Confirmation `json:"confirmations"`
	RemindersSent int                     `json:"remindersSent"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (c *Contract) Clone() *Contract {
	cp := *c
	if c.Deliveries != nil {
		cp.Deliveries = make([]Delivery, len(c.Deliveries))
		copy(cp.Deliveries, c.Deliveries)
	}
	if c.Confirmations != nil {
		cp.Confirmations = make(map[string]Confirmation, len(c.Confirmations))
		for k, v := range c.Confirmations {
			cp.Confirmations[k] = v
		}
	}
	return &cp
}

// IsParty reports whether userID is the client or the doer.
func (c *Contract) IsParty(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.DoerID)
}

// Counterparty returns the other participant, or "" if userID is not one.
func (c *Contract) Counterparty(userID string) string {
	switch userID {
	case c.ClientID:
		return c.DoerID
	case c.DoerID:
		return c.ClientID
	}
	return ""
}

// Parties returns the client and the doer.
func (c *Contract) Parties() []string {
	return []string{c.ClientID, c.DoerID}
}

// IsFlexible reports whether the contract has no declared end date.
func (c *Contract) IsFlexible() bool {
	return c.EndDate == nil
}

// NewContractParams are the inputs of NewContract.
type NewContractParams struct {
	ID         string
	JobID      string
	ClientID   string
	DoerID     string
	Price      money.Amount
	Commission money.Amount
	StartDate  time.Time
	EndDate    *time.Time
	Deliveries []string
	Now        time.Time
}

// NewContract builds a pending contract and derives TotalPrice.
func NewContract(p NewContractParams) (*Contract, error) {
	switch {
	case p.JobID == "":
		return nil, &ValidationError{Field: "jobId", Msg: "is required"}
	case p.ClientID == "" || p.DoerID == "":
		return nil, &ValidationError{Field: "parties", Msg: "client and doer are required"}
	case p.ClientID == p.DoerID:
		return nil, &ValidationError{Field: "doerId", Msg: "client and doer must differ"}
	case p.StartDate.IsZero():
		return nil, &ValidationError{Field: "startDate", Msg: "is required"}
	case p.EndDate != nil && !p.EndDate.After(p.StartDate):
		return nil, &ValidationError{Field: "endDate", Msg: "must be after startDate"}
	case p.EndDate == nil && len(p.Deliveries) == 0:
		return nil, &ValidationError{Field: "deliveries", Msg: "a flexible end date needs at least one delivery"}
	}

	id := p.ID
	if id == "" {
		id = idgen.WithPrefix(idgen.PrefixContract)
	}
	c := &Contract{
		ID:            id,
		JobID:         p.JobID,
		ClientID:      p.ClientID,
		DoerID:        p.DoerID,
		Status:        StatusPending,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		Account:       escrow.NewAccount(),
		Confirmations: map[string]Confirmation{},
		CreatedAt:     p.Now,
		UpdatedAt:     p.Now,
	}
	for _, title := range p.Deliveries {
		c.Deliveries = append(c.Deliveries, Delivery{Title: title, Status: DeliveryPending})
	}
	if err := c.SetTerms(p.Price, p.Commission); err != nil {
		return nil, err
	}
	return c, nil
}

// SetTerms changes price and commission and recomputes TotalPrice. Terms can
// only change while pending; any earlier acceptance is withdrawn.
func (c *Contract) SetTerms(price, commission money.Amount) error {
	if c.Status != StatusPending {
		return &ConflictError{ContractID: c.ID, Status: c.Status, Msg: "terms can only change while pending"}
	}
	if price <= 0 {
		return &ValidationError{Field: "price", Msg: "must be positive"}
	}
	if commission < 0 {
		return &ValidationError{Field: "commission", Msg: "must not be negative"}
	}
	c.Price = price
	c.Commission = commission
	c.TotalPrice = price + commission
	c.TermsAcceptedByClient = false
	c.TermsAcceptedByDoer = false
	return nil
}

// Store persists contracts. Update is a compare-and-swap on Version: it
// fails with ErrVersionConflict if the stored version differs, and bumps
// c.Version on success.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Update(ctx context.Context, c *Contract) error
	ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error)
	ListByJob(ctx context.Context, jobID string) ([]*Contract, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error)
	// ListStartDue returns accepted contracts whose StartDate is at or before now.
	ListStartDue(ctx context.Context, now time.Time, limit int) ([]*Contract, error)
	// ListAutoConfirmDue returns in_progress contracts with exactly one
	// confirmation where both the completion due time and that confirmation
	// are at or before cutoff. Results are ordered by ID, starting after afterID.
	ListAutoConfirmDue(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]*Contract, error)
	// ListReminderDue returns in_progress contracts with a missing
	// confirmation whose next reminder offset has elapsed at now. Results are
	// ordered by ID, starting after afterID.
	ListReminderDue(ctx context.Context, now time.Time, offsets []time.Duration, afterID string, limit int) ([]*Contract, error)
}

// Ledger is the escrow surface the lifecycle drives.
type Ledger interface {
	Hold(ctx context.Context, acct *escrow.Account, contractID string, amount money.Amount) error
	Void(ctx context.Context, contractID, clientID string, amount money.Amount) error
	Settle(ctx context.Context, acct *escrow.Account, contractID string, split escrow.Split, doerID, clientID string) ([]*escrow.Entry, error)
	Recorded(ctx context.Context, contractID string) (escrow.Split, error)
}

// Quota limits how many contracts a client can open per month.
type Quota interface {
	Consume(ctx context.Context, userID string, kind quota.Kind) error
	Release(ctx context.Context, userID string, kind quota.Kind) error
}

// Policy holds the configurable confirmation windows.
type Policy struct {
	// AutoConfirmGrace is how long the silent party has after completion is
	// due (or after the other party confirmed, if later) before an implicit
	// confirmation is applied.
	AutoConfirmGrace time.Duration
	// ReminderOffsets are measured from the moment completion is due.
	ReminderOffsets []time.Duration
}

// Result is what every lifecycle operation returns: the contract after the
// operation and the notifications that were dispatched for it.
type Result struct {
	Contract      *Contract             `json:"contract"`
	Notifications []notify.Notification `json:"notifications"`
}

// Service implements contract lifecycle business logic.
type Service struct {
	store      Store
	ledger     Ledger
	dispatcher *notify.Dispatcher
	quota      Quota
	policy     Policy
	locks      *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
	persist    retry.Policy
}

// NewService creates a new contract service.
func NewService(store Store, ledger Ledger, dispatcher *notify.Dispatcher, policy Policy) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		dispatcher: dispatcher,
		policy:     policy,
		locks:      syncutil.NewKeyedMutex(),
		logger:     slog.Default(),
		now:        time.Now,
		persist:    retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond},
	}
}

// WithQuota enables the monthly contract allowance.
func (s *Service) WithQuota(q Quota) *Service {
	s.quota = q
	return s
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

// Policy returns the configured confirmation windows.
func (s *Service) Policy() Policy {
	return s.policy
}
