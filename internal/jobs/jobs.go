// Package jobs is the catalog of posted jobs and the proposals doers submit
// for them. The scheduler reads it to auto-select workers and to expire or
// suspend jobs that reach their start date unresolved.
package jobs

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mbd888/taskhold/internal/money"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotOpen      = errors.New("job is not open")
	ErrInvalidJob      = errors.New("invalid job")
	ErrDuplicateWorker = errors.New("doer already proposed for this job")
)

// Status of a job. Values are stored as-is.
type Status string

const (
	StatusOpen           Status = "open"            // accepting proposals
	StatusWorkerSelected Status = "worker_selected" // a contract was created from a proposal
	StatusContracted     Status = "contracted"      // the contract was accepted; the job left the catalog
	StatusExpired        Status = "expired"         // start passed without an accepted contract
	StatusSuspended      Status = "suspended"       // flexible end date, unresolved near start
)

// IsTerminal returns true if no further selection can happen.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusSuspended || s == StatusContracted
}

// Job is a posted unit of work.
type Job struct {
	ID                 string       `json:"id"`
	ClientID           string       `json:"clientId"`
	Title              string       `json:"title"`
	Budget             money.Amount `json:"budget"`
	CommissionBps      int64        `json:"commissionBps"` // platform commission in basis points
	StartDate          time.Time    `json:"startDate"`
	EndDate            *time.Time   `json:"endDate,omitempty"` // nil = flexible end date
	DeliveryCount      int          `json:"deliveryCount"`
	Status             Status       `json:"status"`
	SelectedProposalID string       `json:"selectedProposalId,omitempty"`
	SelectedDoerID     string       `json:"selectedDoerId,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// IsFlexible reports whether the job has no declared end date.
func (j *Job) IsFlexible() bool {
	return j.EndDate == nil
}

// CommissionFor returns the platform commission on price, rounded down.
func (j *Job) CommissionFor(price money.Amount) money.Amount {
	return money.Amount(int64(price) * j.CommissionBps / 10000)
}

// ProposalStatus of a doer's bid.
type ProposalStatus string

const (
	ProposalSubmitted ProposalStatus = "submitted"
	ProposalSelected  ProposalStatus = "selected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

// Proposal is a doer's bid on a job.
type Proposal struct {
	ID          string         `json:"id"`
	JobID       string         `json:"jobId"`
	DoerID      string         `json:"doerId"`
	Price       money.Amount   `json:"price"`
	Status      ProposalStatus `json:"status"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// Catalog is the job store the scheduler works against.
type Catalog interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	AddProposal(ctx context.Context, p *Proposal) error
	Proposals(ctx context.Context, jobID string) ([]*Proposal, error)

	// ListAwaitingSelection returns open jobs starting at or before startBefore
	// that have at least one submitted proposal.
	ListAwaitingSelection(ctx context.Context, startBefore time.Time, limit int) ([]*Job, error)
	// MarkWorkerSelected moves an open job to worker_selected. It returns
	// ErrJobNotOpen if another caller got there first.
	MarkWorkerSelected(ctx context.Context, jobID, proposalID, doerID string) error
	// RevertSelection reopens a job whose contract could not be created.
	RevertSelection(ctx context.Context, jobID, proposalID string) error

	// ListExpired returns open or worker_selected jobs whose start is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	MarkExpired(ctx context.Context, jobID string) error
	// MarkContracted retires an open or worker_selected job whose contract
	// went ahead.
	MarkContracted(ctx context.Context, jobID string) error

	// ListFlexibleNearStart returns open flexible jobs starting at or before
	// startBefore with no submitted proposals left to select from.
	ListFlexibleNearStart(ctx context.Context, startBefore time.Time, limit int) ([]*Job, error)
	MarkSuspended(ctx context.Context, jobID string) error
}

// PickProposal chooses the auto-selected proposal: the earliest submitted,
// ties broken by ID. Returns nil if none are eligible.
func PickProposal(proposals []*Proposal) *Proposal {
	var eligible []*Proposal
	for _, p := range proposals {
		if p.Status == ProposalSubmitted {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].SubmittedAt.Equal(eligible[j].SubmittedAt) {
			return eligible[i].SubmittedAt.Before(eligible[j].SubmittedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}

// Validate checks a new job.
func (j *Job) Validate() error {
	switch {
	case j.ClientID == "":
		return errors.Join(ErrInvalidJob, errors.New("clientId is required"))
	case j.Budget <= 0:
		return errors.Join(ErrInvalidJob, errors.New("budget must be positive"))
	case j.CommissionBps < 0 || j.CommissionBps > 10000:
		return errors.Join(ErrInvalidJob, errors.New("commissionBps must be within 0..10000"))
	case j.StartDate.IsZero():
		return errors.Join(ErrInvalidJob, errors.New("startDate is required"))
	case j.EndDate != nil && !j.EndDate.After(j.StartDate):
		return errors.Join(ErrInvalidJob, errors.New("endDate must be after startDate"))
	case j.DeliveryCount < 0:
		return errors.Join(ErrInvalidJob, errors.New("deliveryCount must not be negative"))
	}
	return nil
}
