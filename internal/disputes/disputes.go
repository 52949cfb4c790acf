// Package disputes implements the contested-outcome workflow for contracts.
//
// Flow:
//  1. A party opens a dispute on an in-progress contract → open, and the
//     contract becomes disputed (confirmations are discarded)
//  2. An admin takes the case → under_review
//  3. Both parties and the admin add evidence and messages (append-only)
//  4. The admin resolves it: the escrow is settled (or left held for
//     no_action) and the dispute moves resolved → closed
//
// A contract can have at most one dispute, ever. The store enforces this
// with a unique constraint on contract_id.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/taskhold/internal/contracts"
	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDisputeExists   = errors.New("contract already has a dispute")
	ErrDisputeClosed   = errors.New("dispute no longer accepts evidence or messages")
	ErrUnauthorized    = errors.New("not authorized for this dispute")
	ErrVersionConflict = errors.New("dispute was modified concurrently")
)

// Status is the dispute state. Values are stored as-is.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// AcceptsInput reports whether evidence and messages may still be added.
func (s Status) AcceptsInput() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Reason is the closed set of dispute reasons.
type Reason string

const (
	ReasonWorkNotDelivered Reason = "work_not_delivered"
	ReasonPoorQuality      Reason = "poor_quality"
	ReasonNotAsDescribed   Reason = "not_as_described"
	ReasonPaymentIssue     Reason = "payment_issue"
	ReasonUnresponsive     Reason = "unresponsive"
	ReasonOther            Reason = "other"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonWorkNotDelivered, ReasonPoorQuality, ReasonNotAsDescribed,
		ReasonPaymentIssue, ReasonUnresponsive, ReasonOther:
		return true
	}
	return false
}

// ResolutionType is the admin's decision.
type ResolutionType string

const (
	ResolutionFullRelease   ResolutionType = "full_release"
	ResolutionFullRefund    ResolutionType = "full_refund"
	ResolutionPartialRefund ResolutionType = "partial_refund"
	ResolutionNoAction      ResolutionType = "no_action"
)

// RefundTo names who receives RefundAmount in a partial refund.
type RefundTo string

const (
	RefundToClient RefundTo = "client"
	RefundToDoer   RefundTo = "doer"
	RefundToSplit  RefundTo = "split"
)

// Role is an author's relation to the dispute.
type Role string

const (
	RoleClient Role = "client"
	RoleDoer   Role = "doer"
	RoleAdmin  Role = "admin"
)

// Author identifies who adds evidence or a message.
type Author struct {
	ID      string
	IsAdmin bool
}

// Evidence is one submitted item.
type Evidence struct {
	Type        string    `json:"type"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Message is one entry of the append-only dispute conversation.
type Message struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorRole Role      `json:"authorRole"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Dispute is the contested-outcome record of one contract.
type Dispute struct {
	ID          string `json:"id"`
	ContractID  string `json:"contractId"`
	ClientID    string `json:"clientId"`
	DoerID      string `json:"doerId"`
	InitiatedBy string `json:"initiatedBy"`
	Respondent  string `json:"respondent"`

	Reason      Reason     `json:"reason"`
	Description string     `json:"description"`
	Evidence    []Evidence `json:"evidence"`
	Messages    []Message  `json:"messages"`

	Status     Status `json:"status"`
	AssignedTo string `json:"assignedTo,omitempty"`

	ResolutionType ResolutionType `json:"resolutionType,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
	ResolvedBy     string         `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	RefundAmount   money.Amount   `json:"refundAmount"`
	RefundTo       RefundTo       `json:"refundTo,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	cp.Messages = append([]Message(nil), d.Messages...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// IsParty reports whether userID is the contract's client or doer.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.ClientID || userID == d.DoerID)
}

// RoleOf returns the author's role, or "" if the author may not take part.
func (d *Dispute) RoleOf(a Author) Role {
	switch {
	case a.IsAdmin:
		return RoleAdmin
	case a.ID == d.ClientID:
		return RoleClient
	case a.ID == d.DoerID:
		return RoleDoer
	}
	return ""
}

// Store persists disputes. Create fails with ErrDisputeExists when the
// contract already has a dispute. AppendEvidence and AppendMessage only
// succeed while the dispute accepts input and fail with ErrDisputeClosed
// otherwise. Update is a compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByContract(ctx context.Context, contractID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	AppendEvidence(ctx context.Context, id string, ev Evidence) error
	AppendMessage(ctx context.Context, id string, msg Message) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Contracts is the contract lifecycle surface disputes drive.
type Contracts interface {
	Get(ctx context.Context, id string) (*contracts.Contract, error)
	EnterDispute(ctx context.Context, id, initiatorID string,
		open func(ctx context.Context, c *contracts.Contract) (func(context.Context) error, error)) (*contracts.Result, error)
	SettleDispute(ctx context.Context, id string, split escrow.Split, resolvedBy string) (*contracts.Result, error)
	ReturnFromDispute(ctx context.Context, id string) (*contracts.Result, error)
}

// SettlementFor computes the escrow split for a resolution over total.
// It returns a ValidationError for an inconsistent partial refund.
func SettlementFor(req ResolveRequest, total money.Amount) (escrow.Split, error) {
	switch req.Type {
	case ResolutionFullRelease:
		return escrow.FullRelease(total), nil
	case ResolutionFullRefund:
		return escrow.FullRefund(total), nil
	case ResolutionPartialRefund:
	default:
		return escrow.Split{}, &contracts.ValidationError{Field: "resolutionType", Msg: fmt.Sprintf("%q has no settlement", req.Type)}
	}

	if req.RefundAmount <= 0 {
		return escrow.Split{}, &contracts.ValidationError{Field: "refundAmount", Msg: "must be positive for a partial refund"}
	}
	switch req.RefundTo {
	case RefundToClient, RefundToDoer:
		if req.RefundAmount >= total {
			return escrow.Split{}, &contracts.ValidationError{Field: "refundAmount",
				Msg: fmt.Sprintf("must be below the contract total %s; use full_refund or full_release to move all of it", total)}
		}
		rest := total - req.RefundAmount
		if req.RefundTo == RefundToClient {
			return escrow.Split{ToClient: req.RefundAmount, ToDoer: rest}, nil
		}
		return escrow.Split{ToDoer: req.RefundAmount, ToClient: rest}, nil
	case RefundToSplit:
		// Both parts are explicit; contracts.SettleDispute rejects a
		// split that does not sum to the total.
		if req.ReleaseAmount <= 0 {
			return escrow.Split{}, &contracts.ValidationError{Field: "releaseAmount",
				Msg: "must be positive for a split; use full_refund to refund all of it"}
		}
		return escrow.Split{ToClient: req.RefundAmount, ToDoer: req.ReleaseAmount}, nil
	}
	return escrow.Split{}, &contracts.ValidationError{Field: "refundTo", Msg: "must be client, doer or split"}
}
