package contracts

import (
	"time"
)

// CompletionDueAt returns the moment completion becomes confirmable: the
// declared end date, or for a flexible contract the moment the doer
// completed every delivery. Nil means not yet known.
func (c *Contract) CompletionDueAt() *time.Time {
	if c.EndDate != nil {
		return c.EndDate
	}
	return c.ActualEndDate
}

// AllDeliveriesComplete reports whether every delivery is completed.
// A contract without deliveries never reports true.
func (c *Contract) AllDeliveriesComplete() bool {
	if len(c.Deliveries) == 0 {
		return false
	}
	for _, d := range c.Deliveries {
		if d.Status != DeliveryCompleted {
			return false
		}
	}
	return true
}

// HasConfirmed reports whether userID confirmed completion.
func (c *Contract) HasConfirmed(userID string) bool {
	_, ok := c.Confirmations[userID]
	return ok
}

// BothConfirmed reports whether client and doer have both confirmed.
func (c *Contract) BothConfirmed() bool {
	return c.HasConfirmed(c.ClientID) && c.HasConfirmed(c.DoerID)
}

// Unconfirmed returns the parties that have not confirmed, client first.
func (c *Contract) Unconfirmed() []string {
	var out []string
	for _, p := range c.Parties() {
		if !c.HasConfirmed(p) {
			out = append(out, p)
		}
	}
	return out
}

// checkConfirmable returns nil if a party may confirm completion at now.
func (c *Contract) checkConfirmable(now time.Time) error {
	switch c.Status {
	case StatusInProgress:
	case StatusDisputed:
		return conflict(c, "confirmation is frozen while a dispute is open")
	default:
		return conflict(c, "completion can only be confirmed while in_progress")
	}
	due := c.CompletionDueAt()
	if due == nil {
		return &ValidationError{Field: "confirmation", Msg: "deliveries are not all completed yet"}
	}
	if now.Before(*due) {
		return &ValidationError{Field: "confirmation", Msg: "the end date has not been reached"}
	}
	return nil
}

// confirm records userID's confirmation. It returns false when the party had
// already confirmed, which makes a repeated confirmation a no-op.
func (c *Contract) confirm(userID string, now time.Time, implicit bool) (bool, error) {
	if !c.IsParty(userID) {
		return false, ErrUnauthorized
	}
	if c.HasConfirmed(userID) {
		return false, nil
	}
	if c.Confirmations == nil {
		c.Confirmations = map[string]Confirmation{}
	}
	c.Confirmations[userID] = Confirmation{ConfirmedAt: now, Implicit: implicit}
	return true, nil
}

// resetConfirmation discards every confirmation and restarts reminders.
// Used when a dispute opens and when one is resolved with no action.
func (c *Contract) resetConfirmation() {
	c.Confirmations = map[string]Confirmation{}
	c.RemindersSent = 0
}

// AutoConfirmAt returns when the silent party is treated as having
// confirmed: grace after the later of the due time and the existing
// confirmation. Nil when auto-confirmation does not apply.
func (c *Contract) AutoConfirmAt(grace time.Duration) *time.Time {
	if c.Status != StatusInProgress || len(c.Confirmations) != 1 {
		return nil
	}
	due := c.CompletionDueAt()
	if due == nil {
		return nil
	}
	from := *due
	for _, cf := range c.Confirmations {
		if cf.ConfirmedAt.After(from) {
			from = cf.ConfirmedAt
		}
	}
	at := from.Add(grace)
	return &at
}

// ReminderStep returns how many reminder offsets have elapsed at now.
func (c *Contract) ReminderStep(now time.Time, offsets []time.Duration) int {
	due := c.CompletionDueAt()
	if due == nil {
		return 0
	}
	step := 0
	for _, off := range offsets {
		if now.Before(due.Add(off)) {
			break
		}
		step++
	}
	return step
}
