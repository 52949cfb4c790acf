// Package idgen generates record identifiers.
//
// Record IDs are a short type prefix followed by the 32 hex digits of a
// UUIDv7, so they sort by creation time in B-tree indexes and stay within
// the path-parameter charset the API accepts.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the marketplace.
const (
	PrefixJob      = "job_"
	PrefixProposal = "prp_"
	PrefixContract = "ctr_"
	PrefixDispute  = "dsp_"
	PrefixMessage  = "msg_"
	PrefixEntry    = "ent_"
	PrefixEvent    = "evt_"
)

// New returns a random UUIDv4 string. Used for request IDs.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered random suffix.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the system random source does.
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
