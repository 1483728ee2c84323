package signwatch

import (
	"fmt"
)

// Decision is the validation outcome.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Result is one validation outcome with its context.
type Result struct {
	Decision Decision
	// Reason is set on denial.
	Reason string
	// Programs are the distinct program addresses the transaction invokes,
	// in first-appearance order.
	Programs []string
	// Instructions is the transaction's instruction count.
	Instructions int
}

// Allowed returns true if the decision permits signing.
func (r Result) Allowed() bool {
	return r.Decision == Allow
}

// BlockedError is returned when policy denies a transaction.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("signwatch blocked: %s", e.Reason)
}
