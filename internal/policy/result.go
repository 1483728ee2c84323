package policy

import "fmt"

// Result is the outcome of one policy check. It is a closed three-state
// value: allow, deny without a reason, or deny with a reason. Only allow
// lets evaluation continue; both deny states abort it.
type Result struct {
	allowed bool
	reason  string
}

// Allow returns a passing result.
func Allow() Result {
	return Result{allowed: true}
}

// Deny returns a generic denial with no reason attached.
func Deny() Result {
	return Result{}
}

// Denyf returns a denial carrying a formatted reason.
func Denyf(format string, args ...any) Result {
	return Result{reason: fmt.Sprintf(format, args...)}
}

// Allowed reports whether the check passed.
func (r Result) Allowed() bool { return r.allowed }

// Reason returns the denial reason, or "" for allow and generic deny.
func (r Result) Reason() string { return r.reason }

// genericDenialReason is used when a denial carries no reason of its own.
const genericDenialReason = "transaction denied by policy"

// DenialError is the typed rejection surfaced to callers for any non-allow
// result. It is an expected, user-triggering outcome, distinct from
// configuration and routing errors.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return "signwatch: " + e.Reason
}

// denialError converts a non-allow Result into a *DenialError.
func denialError(r Result) error {
	reason := r.Reason()
	if reason == "" {
		reason = genericDenialReason
	}
	return &DenialError{Reason: reason}
}

// RoutingError signals that an instruction was presented to a program policy
// whose program address does not match. This is an engine bug, not a policy
// denial, and is never converted into a DenialError.
type RoutingError struct {
	Index    int
	Expected string
	Got      string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("signwatch: routing error: instruction %d for program %s dispatched to policy for %s",
		e.Index, e.Got, e.Expected)
}
