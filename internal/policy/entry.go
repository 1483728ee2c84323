package policy

import "context"

// Callback is caller-supplied logic attached to one instruction type. It
// receives the validation context and the decoded instruction and may
// perform I/O; the engine awaits it before moving to the next instruction.
type Callback[T any] func(ctx context.Context, vc *Context, ins T) Result

// Constraint is one declarative check over a decoded instruction: a pure
// function of the configured limit or allowlist and the decoded fields.
type Constraint[T any] func(ins T) Result

// Validator is a program-level hook consulted after an instruction's own
// entry has passed. It receives the instruction type name and the decoded
// instruction as an untyped value.
type Validator func(ctx context.Context, vc *Context, instruction string, decoded any) Result

type entryKind int

const (
	entryDenied entryKind = iota + 1
	entryAllowed
	entryConstraints
	entryCallback
)

// Entry is the per-instruction-type policy unit: a closed value that is
// either an explicit deny, an unconditional allow, a fixed-order list of
// declarative constraints, or a custom callback. Absence of an entry (the
// fifth variant, implicit deny) is represented by a nil *Entry.
type Entry[T any] struct {
	kind        entryKind
	constraints []Constraint[T]
	callback    Callback[T]
}

// Denied is the explicit-deny entry.
func Denied[T any]() *Entry[T] {
	return &Entry[T]{kind: entryDenied}
}

// Allowed is the allow-all entry: no constraints are evaluated.
func Allowed[T any]() *Entry[T] {
	return &Entry[T]{kind: entryAllowed}
}

// Constrained is the declarative entry. Constraints run in the order given;
// the first failure wins.
func Constrained[T any](cs ...Constraint[T]) *Entry[T] {
	return &Entry[T]{kind: entryConstraints, constraints: cs}
}

// WithCallback is the custom-callback entry.
func WithCallback[T any](cb Callback[T]) *Entry[T] {
	return &Entry[T]{kind: entryCallback, callback: cb}
}

// evaluateEntry runs the per-instruction protocol for one decoded
// instruction. The order is fixed and security-sensitive:
//
//  1. nil entry            -> deny "<name> instruction not allowed"
//  2. explicit deny        -> deny "<name> instruction explicitly denied"
//  3. allow-all            -> allow, then program validator if configured
//  4. declarative          -> constraints in order, first failure wins,
//     then program validator
//  5. callback             -> callback result, then program validator
//
// decode is invoked lazily: paths 1-3 never decode unless the program
// validator needs the decoded value.
func evaluateEntry[T any](
	ctx context.Context,
	vc *Context,
	program, name string,
	e *Entry[T],
	decode func() (T, error),
	validator Validator,
) (Result, error) {
	if e == nil {
		return Denyf("%s: %s instruction not allowed", program, name), nil
	}

	switch e.kind {
	case entryDenied:
		return Denyf("%s: %s instruction explicitly denied", program, name), nil

	case entryAllowed:
		if validator == nil {
			return Allow(), nil
		}
		decoded, err := decode()
		if err != nil {
			return Denyf("%s: failed to decode %s instruction: %v", program, name, err), nil
		}
		return validator(ctx, vc, name, decoded), nil

	case entryConstraints:
		decoded, err := decode()
		if err != nil {
			return Denyf("%s: failed to decode %s instruction: %v", program, name, err), nil
		}
		for _, check := range e.constraints {
			if r := check(decoded); !r.Allowed() {
				return r, nil
			}
		}
		if validator != nil {
			return validator(ctx, vc, name, decoded), nil
		}
		return Allow(), nil

	case entryCallback:
		decoded, err := decode()
		if err != nil {
			return Denyf("%s: failed to decode %s instruction: %v", program, name, err), nil
		}
		if r := e.callback(ctx, vc, decoded); !r.Allowed() {
			return r, nil
		}
		if validator != nil {
			return validator(ctx, vc, name, decoded), nil
		}
		return Allow(), nil

	default:
		// Unknown variants default to deny.
		return Denyf("%s: %s instruction not allowed", program, name), nil
	}
}
