package policy

import (
	"github.com/gagliardetto/solana-go"
)

// Shared declarative constraint evaluators. Each checks exactly one concern
// and produces a reason naming the program, instruction, field, offending
// value, and the configured limit or allowlist.

// MaxU64 enforces an inclusive ceiling on a numeric field. A value equal to
// the ceiling passes; ceiling+1 is denied.
func MaxU64[T any](program, instruction, field string, limit uint64, get func(T) uint64) Constraint[T] {
	return func(ins T) Result {
		v := get(ins)
		if v > limit {
			return Denyf("%s: %s %s %d exceeds limit %d", program, instruction, field, v, limit)
		}
		return Allow()
	}
}

// MaxLen enforces an inclusive ceiling on a byte-length field.
func MaxLen[T any](program, instruction, field string, limit int, get func(T) int) Constraint[T] {
	return func(ins T) Result {
		v := get(ins)
		if v > limit {
			return Denyf("%s: %s %s %d exceeds limit %d", program, instruction, field, v, limit)
		}
		return Allow()
	}
}

// AddressInSet enforces allowlist membership for an address field. An empty
// allowlist places no restriction: only a non-empty, non-matching list
// denies. Callers relying on the degenerate-empty behavior get a pass, not
// a deny, and that must stay that way.
func AddressInSet[T any](program, instruction, field string, allow []solana.PublicKey, get func(T) solana.PublicKey) Constraint[T] {
	return func(ins T) Result {
		if len(allow) == 0 {
			return Allow()
		}
		v := get(ins)
		for _, a := range allow {
			if a.Equals(v) {
				return Allow()
			}
		}
		return Denyf("%s: %s %s %s not in allowlist", program, instruction, field, v)
	}
}

// containsAddress reports allowlist membership with the same degenerate-
// empty semantics as AddressInSet.
func containsAddress(allow []solana.PublicKey, v solana.PublicKey) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a.Equals(v) {
			return true
		}
	}
	return false
}
