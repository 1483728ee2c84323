package policy

import "github.com/ppiankov/signwatch/internal/txview"

// PassRule configures an instruction type that carries nothing worth
// constraining: once present in the policy it either passes through or is
// explicitly denied. A nil *PassRule is the implicit deny.
type PassRule struct {
	Deny bool
	// Callback, when set, still lets a caller attach custom logic; it
	// receives the raw instruction since there is no typed decoder.
	Callback Callback[txview.Instruction]
}

// PassEntry converts a PassRule into its protocol entry.
func PassEntry(r *PassRule) *Entry[txview.Instruction] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return Denied[txview.Instruction]()
	}
	if r.Callback != nil {
		return WithCallback(r.Callback)
	}
	return Allowed[txview.Instruction]()
}
