// Package memo is the policy for the SPL Memo program. Memo has no
// discriminator: the whole instruction payload is the memo text, so the
// single handler matches every payload, including an empty one.
package memo

import (
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

// ProgramID is the SPL Memo v2 program address.
var ProgramID = solana.MemoProgramID

const programName = "Memo"

// InstructionMemo is the only instruction type the program has.
const InstructionMemo = "Memo"

// Config declares the memo rule for this signer. A nil Rule denies every
// memo, matching the engine's unregistered-instruction behavior.
type Config struct {
	Rule      *Rule
	Required  policy.Requirement
	Validator policy.Validator
}

// Rule constrains the memo payload.
type Rule struct {
	Deny bool
	// MaxLength bounds the memo size in bytes.
	MaxLength *int
	// RequireUTF8 denies payloads that are not valid UTF-8, which the
	// on-chain program would reject anyway; denying here saves the fee.
	RequireUTF8 bool
	Callback    policy.Callback[Memo]
}

// Memo is the decoded instruction.
type Memo struct {
	Text []byte
}

// Env exposes the decoded fields to expression rules.
func (m Memo) Env() map[string]any {
	return map[string]any{
		"text":   string(m.Text),
		"length": len(m.Text),
	}
}

// New builds the Memo program policy.
func New(cfg Config) *policy.Table {
	return policy.NewTable(ProgramID, programName,
		policy.WithRequirement(cfg.Required),
		policy.WithValidator(cfg.Validator),
		policy.Handle(InstructionMemo, policy.Prefix(nil), decode, cfg.Rule.entry()),
	)
}

func (r *Rule) entry() *policy.Entry[Memo] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Memo]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	var cs []policy.Constraint[Memo]
	if r.MaxLength != nil {
		cs = append(cs, policy.MaxLen(programName, InstructionMemo, "text length", *r.MaxLength,
			func(m Memo) int { return len(m.Text) }))
	}
	if r.RequireUTF8 {
		cs = append(cs, utf8Constraint)
	}
	if len(cs) == 0 {
		return policy.Allowed[Memo]()
	}
	return policy.Constrained(cs...)
}

func utf8Constraint(m Memo) policy.Result {
	if !utf8.Valid(m.Text) {
		return policy.Denyf("%s: %s text is not valid UTF-8", programName, InstructionMemo)
	}
	return policy.Allow()
}

func decode(ins txview.Instruction) (Memo, error) {
	return Memo{Text: ins.Data}, nil
}
