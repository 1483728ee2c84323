// Package custom builds policies for programs the built-in packages do not
// model. Each instruction is identified by a configured discriminator
// (commonly the 8-byte Anchor method hash, but any length works) and
// evaluated without a typed decoder: constraints and callbacks see the raw
// instruction.
package custom

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

// Config declares a policy for one custom program.
type Config struct {
	// Program is the on-chain address the policy binds to.
	Program solana.PublicKey
	// Name labels the program in denial reasons. Defaults to the address.
	Name string
	// Instructions are the recognized instruction types, checked in order.
	Instructions []InstructionConfig
	Required     policy.Requirement
	Validator    policy.Validator
}

// InstructionConfig is one recognized instruction of a custom program.
type InstructionConfig struct {
	// Name labels the instruction in denial reasons.
	Name string
	// Discriminator identifies the instruction in the payload.
	Discriminator policy.Discriminator
	// Rule decides the outcome once identified; nil is an implicit deny.
	Rule *policy.PassRule
	// MaxDataLen, when non-nil, bounds the raw payload size.
	MaxDataLen *int
	// WritableSigner, when true, requires the signer to appear writable in
	// the instruction's account list. Programs that drain accounts need
	// the signer writable; requiring it surfaces unexpected write access.
	WritableSigner bool
}

// New builds the policy table for a custom program.
func New(cfg Config) (*policy.Table, error) {
	if cfg.Program.IsZero() {
		return nil, fmt.Errorf("custom program policy requires a program address")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Program.String()
	}
	opts := []policy.TableOption{
		policy.WithRequirement(cfg.Required),
		policy.WithValidator(cfg.Validator),
	}
	for _, ic := range cfg.Instructions {
		if ic.Name == "" {
			return nil, fmt.Errorf("custom program %s: instruction with empty name", name)
		}
		opts = append(opts, policy.Handle(ic.Name, ic.Discriminator, rawDecode, ic.entry(name)))
	}
	return policy.NewTable(cfg.Program, name, opts...), nil
}

func (ic InstructionConfig) entry(program string) *policy.Entry[txview.Instruction] {
	if ic.Rule == nil {
		return nil
	}
	if ic.Rule.Deny {
		return policy.Denied[txview.Instruction]()
	}
	if ic.Rule.Callback != nil {
		return policy.WithCallback(ic.Rule.Callback)
	}
	var cs []policy.Constraint[txview.Instruction]
	if ic.MaxDataLen != nil {
		cs = append(cs, policy.MaxLen(program, ic.Name, "data length", *ic.MaxDataLen,
			func(ins txview.Instruction) int { return len(ins.Data) }))
	}
	if ic.WritableSigner {
		name := ic.Name
		cs = append(cs, func(ins txview.Instruction) policy.Result {
			for _, acct := range ins.Accounts {
				if acct.Signer && acct.Writable {
					return policy.Allow()
				}
			}
			return policy.Denyf("%s: %s has no writable signer account", program, name)
		})
	}
	if len(cs) == 0 {
		return policy.Allowed[txview.Instruction]()
	}
	return policy.Constrained(cs...)
}

func rawDecode(ins txview.Instruction) (txview.Instruction, error) {
	return ins, nil
}
