// Package computebudget is the policy for the Compute Budget program. Its
// instructions are pure fee/limit knobs with a single-byte discriminator and
// a little-endian integer payload.
package computebudget

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

// ProgramID is the Compute Budget program address.
var ProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const programName = "ComputeBudget"

// Instruction type names.
const (
	InstructionRequestHeapFrame               = "RequestHeapFrame"
	InstructionSetComputeUnitLimit            = "SetComputeUnitLimit"
	InstructionSetComputeUnitPrice            = "SetComputeUnitPrice"
	InstructionSetLoadedAccountsDataSizeLimit = "SetLoadedAccountsDataSizeLimit"
)

// Config declares which Compute Budget instructions this signer may be
// asked to sign.
type Config struct {
	Instructions Instructions
	Required     policy.Requirement
	Validator    policy.Validator
}

// Instructions maps each instruction type to its rule.
type Instructions struct {
	RequestHeapFrame               *LimitRule
	SetComputeUnitLimit            *LimitRule
	SetComputeUnitPrice            *PriceRule
	SetLoadedAccountsDataSizeLimit *LimitRule
}

// Limit is a decoded u32 knob (heap frame size, unit limit, data size).
type Limit struct {
	Value uint32
}

// Env exposes the decoded fields to expression rules.
func (l Limit) Env() map[string]any {
	return map[string]any{"value": uint64(l.Value)}
}

// Price is the decoded compute unit price in micro-lamports.
type Price struct {
	MicroLamports uint64
}

// Env exposes the decoded fields to expression rules.
func (p Price) Env() map[string]any {
	return map[string]any{"micro_lamports": p.MicroLamports}
}

// LimitRule constrains a u32 knob.
type LimitRule struct {
	Deny     bool
	Max      *uint64
	Callback policy.Callback[Limit]
}

func (r *LimitRule) entry(instruction, field string) *policy.Entry[Limit] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Limit]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if r.Max != nil {
		return policy.Constrained(policy.MaxU64(programName, instruction, field, *r.Max,
			func(l Limit) uint64 { return uint64(l.Value) }))
	}
	return policy.Allowed[Limit]()
}

// PriceRule constrains the compute unit price. An unbounded price lets a
// compromised caller burn the fee payer's balance through priority fees, so
// most policies will want Max set.
type PriceRule struct {
	Deny     bool
	Max      *uint64
	Callback policy.Callback[Price]
}

func (r *PriceRule) entry() *policy.Entry[Price] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Price]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if r.Max != nil {
		return policy.Constrained(policy.MaxU64(programName, InstructionSetComputeUnitPrice,
			"price", *r.Max, func(p Price) uint64 { return p.MicroLamports }))
	}
	return policy.Allowed[Price]()
}

// New builds the Compute Budget program policy.
func New(cfg Config) *policy.Table {
	return policy.NewTable(ProgramID, programName,
		policy.WithRequirement(cfg.Required),
		policy.WithValidator(cfg.Validator),
		policy.Handle(InstructionRequestHeapFrame, opcode(1), decodeLimit,
			cfg.Instructions.RequestHeapFrame.entry(InstructionRequestHeapFrame, "bytes")),
		policy.Handle(InstructionSetComputeUnitLimit, opcode(2), decodeLimit,
			cfg.Instructions.SetComputeUnitLimit.entry(InstructionSetComputeUnitLimit, "units")),
		policy.Handle(InstructionSetComputeUnitPrice, opcode(3), decodePrice,
			cfg.Instructions.SetComputeUnitPrice.entry()),
		policy.Handle(InstructionSetLoadedAccountsDataSizeLimit, opcode(4), decodeLimit,
			cfg.Instructions.SetLoadedAccountsDataSizeLimit.entry(InstructionSetLoadedAccountsDataSizeLimit, "bytes")),
	)
}

func opcode(n byte) policy.Discriminator { return policy.Prefix([]byte{n}) }

func decodeLimit(ins txview.Instruction) (Limit, error) {
	v, err := bin.NewBinDecoder(ins.Data[1:]).ReadUint32(bin.LE)
	if err != nil {
		return Limit{}, fmt.Errorf("value: %w", err)
	}
	return Limit{Value: v}, nil
}

func decodePrice(ins txview.Instruction) (Price, error) {
	v, err := bin.NewBinDecoder(ins.Data[1:]).ReadUint64(bin.LE)
	if err != nil {
		return Price{}, fmt.Errorf("price: %w", err)
	}
	return Price{MicroLamports: v}, nil
}
