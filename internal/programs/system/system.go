// Package system is the policy for the native System program: lamport
// transfers, account creation, allocation, assignment, and nonce
// management. Discriminators are 4-byte little-endian bincode tags.
package system

import (
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

// ProgramID is the System program address.
var ProgramID = solana.SystemProgramID

const programName = "System"

// Instruction type names, as used in required-instruction sets and reasons.
const (
	InstructionCreateAccount         = "CreateAccount"
	InstructionAssign                = "Assign"
	InstructionTransfer              = "Transfer"
	InstructionCreateAccountWithSeed = "CreateAccountWithSeed"
	InstructionAdvanceNonceAccount   = "AdvanceNonceAccount"
	InstructionWithdrawNonceAccount  = "WithdrawNonceAccount"
	InstructionAllocate              = "Allocate"
	InstructionTransferWithSeed      = "TransferWithSeed"
)

// Config declares which System instructions this signer may be asked to
// sign. A nil rule is an implicit deny for that instruction type.
type Config struct {
	Instructions Instructions
	Required     policy.Requirement
	Validator    policy.Validator
}

// Instructions maps each supported instruction type to its rule.
type Instructions struct {
	CreateAccount         *CreateAccountRule
	Assign                *AssignRule
	Transfer              *TransferRule
	CreateAccountWithSeed *CreateAccountRule
	AdvanceNonceAccount   *policy.PassRule
	WithdrawNonceAccount  *TransferRule
	Allocate              *AllocateRule
	TransferWithSeed      *TransferRule
}

// New builds the System program policy.
func New(cfg Config) *policy.Table {
	return policy.NewTable(ProgramID, programName,
		policy.WithRequirement(cfg.Required),
		policy.WithValidator(cfg.Validator),
		policy.Handle(InstructionCreateAccount, disc(0), decodeCreateAccount,
			cfg.Instructions.CreateAccount.entry(InstructionCreateAccount)),
		policy.Handle(InstructionAssign, disc(1), decodeAssign,
			cfg.Instructions.Assign.entry()),
		policy.Handle(InstructionTransfer, disc(2), decodeTransfer,
			cfg.Instructions.Transfer.entry(InstructionTransfer)),
		policy.Handle(InstructionCreateAccountWithSeed, disc(3), decodeCreateAccountWithSeed,
			cfg.Instructions.CreateAccountWithSeed.entry(InstructionCreateAccountWithSeed)),
		policy.Passthrough(InstructionAdvanceNonceAccount, exactDisc(4),
			policy.PassEntry(cfg.Instructions.AdvanceNonceAccount)),
		policy.Handle(InstructionWithdrawNonceAccount, disc(5), decodeWithdrawNonce,
			cfg.Instructions.WithdrawNonceAccount.entry(InstructionWithdrawNonceAccount)),
		policy.Handle(InstructionAllocate, disc(8), decodeAllocate,
			cfg.Instructions.Allocate.entry()),
		policy.Handle(InstructionTransferWithSeed, disc(11), decodeTransferWithSeed,
			cfg.Instructions.TransferWithSeed.entry(InstructionTransferWithSeed)),
	)
}

// disc is a 4-byte little-endian bincode tag, prefix-matched so the payload
// after the tag is ignored during identification.
func disc(n uint32) policy.Discriminator {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return policy.Prefix(b)
}

// exactDisc is for instructions with no payload: any trailing byte is a
// malformed instruction, not payload.
func exactDisc(n uint32) policy.Discriminator {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return policy.Exact(b)
}

// Transfer is a decoded lamport transfer (Transfer, TransferWithSeed, or
// WithdrawNonceAccount: all move Lamports from a source to a destination).
type Transfer struct {
	Lamports uint64
	From     solana.PublicKey
	To       solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (t Transfer) Env() map[string]any {
	return map[string]any{
		"lamports": t.Lamports,
		"from":     t.From.String(),
		"to":       t.To.String(),
	}
}

// CreateAccount is a decoded CreateAccount or CreateAccountWithSeed.
type CreateAccount struct {
	Lamports   uint64
	Space      uint64
	Owner      solana.PublicKey
	Funder     solana.PublicKey
	NewAccount solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (c CreateAccount) Env() map[string]any {
	return map[string]any{
		"lamports": c.Lamports,
		"space":    c.Space,
		"owner":    c.Owner.String(),
		"funder":   c.Funder.String(),
		"account":  c.NewAccount.String(),
	}
}

// Assign is a decoded Assign.
type Assign struct {
	Owner   solana.PublicKey
	Account solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (a Assign) Env() map[string]any {
	return map[string]any{
		"owner":   a.Owner.String(),
		"account": a.Account.String(),
	}
}

// Allocate is a decoded Allocate.
type Allocate struct {
	Space   uint64
	Account solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (a Allocate) Env() map[string]any {
	return map[string]any{
		"space":   a.Space,
		"account": a.Account.String(),
	}
}

// TransferRule constrains a lamport-moving instruction. Exactly one variant
// is active: Deny wins over Callback, Callback over constraints, and a rule
// with nothing set allows unconditionally.
type TransferRule struct {
	Deny              bool
	MaxLamports       *uint64
	AllowedRecipients []solana.PublicKey
	Callback          policy.Callback[Transfer]
}

func (r *TransferRule) entry(instruction string) *policy.Entry[Transfer] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Transfer]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	var cs []policy.Constraint[Transfer]
	if r.MaxLamports != nil {
		cs = append(cs, maxLamports(instruction, *r.MaxLamports, func(t Transfer) uint64 { return t.Lamports }))
	}
	if len(r.AllowedRecipients) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "destination",
			r.AllowedRecipients, func(t Transfer) solana.PublicKey { return t.To }))
	}
	if len(cs) == 0 {
		return policy.Allowed[Transfer]()
	}
	return policy.Constrained(cs...)
}

// CreateAccountRule constrains account creation.
type CreateAccountRule struct {
	Deny          bool
	MaxLamports   *uint64
	MaxSpace      *uint64
	AllowedOwners []solana.PublicKey
	Callback      policy.Callback[CreateAccount]
}

func (r *CreateAccountRule) entry(instruction string) *policy.Entry[CreateAccount] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[CreateAccount]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	var cs []policy.Constraint[CreateAccount]
	if r.MaxLamports != nil {
		cs = append(cs, maxLamports(instruction, *r.MaxLamports, func(c CreateAccount) uint64 { return c.Lamports }))
	}
	if r.MaxSpace != nil {
		cs = append(cs, policy.MaxU64(programName, instruction, "space", *r.MaxSpace,
			func(c CreateAccount) uint64 { return c.Space }))
	}
	if len(r.AllowedOwners) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "owner",
			r.AllowedOwners, func(c CreateAccount) solana.PublicKey { return c.Owner }))
	}
	if len(cs) == 0 {
		return policy.Allowed[CreateAccount]()
	}
	return policy.Constrained(cs...)
}

// AssignRule constrains reassignment of account ownership.
type AssignRule struct {
	Deny          bool
	AllowedOwners []solana.PublicKey
	Callback      policy.Callback[Assign]
}

func (r *AssignRule) entry() *policy.Entry[Assign] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Assign]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if len(r.AllowedOwners) > 0 {
		return policy.Constrained(policy.AddressInSet(programName, InstructionAssign, "owner",
			r.AllowedOwners, func(a Assign) solana.PublicKey { return a.Owner }))
	}
	return policy.Allowed[Assign]()
}

// AllocateRule constrains space allocation.
type AllocateRule struct {
	Deny     bool
	MaxSpace *uint64
	Callback policy.Callback[Allocate]
}

func (r *AllocateRule) entry() *policy.Entry[Allocate] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Allocate]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if r.MaxSpace != nil {
		return policy.Constrained(policy.MaxU64(programName, InstructionAllocate, "space",
			*r.MaxSpace, func(a Allocate) uint64 { return a.Space }))
	}
	return policy.Allowed[Allocate]()
}

// maxLamports is the amount ceiling with a SOL rendering of the offending
// value alongside the raw lamports.
func maxLamports[T any](instruction string, limit uint64, get func(T) uint64) policy.Constraint[T] {
	return func(ins T) policy.Result {
		v := get(ins)
		if v > limit {
			return policy.Denyf("%s: %s amount %d lamports (%s SOL) exceeds limit %d",
				programName, instruction, v, lamportsToSOL(v), limit)
		}
		return policy.Allow()
	}
}

func lamportsToSOL(v uint64) string {
	return decimal.NewFromUint64(v).Shift(-9).String()
}

func payload(ins txview.Instruction) *bin.Decoder {
	return bin.NewBinDecoder(ins.Data[4:])
}

func account(ins txview.Instruction, idx int, role string) (solana.PublicKey, error) {
	if idx >= len(ins.Accounts) {
		return solana.PublicKey{}, fmt.Errorf("missing %s account (index %d, have %d)", role, idx, len(ins.Accounts))
	}
	return ins.Accounts[idx].Address, nil
}

func decodeTransfer(ins txview.Instruction) (Transfer, error) {
	dec := payload(ins)
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("lamports: %w", err)
	}
	from, err := account(ins, 0, "source")
	if err != nil {
		return Transfer{}, err
	}
	to, err := account(ins, 1, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Lamports: lamports, From: from, To: to}, nil
}

func decodeTransferWithSeed(ins txview.Instruction) (Transfer, error) {
	dec := payload(ins)
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("lamports: %w", err)
	}
	from, err := account(ins, 0, "source")
	if err != nil {
		return Transfer{}, err
	}
	to, err := account(ins, 2, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Lamports: lamports, From: from, To: to}, nil
}

func decodeWithdrawNonce(ins txview.Instruction) (Transfer, error) {
	dec := payload(ins)
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("lamports: %w", err)
	}
	from, err := account(ins, 0, "nonce")
	if err != nil {
		return Transfer{}, err
	}
	to, err := account(ins, 1, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Lamports: lamports, From: from, To: to}, nil
}

func decodeCreateAccount(ins txview.Instruction) (CreateAccount, error) {
	dec := payload(ins)
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("lamports: %w", err)
	}
	space, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("space: %w", err)
	}
	owner, err := readPublicKey(dec)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("owner: %w", err)
	}
	funder, err := account(ins, 0, "funder")
	if err != nil {
		return CreateAccount{}, err
	}
	newAccount, err := account(ins, 1, "new")
	if err != nil {
		return CreateAccount{}, err
	}
	return CreateAccount{Lamports: lamports, Space: space, Owner: owner, Funder: funder, NewAccount: newAccount}, nil
}

func decodeCreateAccountWithSeed(ins txview.Instruction) (CreateAccount, error) {
	dec := payload(ins)
	if _, err := readPublicKey(dec); err != nil { // base
		return CreateAccount{}, fmt.Errorf("base: %w", err)
	}
	if _, err := dec.ReadRustString(); err != nil { // seed
		return CreateAccount{}, fmt.Errorf("seed: %w", err)
	}
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("lamports: %w", err)
	}
	space, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("space: %w", err)
	}
	owner, err := readPublicKey(dec)
	if err != nil {
		return CreateAccount{}, fmt.Errorf("owner: %w", err)
	}
	funder, err := account(ins, 0, "funder")
	if err != nil {
		return CreateAccount{}, err
	}
	newAccount, err := account(ins, 1, "new")
	if err != nil {
		return CreateAccount{}, err
	}
	return CreateAccount{Lamports: lamports, Space: space, Owner: owner, Funder: funder, NewAccount: newAccount}, nil
}

func decodeAssign(ins txview.Instruction) (Assign, error) {
	dec := payload(ins)
	owner, err := readPublicKey(dec)
	if err != nil {
		return Assign{}, fmt.Errorf("owner: %w", err)
	}
	acct, err := account(ins, 0, "assigned")
	if err != nil {
		return Assign{}, err
	}
	return Assign{Owner: owner, Account: acct}, nil
}

func decodeAllocate(ins txview.Instruction) (Allocate, error) {
	dec := payload(ins)
	space, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Allocate{}, fmt.Errorf("space: %w", err)
	}
	acct, err := account(ins, 0, "allocated")
	if err != nil {
		return Allocate{}, err
	}
	return Allocate{Space: space, Account: acct}, nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}
