// Package token is the policy for the SPL Token program. Discriminators
// are single-byte opcodes; amounts are raw token units (no decimal
// adjustment is attempted, since the mint's decimals are not known at
// policy time).
package token

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

// ProgramID is the SPL Token program address.
var ProgramID = solana.TokenProgramID

const programName = "Token"

// Instruction type names.
const (
	InstructionTransfer        = "Transfer"
	InstructionApprove         = "Approve"
	InstructionRevoke          = "Revoke"
	InstructionSetAuthority    = "SetAuthority"
	InstructionMintTo          = "MintTo"
	InstructionBurn            = "Burn"
	InstructionCloseAccount    = "CloseAccount"
	InstructionTransferChecked = "TransferChecked"
	InstructionApproveChecked  = "ApproveChecked"
	InstructionBurnChecked     = "BurnChecked"
	InstructionSyncNative      = "SyncNative"
)

// Config declares which Token instructions this signer may be asked to
// sign. A nil rule is an implicit deny for that instruction type.
type Config struct {
	Instructions Instructions
	Required     policy.Requirement
	Validator    policy.Validator
}

// Instructions maps each supported instruction type to its rule.
type Instructions struct {
	Transfer        *TransferRule
	Approve         *ApproveRule
	Revoke          *policy.PassRule
	SetAuthority    *SetAuthorityRule
	MintTo          *TransferRule
	Burn            *BurnRule
	CloseAccount    *CloseAccountRule
	TransferChecked *TransferRule
	ApproveChecked  *ApproveRule
	BurnChecked     *BurnRule
	SyncNative      *policy.PassRule
}

// New builds the Token program policy.
func New(cfg Config) *policy.Table {
	return policy.NewTable(ProgramID, programName,
		policy.WithRequirement(cfg.Required),
		policy.WithValidator(cfg.Validator),
		policy.Handle(InstructionTransfer, opcode(3), decodeTransfer,
			cfg.Instructions.Transfer.entry(InstructionTransfer)),
		policy.Handle(InstructionApprove, opcode(4), decodeApprove,
			cfg.Instructions.Approve.entry(InstructionApprove)),
		policy.Passthrough(InstructionRevoke, exactOpcode(5),
			policy.PassEntry(cfg.Instructions.Revoke)),
		policy.Handle(InstructionSetAuthority, opcode(6), decodeSetAuthority,
			cfg.Instructions.SetAuthority.entry()),
		policy.Handle(InstructionMintTo, opcode(7), decodeMintTo,
			cfg.Instructions.MintTo.entry(InstructionMintTo)),
		policy.Handle(InstructionBurn, opcode(8), decodeBurn,
			cfg.Instructions.Burn.entry(InstructionBurn)),
		policy.Handle(InstructionCloseAccount, exactOpcodeTyped(9), decodeCloseAccount,
			cfg.Instructions.CloseAccount.entry()),
		policy.Handle(InstructionTransferChecked, opcode(12), decodeTransferChecked,
			cfg.Instructions.TransferChecked.entry(InstructionTransferChecked)),
		policy.Handle(InstructionApproveChecked, opcode(13), decodeApproveChecked,
			cfg.Instructions.ApproveChecked.entry(InstructionApproveChecked)),
		policy.Handle(InstructionBurnChecked, opcode(15), decodeBurnChecked,
			cfg.Instructions.BurnChecked.entry(InstructionBurnChecked)),
		policy.Passthrough(InstructionSyncNative, exactOpcode(17),
			policy.PassEntry(cfg.Instructions.SyncNative)),
	)
}

func opcode(n byte) policy.Discriminator      { return policy.Prefix([]byte{n}) }
func exactOpcode(n byte) policy.Discriminator { return policy.Exact([]byte{n}) }

// exactOpcodeTyped is exactOpcode for instructions that still have a typed
// decoder (their fields come from the account list, not the payload).
func exactOpcodeTyped(n byte) policy.Discriminator { return policy.Exact([]byte{n}) }

// Transfer is a decoded token movement (Transfer, TransferChecked, MintTo).
type Transfer struct {
	Amount      uint64
	Source      solana.PublicKey
	Destination solana.PublicKey
	// Mint is set only for checked variants and MintTo.
	Mint solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (t Transfer) Env() map[string]any {
	return map[string]any{
		"amount":      t.Amount,
		"source":      t.Source.String(),
		"destination": t.Destination.String(),
		"mint":        t.Mint.String(),
	}
}

// Approve is a decoded delegation (Approve, ApproveChecked).
type Approve struct {
	Amount   uint64
	Source   solana.PublicKey
	Delegate solana.PublicKey
	Mint     solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (a Approve) Env() map[string]any {
	return map[string]any{
		"amount":   a.Amount,
		"source":   a.Source.String(),
		"delegate": a.Delegate.String(),
		"mint":     a.Mint.String(),
	}
}

// Burn is a decoded Burn or BurnChecked.
type Burn struct {
	Amount  uint64
	Account solana.PublicKey
	Mint    solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (b Burn) Env() map[string]any {
	return map[string]any{
		"amount":  b.Amount,
		"account": b.Account.String(),
		"mint":    b.Mint.String(),
	}
}

// SetAuthority is a decoded authority change.
type SetAuthority struct {
	AuthorityType byte
	// NewAuthority is the zero key when authority is being removed.
	NewAuthority solana.PublicKey
	Account      solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (s SetAuthority) Env() map[string]any {
	return map[string]any{
		"authority_type": int(s.AuthorityType),
		"new_authority":  s.NewAuthority.String(),
		"account":        s.Account.String(),
	}
}

// CloseAccount is a decoded account closure; the reclaimed lamports go to
// Destination.
type CloseAccount struct {
	Account     solana.PublicKey
	Destination solana.PublicKey
}

// Env exposes the decoded fields to expression rules.
func (c CloseAccount) Env() map[string]any {
	return map[string]any{
		"account":     c.Account.String(),
		"destination": c.Destination.String(),
	}
}

// TransferRule constrains token movement.
type TransferRule struct {
	Deny                bool
	MaxAmount           *uint64
	AllowedDestinations []solana.PublicKey
	// AllowedMints only applies to variants that carry the mint
	// (TransferChecked, MintTo).
	AllowedMints []solana.PublicKey
	Callback     policy.Callback[Transfer]
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
	if r.MaxAmount != nil {
		cs = append(cs, policy.MaxU64(programName, instruction, "amount", *r.MaxAmount,
			func(t Transfer) uint64 { return t.Amount }))
	}
	if len(r.AllowedDestinations) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "destination",
			r.AllowedDestinations, func(t Transfer) solana.PublicKey { return t.Destination }))
	}
	if len(r.AllowedMints) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "mint",
			r.AllowedMints, func(t Transfer) solana.PublicKey { return t.Mint }))
	}
	if len(cs) == 0 {
		return policy.Allowed[Transfer]()
	}
	return policy.Constrained(cs...)
}

// ApproveRule constrains delegation.
type ApproveRule struct {
	Deny             bool
	MaxAmount        *uint64
	AllowedDelegates []solana.PublicKey
	Callback         policy.Callback[Approve]
}

func (r *ApproveRule) entry(instruction string) *policy.Entry[Approve] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Approve]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	var cs []policy.Constraint[Approve]
	if r.MaxAmount != nil {
		cs = append(cs, policy.MaxU64(programName, instruction, "amount", *r.MaxAmount,
			func(a Approve) uint64 { return a.Amount }))
	}
	if len(r.AllowedDelegates) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "delegate",
			r.AllowedDelegates, func(a Approve) solana.PublicKey { return a.Delegate }))
	}
	if len(cs) == 0 {
		return policy.Allowed[Approve]()
	}
	return policy.Constrained(cs...)
}

// BurnRule constrains burning.
type BurnRule struct {
	Deny         bool
	MaxAmount    *uint64
	AllowedMints []solana.PublicKey
	Callback     policy.Callback[Burn]
}

func (r *BurnRule) entry(instruction string) *policy.Entry[Burn] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[Burn]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	var cs []policy.Constraint[Burn]
	if r.MaxAmount != nil {
		cs = append(cs, policy.MaxU64(programName, instruction, "amount", *r.MaxAmount,
			func(b Burn) uint64 { return b.Amount }))
	}
	if len(r.AllowedMints) > 0 {
		cs = append(cs, policy.AddressInSet(programName, instruction, "mint",
			r.AllowedMints, func(b Burn) solana.PublicKey { return b.Mint }))
	}
	if len(cs) == 0 {
		return policy.Allowed[Burn]()
	}
	return policy.Constrained(cs...)
}

// SetAuthorityRule constrains authority changes.
type SetAuthorityRule struct {
	Deny                  bool
	AllowedNewAuthorities []solana.PublicKey
	Callback              policy.Callback[SetAuthority]
}

func (r *SetAuthorityRule) entry() *policy.Entry[SetAuthority] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[SetAuthority]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if len(r.AllowedNewAuthorities) > 0 {
		return policy.Constrained(policy.AddressInSet(programName, InstructionSetAuthority,
			"new authority", r.AllowedNewAuthorities,
			func(s SetAuthority) solana.PublicKey { return s.NewAuthority }))
	}
	return policy.Allowed[SetAuthority]()
}

// CloseAccountRule constrains where reclaimed lamports may go.
type CloseAccountRule struct {
	Deny                bool
	AllowedDestinations []solana.PublicKey
	Callback            policy.Callback[CloseAccount]
}

func (r *CloseAccountRule) entry() *policy.Entry[CloseAccount] {
	if r == nil {
		return nil
	}
	if r.Deny {
		return policy.Denied[CloseAccount]()
	}
	if r.Callback != nil {
		return policy.WithCallback(r.Callback)
	}
	if len(r.AllowedDestinations) > 0 {
		return policy.Constrained(policy.AddressInSet(programName, InstructionCloseAccount,
			"destination", r.AllowedDestinations,
			func(c CloseAccount) solana.PublicKey { return c.Destination }))
	}
	return policy.Allowed[CloseAccount]()
}

func payload(ins txview.Instruction) *bin.Decoder {
	return bin.NewBinDecoder(ins.Data[1:])
}

func account(ins txview.Instruction, idx int, role string) (solana.PublicKey, error) {
	if idx >= len(ins.Accounts) {
		return solana.PublicKey{}, fmt.Errorf("missing %s account (index %d, have %d)", role, idx, len(ins.Accounts))
	}
	return ins.Accounts[idx].Address, nil
}

func decodeTransfer(ins txview.Instruction) (Transfer, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("amount: %w", err)
	}
	source, err := account(ins, 0, "source")
	if err != nil {
		return Transfer{}, err
	}
	dest, err := account(ins, 1, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Amount: amount, Source: source, Destination: dest}, nil
}

func decodeTransferChecked(ins txview.Instruction) (Transfer, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("amount: %w", err)
	}
	source, err := account(ins, 0, "source")
	if err != nil {
		return Transfer{}, err
	}
	mint, err := account(ins, 1, "mint")
	if err != nil {
		return Transfer{}, err
	}
	dest, err := account(ins, 2, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Amount: amount, Source: source, Destination: dest, Mint: mint}, nil
}

func decodeMintTo(ins txview.Instruction) (Transfer, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Transfer{}, fmt.Errorf("amount: %w", err)
	}
	mint, err := account(ins, 0, "mint")
	if err != nil {
		return Transfer{}, err
	}
	dest, err := account(ins, 1, "destination")
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{Amount: amount, Destination: dest, Mint: mint}, nil
}

func decodeApprove(ins txview.Instruction) (Approve, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Approve{}, fmt.Errorf("amount: %w", err)
	}
	source, err := account(ins, 0, "source")
	if err != nil {
		return Approve{}, err
	}
	delegate, err := account(ins, 1, "delegate")
	if err != nil {
		return Approve{}, err
	}
	return Approve{Amount: amount, Source: source, Delegate: delegate}, nil
}

func decodeApproveChecked(ins txview.Instruction) (Approve, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Approve{}, fmt.Errorf("amount: %w", err)
	}
	source, err := account(ins, 0, "source")
	if err != nil {
		return Approve{}, err
	}
	mint, err := account(ins, 1, "mint")
	if err != nil {
		return Approve{}, err
	}
	delegate, err := account(ins, 2, "delegate")
	if err != nil {
		return Approve{}, err
	}
	return Approve{Amount: amount, Source: source, Delegate: delegate, Mint: mint}, nil
}

func decodeBurn(ins txview.Instruction) (Burn, error) {
	amount, err := payload(ins).ReadUint64(bin.LE)
	if err != nil {
		return Burn{}, fmt.Errorf("amount: %w", err)
	}
	acct, err := account(ins, 0, "token")
	if err != nil {
		return Burn{}, err
	}
	mint, err := account(ins, 1, "mint")
	if err != nil {
		return Burn{}, err
	}
	return Burn{Amount: amount, Account: acct, Mint: mint}, nil
}

func decodeBurnChecked(ins txview.Instruction) (Burn, error) {
	return decodeBurn(ins)
}

func decodeSetAuthority(ins txview.Instruction) (SetAuthority, error) {
	dec := payload(ins)
	authType, err := dec.ReadByte()
	if err != nil {
		return SetAuthority{}, fmt.Errorf("authority type: %w", err)
	}
	hasNew, err := dec.ReadByte()
	if err != nil {
		return SetAuthority{}, fmt.Errorf("authority option: %w", err)
	}
	var newAuthority solana.PublicKey
	if hasNew != 0 {
		b, err := dec.ReadNBytes(32)
		if err != nil {
			return SetAuthority{}, fmt.Errorf("new authority: %w", err)
		}
		newAuthority = solana.PublicKeyFromBytes(b)
	}
	acct, err := account(ins, 0, "target")
	if err != nil {
		return SetAuthority{}, err
	}
	return SetAuthority{AuthorityType: authType, NewAuthority: newAuthority, Account: acct}, nil
}

func decodeCloseAccount(ins txview.Instruction) (CloseAccount, error) {
	acct, err := account(ins, 0, "closed")
	if err != nil {
		return CloseAccount{}, err
	}
	dest, err := account(ins, 1, "destination")
	if err != nil {
		return CloseAccount{}, err
	}
	return CloseAccount{Account: acct, Destination: dest}, nil
}
