// Package txview turns a wire-format Solana transaction into the structured,
// address-resolved view the policy engine inspects. It is a thin boundary
// over the solana-go codec: account indices become addresses, instructions
// become an ordered list with per-account signer/writable flags, and the raw
// wire bytes are retained for simulation.
package txview

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Version strings for the transaction version allowlist.
const (
	VersionLegacy = "legacy"
	VersionV0     = "v0"
)

// AccountRef is one resolved account reference inside an instruction.
type AccountRef struct {
	Address  solana.PublicKey
	Writable bool
	Signer   bool
}

// Instruction is one transaction instruction with everything resolved.
// Index is the zero-based position within the containing transaction.
type Instruction struct {
	Index    int
	Program  solana.PublicKey
	Accounts []AccountRef
	Data     []byte
}

// Env exposes the instruction's shape for expression rules attached to
// instructions without a typed decoder.
func (i Instruction) Env() map[string]any {
	accounts := make([]string, len(i.Accounts))
	for n, a := range i.Accounts {
		accounts[n] = a.Address.String()
	}
	return map[string]any{
		"program":  i.Program.String(),
		"accounts": accounts,
		"data_len": len(i.Data),
	}
}

// LookupTable describes one address-lookup-table reference in a v0 message.
type LookupTable struct {
	Table         solana.PublicKey
	WritableCount int
	ReadonlyCount int
}

// View is the decompiled transaction the policy engine evaluates. It is
// built once per transaction and never mutated afterwards.
type View struct {
	FeePayer     solana.PublicKey
	StaticKeys   []solana.PublicKey
	Version      string
	SignerCount  int
	Lookups      []LookupTable
	Instructions []Instruction

	// Tx is the decoded transaction, kept for simulation.
	Tx *solana.Transaction
	// Wire is the raw encoded transaction when the view was built from
	// bytes or base64 text; nil otherwise.
	Wire []byte
}

// TotalAccounts is the static account count plus all lookup-table-resolved
// accounts, whether or not tables were provided.
func (v *View) TotalAccounts() int {
	n := len(v.StaticKeys)
	for _, lt := range v.Lookups {
		n += lt.WritableCount + lt.ReadonlyCount
	}
	return n
}

// Option configures view construction.
type Option func(*builder)

type builder struct {
	tables map[solana.PublicKey][]solana.PublicKey
}

// WithAddressTables supplies the contents of address lookup tables so that
// v0 instructions referencing loaded accounts can be resolved. Without
// tables, any instruction touching a loaded account fails view construction.
func WithAddressTables(tables map[solana.PublicKey][]solana.PublicKey) Option {
	return func(b *builder) { b.tables = tables }
}

// FromBytes decodes a wire transaction and builds its view.
func FromBytes(raw []byte, opts ...Option) (*View, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	v, err := FromTransaction(tx, opts...)
	if err != nil {
		return nil, err
	}
	v.Wire = raw
	return v, nil
}

// FromBase64 decodes a base64-encoded wire transaction and builds its view.
func FromBase64(encoded string, opts ...Option) (*View, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	return FromBytes(raw, opts...)
}

// FromTransaction builds the view from an already-decoded transaction.
func FromTransaction(tx *solana.Transaction, opts ...Option) (*View, error) {
	var b builder
	for _, o := range opts {
		o(&b)
	}

	msg := &tx.Message
	if len(msg.AccountKeys) == 0 {
		return nil, fmt.Errorf("message has no account keys")
	}

	version := VersionLegacy
	if msg.GetVersion() == solana.MessageVersionV0 {
		version = VersionV0
	}

	v := &View{
		FeePayer:    msg.AccountKeys[0],
		StaticKeys:  msg.AccountKeys,
		Version:     version,
		SignerCount: int(msg.Header.NumRequiredSignatures),
		Tx:          tx,
	}

	for _, lt := range msg.AddressTableLookups {
		v.Lookups = append(v.Lookups, LookupTable{
			Table:         lt.AccountKey,
			WritableCount: len(lt.WritableIndexes),
			ReadonlyCount: len(lt.ReadonlyIndexes),
		})
	}

	resolved, loadedWritable, err := resolveKeys(msg, b.tables)
	if err != nil {
		return nil, err
	}

	for i, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= len(msg.AccountKeys) {
			return nil, fmt.Errorf("instruction %d: program index %d outside static account keys", i, ci.ProgramIDIndex)
		}
		ins := Instruction{
			Index:   i,
			Program: msg.AccountKeys[ci.ProgramIDIndex],
			Data:    []byte(ci.Data),
		}
		for _, idx := range ci.Accounts {
			ref, err := accountRef(msg, resolved, loadedWritable, int(idx))
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			ins.Accounts = append(ins.Accounts, ref)
		}
		v.Instructions = append(v.Instructions, ins)
	}

	return v, nil
}

// resolveKeys appends lookup-table-loaded addresses after the static keys,
// mirroring the runtime ordering: every table's writable addresses first,
// then every table's readonly addresses. The boolean slice marks which
// loaded entries are writable.
func resolveKeys(msg *solana.Message, tables map[solana.PublicKey][]solana.PublicKey) ([]solana.PublicKey, []bool, error) {
	resolved := make([]solana.PublicKey, len(msg.AccountKeys), len(msg.AccountKeys))
	copy(resolved, msg.AccountKeys)
	var loadedWritable []bool

	if len(msg.AddressTableLookups) == 0 {
		return resolved, nil, nil
	}
	if tables == nil {
		// Leave loaded addresses unresolved; accountRef fails closed if an
		// instruction actually touches one.
		return resolved, nil, nil
	}

	appendLoaded := func(writable bool) error {
		for _, lt := range msg.AddressTableLookups {
			contents, ok := tables[lt.AccountKey]
			if !ok {
				return fmt.Errorf("address table %s not provided", lt.AccountKey)
			}
			indexes := lt.WritableIndexes
			if !writable {
				indexes = lt.ReadonlyIndexes
			}
			for _, idx := range indexes {
				if int(idx) >= len(contents) {
					return fmt.Errorf("address table %s: index %d outside table of %d entries", lt.AccountKey, idx, len(contents))
				}
				resolved = append(resolved, contents[idx])
				loadedWritable = append(loadedWritable, writable)
			}
		}
		return nil
	}
	if err := appendLoaded(true); err != nil {
		return nil, nil, err
	}
	if err := appendLoaded(false); err != nil {
		return nil, nil, err
	}
	return resolved, loadedWritable, nil
}

// accountRef resolves one account index to an address with signer/writable
// flags derived from the message header and the loaded-address sections.
func accountRef(msg *solana.Message, resolved []solana.PublicKey, loadedWritable []bool, idx int) (AccountRef, error) {
	numStatic := len(msg.AccountKeys)
	if idx < numStatic {
		h := msg.Header
		signer := idx < int(h.NumRequiredSignatures)
		var writable bool
		if signer {
			writable = idx < int(h.NumRequiredSignatures)-int(h.NumReadonlySignedAccounts)
		} else {
			writable = idx < numStatic-int(h.NumReadonlyUnsignedAccounts)
		}
		return AccountRef{Address: msg.AccountKeys[idx], Writable: writable, Signer: signer}, nil
	}

	loaded := idx - numStatic
	if loaded >= len(loadedWritable) || idx >= len(resolved) {
		return AccountRef{}, fmt.Errorf("account index %d references a lookup-table address but no address tables were provided", idx)
	}
	// Loaded accounts can never be signers.
	return AccountRef{Address: resolved[idx], Writable: loadedWritable[loaded]}, nil
}
