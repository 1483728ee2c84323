package policy

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/txview"
)

// Requirement marks a program policy as mandatory for the transaction.
// Program=true requires the program to appear at least once; a non-empty
// Instructions set additionally requires each named instruction type to be
// present among the program's observed instructions.
type Requirement struct {
	Program      bool
	Instructions []string
}

// Requires reports whether the requirement demands anything.
func (r Requirement) Requires() bool {
	return r.Program || len(r.Instructions) > 0
}

// ProgramPolicy evaluates instructions belonging to one program address.
// Implementations are immutable after construction.
type ProgramPolicy interface {
	// Program is the address this policy governs.
	Program() solana.PublicKey
	// Name is the human-readable program name used in denial reasons.
	Name() string
	// Requirement is the presence requirement, if any.
	Requirement() Requirement
	// Identify resolves the instruction type name from raw instruction
	// data, or false if no known variant matches.
	Identify(data []byte) (string, bool)
	// Evaluate runs the instruction policy protocol for one instruction.
	// The error return is reserved for routing errors (engine bugs); all
	// policy outcomes, including denials, come back as the Result.
	Evaluate(ctx context.Context, vc *Context, ins txview.Instruction) (Result, error)
}

// Table is the generic ProgramPolicy used by every program package: a
// program address, an ordered index of instruction handlers (discriminator,
// decoder, entry), and an optional program-level validator. The per-program
// packages only supply discriminator tables, decoders, and constraint
// evaluators; the five-variant protocol lives here, once.
type Table struct {
	program   solana.PublicKey
	name      string
	req       Requirement
	handlers  []handler
	validator Validator
}

type handler interface {
	handlerName() string
	matches(data []byte) bool
	eval(ctx context.Context, vc *Context, ins txview.Instruction, program string, v Validator) (Result, error)
}

// NewTable builds a program policy table. Handlers are matched in the order
// given; keep discriminator sets prefix-disjoint so order never matters.
func NewTable(program solana.PublicKey, name string, opts ...TableOption) *Table {
	t := &Table{program: program, name: name}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TableOption configures a Table at construction time.
type TableOption func(*Table)

// WithRequirement marks the table's program as required.
func WithRequirement(req Requirement) TableOption {
	return func(t *Table) { t.req = req }
}

// WithValidator attaches a program-level custom validator, consulted after
// any instruction entry has passed.
func WithValidator(v Validator) TableOption {
	return func(t *Table) { t.validator = v }
}

// Handle registers a typed instruction handler: its discriminator, decoder,
// and policy entry. A nil entry is the implicit-deny variant.
func Handle[T any](name string, disc Discriminator, decode func(ins txview.Instruction) (T, error), entry *Entry[T]) TableOption {
	return func(t *Table) {
		t.handlers = append(t.handlers, &typedHandler[T]{
			name:   name,
			disc:   disc,
			decode: decode,
			entry:  entry,
		})
	}
}

// Passthrough registers an instruction type with no typed decoder: once its
// entry allows it, it passes through without constraint evaluation. Used
// for informational instructions that carry nothing worth constraining.
func Passthrough(name string, disc Discriminator, entry *Entry[txview.Instruction]) TableOption {
	return Handle(name, disc, func(ins txview.Instruction) (txview.Instruction, error) {
		return ins, nil
	}, entry)
}

func (t *Table) Program() solana.PublicKey { return t.program }
func (t *Table) Name() string              { return t.name }
func (t *Table) Requirement() Requirement  { return t.req }

// Identify returns the first handler whose discriminator structurally
// matches the data.
func (t *Table) Identify(data []byte) (string, bool) {
	for _, h := range t.handlers {
		if h.matches(data) {
			return h.handlerName(), true
		}
	}
	return "", false
}

// Evaluate asserts routing, identifies the instruction variant, and runs
// the entry protocol. Unknown variants are denied with a hex preview of the
// leading data bytes.
func (t *Table) Evaluate(ctx context.Context, vc *Context, ins txview.Instruction) (Result, error) {
	if !ins.Program.Equals(t.program) {
		return Result{}, &RoutingError{
			Index:    ins.Index,
			Expected: t.program.String(),
			Got:      ins.Program.String(),
		}
	}
	for _, h := range t.handlers {
		if h.matches(ins.Data) {
			return h.eval(ctx, vc, ins, t.name, t.validator)
		}
	}
	return Denyf("%s: unknown instruction %s", t.name, HexPreview(ins.Data)), nil
}

type typedHandler[T any] struct {
	name   string
	disc   Discriminator
	decode func(ins txview.Instruction) (T, error)
	entry  *Entry[T]
}

func (h *typedHandler[T]) handlerName() string { return h.name }

func (h *typedHandler[T]) matches(data []byte) bool { return h.disc.Matches(data) }

func (h *typedHandler[T]) eval(ctx context.Context, vc *Context, ins txview.Instruction, program string, v Validator) (Result, error) {
	decode := func() (T, error) { return h.decode(ins) }
	return evaluateEntry(ctx, vc, program, h.name, h.entry, decode, v)
}
