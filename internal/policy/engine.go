package policy

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/txview"
)

// ErrDuplicateProgram is wrapped by NewEngine when two policies claim the
// same program address. It is a configuration error, raised at construction
// and never at validation time.
var ErrDuplicateProgram = fmt.Errorf("duplicate program policy registration")

// EngineConfig assembles an engine from static configuration.
type EngineConfig struct {
	Global   GlobalConfig
	Programs []ProgramPolicy
}

// Engine routes each transaction instruction to its program policy and
// enforces the global transaction-shape policy. It holds no mutable state
// after construction; Validate is safe to call concurrently.
type Engine struct {
	global   GlobalConfig
	registry map[solana.PublicKey]ProgramPolicy
	// order preserves registration order so required-program checks report
	// deterministically.
	order []ProgramPolicy
}

// NewEngine builds the dispatch registry. Registering two policies for one
// program address fails with ErrDuplicateProgram.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	e := &Engine{
		global:   cfg.Global,
		registry: make(map[solana.PublicKey]ProgramPolicy, len(cfg.Programs)),
	}
	for _, pp := range cfg.Programs {
		addr := pp.Program()
		if _, exists := e.registry[addr]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProgram, addr)
		}
		e.registry[addr] = pp
		e.order = append(e.order, pp)
	}
	return e, nil
}

// Global returns the engine's global policy configuration.
func (e *Engine) Global() GlobalConfig { return e.global }

// Validate evaluates the transaction view for the given signer. It returns
// nil when every check passes, a *DenialError for any policy denial, and a
// *RoutingError only for engine bugs. The same view validated twice yields
// the same outcome: evaluation has no hidden state.
func (e *Engine) Validate(ctx context.Context, signer solana.PublicKey, view *txview.View) error {
	vc := NewContext(signer, view)

	// Global shape first: nothing instruction-level runs if it fails.
	if r := e.global.Evaluate(vc); !r.Allowed() {
		return denialError(r)
	}

	// One pass to observe which instruction types each registered program
	// contributes, for required-presence checks.
	observed := make(map[solana.PublicKey]map[string]bool)
	for _, ins := range view.Instructions {
		pp, ok := e.registry[ins.Program]
		if !ok {
			continue
		}
		set := observed[ins.Program]
		if set == nil {
			set = make(map[string]bool)
			observed[ins.Program] = set
		}
		if name, known := pp.Identify(ins.Data); known {
			set[name] = true
		}
	}

	for _, pp := range e.order {
		req := pp.Requirement()
		if !req.Requires() {
			continue
		}
		set, present := observed[pp.Program()]
		if !present {
			return &DenialError{Reason: fmt.Sprintf("required program %s (%s) not present in transaction", pp.Name(), pp.Program())}
		}
		for _, name := range req.Instructions {
			if !set[name] {
				return &DenialError{Reason: fmt.Sprintf("required instruction %s of program %s not present in transaction", name, pp.Name())}
			}
		}
	}

	// Strictly ordered, fail-fast instruction evaluation. Later
	// instructions are only reached once every earlier one was accepted.
	for _, ins := range view.Instructions {
		pp, ok := e.registry[ins.Program]
		if !ok {
			return &DenialError{Reason: fmt.Sprintf("instruction %d uses unauthorized program %s", ins.Index, ins.Program)}
		}
		r, err := pp.Evaluate(ctx, vc, ins)
		if err != nil {
			return err
		}
		if !r.Allowed() {
			return denialError(r)
		}
	}

	return nil
}
