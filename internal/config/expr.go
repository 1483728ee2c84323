package config

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ppiankov/signwatch/internal/policy"
)

// enver is satisfied by every decoded instruction type; Env is the variable
// set an expression rule evaluates against.
type enver interface {
	Env() map[string]any
}

// ruleCallback compiles a policy-document expression into an instruction
// callback. The expression must produce a boolean; false denies. Runtime
// evaluation errors deny as well, since an expression that cannot prove the
// instruction safe must not pass it.
func ruleCallback[T enver](program, instruction, src string) (policy.Callback[T], error) {
	prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%s %s rule: %w", program, instruction, err)
	}
	return func(ctx context.Context, vc *policy.Context, ins T) policy.Result {
		env := ins.Env()
		env["signer"] = vc.Signer.String()
		ok, err := runRule(prog, env)
		if err != nil {
			return policy.Denyf("%s: %s rule error: %v", program, instruction, err)
		}
		if !ok {
			return policy.Denyf("%s: %s rejected by rule %q", program, instruction, src)
		}
		return policy.Allow()
	}, nil
}

func runRule(prog *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule produced %T, want bool", out)
	}
	return b, nil
}
