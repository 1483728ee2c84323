package policy

import (
	"context"
	"encoding/json"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SimulationClient is the narrow RPC surface the simulation policy needs.
// *rpc.Client satisfies it.
type SimulationClient interface {
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

// SimulationConstraints are the runtime bounds enforced against a
// simulation of the transaction.
type SimulationConstraints struct {
	// RequireSuccess denies when simulation reports an execution error.
	// Defaults to true when nil.
	RequireSuccess *bool
	// MaxComputeUnits caps consumed compute units.
	MaxComputeUnits *uint64
	// ForbidSignerClosure denies when the simulated signer account ends
	// with a balance of exactly zero.
	ForbidSignerClosure bool
}

func (c SimulationConstraints) requireSuccess() bool {
	return c.RequireSuccess == nil || *c.RequireSuccess
}

// SimulationPolicy submits the transaction for simulation and enforces
// runtime constraints. Any transport failure is itself a denial: a
// transaction whose safety cannot be proven behaves exactly like one proven
// unsafe.
type SimulationPolicy struct {
	client      SimulationClient
	constraints SimulationConstraints
}

// NewSimulationPolicy builds the optional simulation layer.
func NewSimulationPolicy(client SimulationClient, constraints SimulationConstraints) *SimulationPolicy {
	return &SimulationPolicy{client: client, constraints: constraints}
}

// Evaluate simulates the transaction against current network state with the
// signer's account requested for inspection. Blockhash substitution is
// enabled so a stale lifetime does not mask the policy outcome.
func (p *SimulationPolicy) Evaluate(ctx context.Context, vc *Context) Result {
	tx := vc.View.Tx
	if tx == nil {
		return Denyf("simulation requires the encoded wire transaction")
	}

	resp, err := p.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment:             rpc.CommitmentProcessed,
		ReplaceRecentBlockhash: true,
		Accounts: &rpc.SimulateTransactionAccountsOpts{
			Encoding:  solana.EncodingBase64,
			Addresses: []solana.PublicKey{vc.Signer},
		},
	})
	if err != nil {
		return Denyf("simulation rpc error: %v", err)
	}
	if resp == nil || resp.Value == nil {
		return Denyf("simulation returned no result")
	}
	value := resp.Value

	if p.constraints.requireSuccess() && value.Err != nil {
		return Denyf("simulation failed: %s", marshalSimError(value.Err))
	}

	if p.constraints.MaxComputeUnits != nil && value.UnitsConsumed != nil &&
		*value.UnitsConsumed > *p.constraints.MaxComputeUnits {
		return Denyf("simulation consumed %d compute units, maximum is %d",
			*value.UnitsConsumed, *p.constraints.MaxComputeUnits)
	}

	if p.constraints.ForbidSignerClosure {
		if len(value.Accounts) == 0 || value.Accounts[0] == nil {
			return Denyf("simulation did not return the signer account %s", vc.Signer)
		}
		if value.Accounts[0].Lamports == 0 {
			return Denyf("simulation leaves signer account %s with zero balance", vc.Signer)
		}
	}

	return Allow()
}

// marshalSimError renders the RPC's loosely-typed execution error for the
// denial reason.
func marshalSimError(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "unrepresentable execution error"
	}
	return string(b)
}
