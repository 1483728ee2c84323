package policy

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ppiankov/signwatch/internal/txview"
)

type fakeSimClient struct {
	result *rpc.SimulateTransactionResult
	err    error
	opts   *rpc.SimulateTransactionOpts
}

func (f *fakeSimClient) SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.SimulateTransactionResponse{Value: f.result}, nil
}

func u64Ptr(n uint64) *uint64 { return &n }
func boolPtr(b bool) *bool    { return &b }

func simContext() *Context {
	return NewContext(testKey(0x01), &txview.View{Tx: &solana.Transaction{}})
}

func TestSimulationTransportFailureDenies(t *testing.T) {
	client := &fakeSimClient{err: fmt.Errorf("connection refused")}
	p := NewSimulationPolicy(client, SimulationConstraints{})

	r := p.Evaluate(context.Background(), simContext())
	if r.Allowed() {
		t.Fatal("transport failure must fail closed")
	}
	if !strings.Contains(r.Reason(), "simulation rpc error") || !strings.Contains(r.Reason(), "connection refused") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestSimulationExecutionErrorDenies(t *testing.T) {
	client := &fakeSimClient{result: &rpc.SimulateTransactionResult{
		Err: map[string]any{"InstructionError": []any{0, "Custom"}},
	}}
	p := NewSimulationPolicy(client, SimulationConstraints{})

	r := p.Evaluate(context.Background(), simContext())
	if r.Allowed() {
		t.Fatal("execution error must deny under the default require-success")
	}
	if !strings.Contains(r.Reason(), "simulation failed") || !strings.Contains(r.Reason(), "InstructionError") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestSimulationExecutionErrorIgnoredWhenNotRequired(t *testing.T) {
	client := &fakeSimClient{result: &rpc.SimulateTransactionResult{Err: "SomeError"}}
	p := NewSimulationPolicy(client, SimulationConstraints{RequireSuccess: boolPtr(false)})

	if r := p.Evaluate(context.Background(), simContext()); !r.Allowed() {
		t.Errorf("expected allow with require_success=false, got %q", r.Reason())
	}
}

func TestSimulationComputeUnitCeiling(t *testing.T) {
	client := &fakeSimClient{result: &rpc.SimulateTransactionResult{UnitsConsumed: u64Ptr(200_000)}}

	p := NewSimulationPolicy(client, SimulationConstraints{MaxComputeUnits: u64Ptr(200_000)})
	if r := p.Evaluate(context.Background(), simContext()); !r.Allowed() {
		t.Errorf("consumption equal to the ceiling must pass, got %q", r.Reason())
	}

	p = NewSimulationPolicy(client, SimulationConstraints{MaxComputeUnits: u64Ptr(199_999)})
	r := p.Evaluate(context.Background(), simContext())
	if r.Allowed() {
		t.Fatal("consumption over the ceiling must deny")
	}
	if !strings.Contains(r.Reason(), "200000 compute units") || !strings.Contains(r.Reason(), "maximum is 199999") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestSimulationSignerClosure(t *testing.T) {
	closed := &fakeSimClient{result: &rpc.SimulateTransactionResult{
		Accounts: []*rpc.Account{{Lamports: 0}},
	}}
	p := NewSimulationPolicy(closed, SimulationConstraints{ForbidSignerClosure: true})
	r := p.Evaluate(context.Background(), simContext())
	if r.Allowed() {
		t.Fatal("zero signer balance must deny when closure is forbidden")
	}
	if !strings.Contains(r.Reason(), "zero balance") {
		t.Errorf("reason = %q", r.Reason())
	}

	alive := &fakeSimClient{result: &rpc.SimulateTransactionResult{
		Accounts: []*rpc.Account{{Lamports: 890_880}},
	}}
	p = NewSimulationPolicy(alive, SimulationConstraints{ForbidSignerClosure: true})
	if r := p.Evaluate(context.Background(), simContext()); !r.Allowed() {
		t.Errorf("nonzero signer balance must pass, got %q", r.Reason())
	}

	// Simulation did not return the signer account at all: fail closed.
	missing := &fakeSimClient{result: &rpc.SimulateTransactionResult{}}
	p = NewSimulationPolicy(missing, SimulationConstraints{ForbidSignerClosure: true})
	if r := p.Evaluate(context.Background(), simContext()); r.Allowed() {
		t.Error("missing signer account must deny")
	}
}

func TestSimulationRequiresWireTransaction(t *testing.T) {
	p := NewSimulationPolicy(&fakeSimClient{result: &rpc.SimulateTransactionResult{}}, SimulationConstraints{})
	vc := NewContext(testKey(0x01), &txview.View{})

	if r := p.Evaluate(context.Background(), vc); r.Allowed() {
		t.Error("simulation without the encoded transaction must deny")
	}
}

func TestSimulationRequestsSignerWithBlockhashReplacement(t *testing.T) {
	client := &fakeSimClient{result: &rpc.SimulateTransactionResult{}}
	p := NewSimulationPolicy(client, SimulationConstraints{})
	vc := simContext()

	if r := p.Evaluate(context.Background(), vc); !r.Allowed() {
		t.Fatalf("expected allow, got %q", r.Reason())
	}
	if client.opts == nil {
		t.Fatal("simulation options were not passed")
	}
	if !client.opts.ReplaceRecentBlockhash {
		t.Error("blockhash substitution must be enabled")
	}
	if client.opts.Accounts == nil || len(client.opts.Accounts.Addresses) != 1 ||
		!client.opts.Accounts.Addresses[0].Equals(vc.Signer) {
		t.Error("the signer account must be requested for inspection")
	}
}
