package computebudget

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

func u64Ptr(n uint64) *uint64 { return &n }

func limitData(opcode byte, value uint32) []byte {
	data := make([]byte, 5)
	data[0] = opcode
	binary.LittleEndian.PutUint32(data[1:], value)
	return data
}

func priceData(microLamports uint64) []byte {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return data
}

func evaluate(t *testing.T, cfg Config, data []byte) policy.Result {
	t.Helper()
	signer := solana.PublicKeyFromBytes(make([]byte, 32))
	vc := policy.NewContext(signer, &txview.View{})
	r, err := New(cfg).Evaluate(context.Background(), vc, txview.Instruction{Program: ProgramID, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestComputeUnitLimitCeiling(t *testing.T) {
	cfg := Config{Instructions: Instructions{SetComputeUnitLimit: &LimitRule{Max: u64Ptr(1_400_000)}}}

	if r := evaluate(t, cfg, limitData(2, 1_400_000)); !r.Allowed() {
		t.Errorf("limit at the ceiling must pass, got %q", r.Reason())
	}
	r := evaluate(t, cfg, limitData(2, 1_400_001))
	if r.Allowed() || !strings.Contains(r.Reason(), "units 1400001 exceeds limit 1400000") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestComputeUnitPriceCeiling(t *testing.T) {
	cfg := Config{Instructions: Instructions{SetComputeUnitPrice: &PriceRule{Max: u64Ptr(100_000)}}}

	if r := evaluate(t, cfg, priceData(100_000)); !r.Allowed() {
		t.Errorf("price at the ceiling must pass, got %q", r.Reason())
	}
	r := evaluate(t, cfg, priceData(100_001))
	if r.Allowed() || !strings.Contains(r.Reason(), "price 100001 exceeds limit 100000") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestHeapFrameCeiling(t *testing.T) {
	cfg := Config{Instructions: Instructions{RequestHeapFrame: &LimitRule{Max: u64Ptr(262_144)}}}

	r := evaluate(t, cfg, limitData(1, 262_145))
	if r.Allowed() || !strings.Contains(r.Reason(), "RequestHeapFrame bytes") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestUnconfiguredInstructionDenied(t *testing.T) {
	r := evaluate(t, Config{}, limitData(2, 1))
	if r.Allowed() || !strings.Contains(r.Reason(), "SetComputeUnitLimit instruction not allowed") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestUnknownOpcodeDenied(t *testing.T) {
	// Opcode 0 (deprecated RequestUnits) is deliberately unmodeled.
	r := evaluate(t, Config{}, limitData(0, 1))
	if r.Allowed() || !strings.Contains(r.Reason(), "unknown instruction") {
		t.Errorf("reason = %q", r.Reason())
	}
}
