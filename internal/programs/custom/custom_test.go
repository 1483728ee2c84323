package custom

import (
	"context"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
)

func key(n byte) solana.PublicKey {
	var b [32]byte
	for i := range b {
		b[i] = n
	}
	return solana.PublicKeyFromBytes(b[:])
}

func intPtr(n int) *int { return &n }

var anchorDisc = []byte{0xe5, 0x17, 0xcb, 0x97, 0x7a, 0xe3, 0xad, 0x2a}

func evaluate(t *testing.T, cfg Config, ins txview.Instruction) policy.Result {
	t.Helper()
	pp, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vc := policy.NewContext(key(0x01), &txview.View{})
	r, err := pp.Evaluate(context.Background(), vc, ins)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return r
}

func TestPrefixDiscriminatorAcceptsPayload(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Name:    "Swap",
		Instructions: []InstructionConfig{{
			Name:          "Route",
			Discriminator: policy.Prefix(anchorDisc),
			Rule:          &policy.PassRule{},
		}},
	}

	data := append(append([]byte{}, anchorDisc...), 0x01, 0x02)
	if r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: data}); !r.Allowed() {
		t.Errorf("prefix match with payload must pass, got %q", r.Reason())
	}
}

func TestExactDiscriminatorRejectsPayload(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Name:    "Swap",
		Instructions: []InstructionConfig{{
			Name:          "Ping",
			Discriminator: policy.Exact(anchorDisc),
			Rule:          &policy.PassRule{},
		}},
	}

	if r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: anchorDisc}); !r.Allowed() {
		t.Errorf("exact match must pass, got %q", r.Reason())
	}

	data := append(append([]byte{}, anchorDisc...), 0x01)
	r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: data})
	if r.Allowed() || !strings.Contains(r.Reason(), "unknown instruction") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestUnknownDiscriminatorDeniedWithPreview(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Name:    "Swap",
		Instructions: []InstructionConfig{{
			Name:          "Route",
			Discriminator: policy.Prefix(anchorDisc),
			Rule:          &policy.PassRule{},
		}},
	}

	r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05}})
	if r.Allowed() {
		t.Fatal("unknown discriminator must deny")
	}
	if !strings.Contains(r.Reason(), "Swap: unknown instruction 0x01020304..") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestMaxDataLenBoundary(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Instructions: []InstructionConfig{{
			Name:          "Route",
			Discriminator: policy.Prefix([]byte{0x01}),
			Rule:          &policy.PassRule{},
			MaxDataLen:    intPtr(4),
		}},
	}

	if r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: []byte{0x01, 0, 0, 0}}); !r.Allowed() {
		t.Errorf("data at the ceiling must pass, got %q", r.Reason())
	}
	r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: []byte{0x01, 0, 0, 0, 0}})
	if r.Allowed() || !strings.Contains(r.Reason(), "data length 5 exceeds limit 4") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestWritableSignerRequired(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Name:    "Vault",
		Instructions: []InstructionConfig{{
			Name:           "Withdraw",
			Discriminator:  policy.Prefix([]byte{0x02}),
			Rule:           &policy.PassRule{},
			WritableSigner: true,
		}},
	}

	withSigner := txview.Instruction{
		Program:  key(0x40),
		Data:     []byte{0x02},
		Accounts: []txview.AccountRef{{Address: key(0x01), Signer: true, Writable: true}},
	}
	if r := evaluate(t, cfg, withSigner); !r.Allowed() {
		t.Errorf("writable signer present must pass, got %q", r.Reason())
	}

	readonlySigner := txview.Instruction{
		Program:  key(0x40),
		Data:     []byte{0x02},
		Accounts: []txview.AccountRef{{Address: key(0x01), Signer: true}},
	}
	r := evaluate(t, cfg, readonlySigner)
	if r.Allowed() || !strings.Contains(r.Reason(), "no writable signer account") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestNilRuleIsImplicitDeny(t *testing.T) {
	cfg := Config{
		Program: key(0x40),
		Instructions: []InstructionConfig{{
			Name:          "Route",
			Discriminator: policy.Prefix([]byte{0x01}),
		}},
	}

	r := evaluate(t, cfg, txview.Instruction{Program: key(0x40), Data: []byte{0x01}})
	if r.Allowed() || !strings.Contains(r.Reason(), "Route instruction not allowed") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("zero program address must be rejected")
	}
	cfg := Config{
		Program:      key(0x40),
		Instructions: []InstructionConfig{{Discriminator: policy.Prefix([]byte{0x01})}},
	}
	if _, err := New(cfg); err == nil {
		t.Error("empty instruction name must be rejected")
	}
}

func TestNameDefaultsToProgramAddress(t *testing.T) {
	pp, err := New(Config{Program: key(0x40)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if pp.Name() != key(0x40).String() {
		t.Errorf("Name() = %q, want the program address", pp.Name())
	}
}
