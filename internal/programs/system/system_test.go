package system

import (
	"context"
	"encoding/binary"
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

func u64Ptr(n uint64) *uint64 { return &n }

func ins(data []byte, accounts ...solana.PublicKey) txview.Instruction {
	out := txview.Instruction{Program: ProgramID, Data: data}
	for _, a := range accounts {
		out.Accounts = append(out.Accounts, txview.AccountRef{Address: a})
	}
	return out
}

func transferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return data
}

func createAccountData(lamports, space uint64, owner solana.PublicKey) []byte {
	data := make([]byte, 52)
	binary.LittleEndian.PutUint32(data[0:], 0)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], owner.Bytes())
	return data
}

func evaluate(t *testing.T, cfg Config, instruction txview.Instruction) policy.Result {
	t.Helper()
	vc := policy.NewContext(key(0x01), &txview.View{})
	r, err := New(cfg).Evaluate(context.Background(), vc, instruction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestTransferAmountCeiling(t *testing.T) {
	cfg := Config{Instructions: Instructions{Transfer: &TransferRule{MaxLamports: u64Ptr(1_000_000_000)}}}

	from, to := key(0x02), key(0x03)
	if r := evaluate(t, cfg, ins(transferData(1_000_000_000), from, to)); !r.Allowed() {
		t.Errorf("transfer at the ceiling must pass, got %q", r.Reason())
	}

	r := evaluate(t, cfg, ins(transferData(1_000_000_001), from, to))
	if r.Allowed() {
		t.Fatal("transfer over the ceiling must deny")
	}
	for _, want := range []string{"System", "Transfer", "1000000001", "exceeds limit", "SOL"} {
		if !strings.Contains(r.Reason(), want) {
			t.Errorf("reason %q missing %q", r.Reason(), want)
		}
	}
}

func TestTransferRecipientAllowlist(t *testing.T) {
	allowed := key(0x03)
	stranger := key(0x04)
	cfg := Config{Instructions: Instructions{Transfer: &TransferRule{
		AllowedRecipients: []solana.PublicKey{allowed},
	}}}

	if r := evaluate(t, cfg, ins(transferData(1), key(0x02), allowed)); !r.Allowed() {
		t.Errorf("allowed recipient must pass, got %q", r.Reason())
	}

	r := evaluate(t, cfg, ins(transferData(1), key(0x02), stranger))
	if r.Allowed() {
		t.Fatal("unlisted recipient must deny")
	}
	if !strings.Contains(r.Reason(), "not in allowlist") || !strings.Contains(r.Reason(), stranger.String()) {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestTransferImplicitAndExplicitDeny(t *testing.T) {
	r := evaluate(t, Config{}, ins(transferData(1), key(0x02), key(0x03)))
	if r.Allowed() || !strings.Contains(r.Reason(), "Transfer instruction not allowed") {
		t.Errorf("implicit deny reason = %q", r.Reason())
	}

	cfg := Config{Instructions: Instructions{Transfer: &TransferRule{Deny: true}}}
	r = evaluate(t, cfg, ins(transferData(1), key(0x02), key(0x03)))
	if r.Allowed() || !strings.Contains(r.Reason(), "explicitly denied") {
		t.Errorf("explicit deny reason = %q", r.Reason())
	}
}

func TestTransferRuleWithoutConstraintsAllows(t *testing.T) {
	cfg := Config{Instructions: Instructions{Transfer: &TransferRule{}}}
	if r := evaluate(t, cfg, ins(transferData(1), key(0x02), key(0x03))); !r.Allowed() {
		t.Errorf("unconstrained rule must allow, got %q", r.Reason())
	}
}

func TestCreateAccountConstraints(t *testing.T) {
	owner := key(0x09)
	cfg := Config{Instructions: Instructions{CreateAccount: &CreateAccountRule{
		MaxLamports:   u64Ptr(2_000_000),
		MaxSpace:      u64Ptr(165),
		AllowedOwners: []solana.PublicKey{owner},
	}}}

	funder, fresh := key(0x02), key(0x03)
	if r := evaluate(t, cfg, ins(createAccountData(2_000_000, 165, owner), funder, fresh)); !r.Allowed() {
		t.Errorf("compliant create must pass, got %q", r.Reason())
	}

	r := evaluate(t, cfg, ins(createAccountData(2_000_000, 166, owner), funder, fresh))
	if r.Allowed() || !strings.Contains(r.Reason(), "space 166 exceeds limit 165") {
		t.Errorf("reason = %q", r.Reason())
	}

	r = evaluate(t, cfg, ins(createAccountData(1, 1, key(0x0A)), funder, fresh))
	if r.Allowed() || !strings.Contains(r.Reason(), "owner") || !strings.Contains(r.Reason(), "not in allowlist") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestAdvanceNonceIsExactMatch(t *testing.T) {
	cfg := Config{Instructions: Instructions{AdvanceNonceAccount: &policy.PassRule{}}}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 4)

	if r := evaluate(t, cfg, ins(data, key(0x02))); !r.Allowed() {
		t.Errorf("bare advance-nonce must pass, got %q", r.Reason())
	}

	// A trailing byte makes it an unknown instruction, not an advance.
	r := evaluate(t, cfg, ins(append(data, 0xFF), key(0x02)))
	if r.Allowed() {
		t.Fatal("advance-nonce with trailing bytes must deny")
	}
	if !strings.Contains(r.Reason(), "unknown instruction") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestUnknownOpcodeDeniedWithPreview(t *testing.T) {
	data := make([]byte, 6)
	binary.LittleEndian.PutUint32(data, 99)
	data[4], data[5] = 0xAA, 0xBB

	r := evaluate(t, Config{}, ins(data))
	if r.Allowed() {
		t.Fatal("unknown opcode must deny")
	}
	if !strings.Contains(r.Reason(), "System: unknown instruction 0x63000000..") {
		t.Errorf("reason = %q", r.Reason())
	}
}

func TestDecodeTransferVariants(t *testing.T) {
	from, nonce, to := key(0x02), key(0x05), key(0x03)

	got, err := decodeTransfer(ins(transferData(77), from, to))
	if err != nil {
		t.Fatalf("decodeTransfer: %v", err)
	}
	if got.Lamports != 77 || !got.From.Equals(from) || !got.To.Equals(to) {
		t.Errorf("decodeTransfer = %+v", got)
	}

	// TransferWithSeed: destination is the third account.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], 11)
	binary.LittleEndian.PutUint64(data[4:], 55)
	got, err = decodeTransferWithSeed(ins(data, from, key(0x06), to))
	if err != nil {
		t.Fatalf("decodeTransferWithSeed: %v", err)
	}
	if got.Lamports != 55 || !got.To.Equals(to) {
		t.Errorf("decodeTransferWithSeed = %+v", got)
	}

	// WithdrawNonceAccount: nonce account first, destination second.
	data = make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], 5)
	binary.LittleEndian.PutUint64(data[4:], 33)
	got, err = decodeWithdrawNonce(ins(data, nonce, to))
	if err != nil {
		t.Fatalf("decodeWithdrawNonce: %v", err)
	}
	if got.Lamports != 33 || !got.From.Equals(nonce) || !got.To.Equals(to) {
		t.Errorf("decodeWithdrawNonce = %+v", got)
	}
}

func TestDecodeMissingAccountsFails(t *testing.T) {
	if _, err := decodeTransfer(ins(transferData(1), key(0x02))); err == nil {
		t.Error("transfer with one account must fail to decode")
	}
	cfg := Config{Instructions: Instructions{Transfer: &TransferRule{MaxLamports: u64Ptr(10)}}}
	r := evaluate(t, cfg, ins(transferData(1), key(0x02)))
	if r.Allowed() || !strings.Contains(r.Reason(), "failed to decode") {
		t.Errorf("reason = %q", r.Reason())
	}
}
