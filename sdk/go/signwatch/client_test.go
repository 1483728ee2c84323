package signwatch

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/audit"
)

func key(n byte) solana.PublicKey {
	var b [32]byte
	for i := range b {
		b[i] = n
	}
	return solana.PublicKeyFromBytes(b[:])
}

// transferTx builds a legacy transaction with a single System transfer from
// the first key to the second.
func transferTx(lamports uint64, from, to solana.PublicKey) *solana.Transaction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	return &solana.Transaction{
		Signatures: []solana.Signature{{}},
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{from, to, solana.SystemProgramID},
			Header: solana.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			RecentBlockhash: solana.Hash(key(0xAA)),
			Instructions: []solana.CompiledInstruction{{
				ProgramIDIndex: 2,
				Accounts:       []uint16{0, 1},
				Data:           solana.Base58(data),
			}},
		},
	}
}

const transferPolicy = `
programs:
  system:
    instructions:
      transfer:
        max_lamports: 1000
`

func TestNewRequiresSigner(t *testing.T) {
	_, err := New(WithPolicyYAML([]byte(transferPolicy)))
	if err == nil || !strings.Contains(err.Error(), "signer is required") {
		t.Errorf("expected a signer error, got %v", err)
	}
}

func TestNewRejectsBadPolicy(t *testing.T) {
	_, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte("{{{bad")))
	if err == nil {
		t.Error("an unparseable policy must fail at construction")
	}
}

func TestValidateTransaction(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte(transferPolicy)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.ValidateTransaction(context.Background(), transferTx(1000, key(0x01), key(0x02))); err != nil {
		t.Errorf("transfer at the ceiling: %v", err)
	}

	err = c.ValidateTransaction(context.Background(), transferTx(1001, key(0x01), key(0x02)))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
	if !strings.Contains(blocked.Reason, "exceeds limit 1000") {
		t.Errorf("reason = %q", blocked.Reason)
	}
	if !strings.Contains(blocked.Error(), "signwatch blocked:") {
		t.Errorf("Error() = %q", blocked.Error())
	}
}

func TestValidateBytesRoundTrip(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte(transferPolicy)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	wire, err := transferTx(500, key(0x01), key(0x02)).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if err := c.ValidateBytes(context.Background(), wire); err != nil {
		t.Errorf("ValidateBytes: %v", err)
	}

	err = c.ValidateBytes(context.Background(), []byte{0x01, 0x02, 0x03})
	var blocked *BlockedError
	if err == nil || errors.As(err, &blocked) {
		t.Errorf("undecodable bytes must be an evaluation error, not a denial, got %v", err)
	}
}

func TestCheckReportsDecision(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte(transferPolicy)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	res, err := c.Check(ctx, transferTx(1000, key(0x01), key(0x02)))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Decision != Allow || !res.Allowed() {
		t.Errorf("decision = %q", res.Decision)
	}
	if res.Reason != "" {
		t.Errorf("allowed result carries reason %q", res.Reason)
	}
	if res.Instructions != 1 {
		t.Errorf("instructions = %d", res.Instructions)
	}
	if len(res.Programs) != 1 || res.Programs[0] != solana.SystemProgramID.String() {
		t.Errorf("programs = %v", res.Programs)
	}

	// A denial is a decision, not an error.
	res, err = c.Check(ctx, transferTx(1001, key(0x01), key(0x02)))
	if err != nil {
		t.Fatalf("Check on a denied transaction: %v", err)
	}
	if res.Decision != Deny || res.Allowed() {
		t.Errorf("decision = %q", res.Decision)
	}
	if !strings.Contains(res.Reason, "exceeds limit 1000") {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.Instructions != 1 || len(res.Programs) != 1 {
		t.Errorf("denied result = %+v", res)
	}
}

func TestCheckUndecodableIsError(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte(transferPolicy)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	tx := transferTx(1, key(0x01), key(0x02))
	tx.Message.Instructions[0].ProgramIDIndex = 9
	if _, err := c.Check(context.Background(), tx); err == nil {
		t.Error("an unevaluable transaction must surface as an error")
	}
}

func TestWrapBlocksBeforeSigning(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicyYAML([]byte(transferPolicy)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	signed := 0
	sign := c.Wrap(func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		signed++
		return solana.Signature{0x01}, nil
	})

	sig, err := sign(context.Background(), transferTx(1, key(0x01), key(0x02)))
	if err != nil || sig.IsZero() {
		t.Errorf("allowed transaction: sig=%v err=%v", sig, err)
	}
	if signed != 1 {
		t.Errorf("signer called %d times, want 1", signed)
	}

	_, err = sign(context.Background(), transferTx(2000, key(0x01), key(0x02)))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
	if signed != 1 {
		t.Error("the signing function must not run for a denied transaction")
	}
}

func TestJournalRecordsDecisions(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "audit.jsonl")
	c, err := New(
		WithSigner(key(0x01)),
		WithPolicyYAML([]byte(transferPolicy)),
		WithJournal(journalPath),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	_ = c.ValidateTransaction(ctx, transferTx(1, key(0x01), key(0x02)))
	_ = c.ValidateTransaction(ctx, transferTx(2000, key(0x01), key(0x02)))
	_ = c.ValidateBytes(ctx, []byte{0xFF})
	c.Close()

	if res := audit.Verify(journalPath); !res.Valid || res.Lines != 3 {
		t.Fatalf("Verify = %+v", res)
	}

	replay, err := audit.Replay(journalPath, audit.ReplayFilter{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	s := replay.Summary
	if s.AllowCount != 1 || s.DenyCount != 1 || s.ErrorCount != 1 {
		t.Errorf("summary = %+v", s)
	}

	allowed := replay.Entries[0]
	if allowed.Signer != key(0x01).String() {
		t.Errorf("signer = %q", allowed.Signer)
	}
	if allowed.Instructions != 1 || len(allowed.Programs) != 1 {
		t.Errorf("entry = %+v", allowed)
	}
	if allowed.Programs[0] != solana.SystemProgramID.String() {
		t.Errorf("programs = %v", allowed.Programs)
	}
	if allowed.Transaction != "unsigned" {
		t.Errorf("tx id for an unsigned decoded transaction = %q", allowed.Transaction)
	}
	if !strings.HasPrefix(allowed.PolicyHash, "sha256:") {
		t.Errorf("policy hash = %q", allowed.PolicyHash)
	}
}

func TestReloadSwapsPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(transferPolicy), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := New(WithSigner(key(0x01)), WithPolicy(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.ValidateTransaction(ctx, transferTx(800, key(0x01), key(0x02))); err != nil {
		t.Fatalf("before reload: %v", err)
	}

	tightened := strings.Replace(transferPolicy, "1000", "100", 1)
	if err := os.WriteFile(path, []byte(tightened), 0600); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	var blocked *BlockedError
	if err := c.ValidateTransaction(ctx, transferTx(800, key(0x01), key(0x02))); !errors.As(err, &blocked) {
		t.Errorf("after reload: %v", err)
	}
}

func TestReloadFailureKeepsPreviousPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(transferPolicy), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := New(WithSigner(key(0x01)), WithPolicy(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := os.WriteFile(path, []byte("{{{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err == nil {
		t.Fatal("reloading a broken policy must return an error")
	}

	// The original policy stays in force.
	if err := c.ValidateTransaction(context.Background(), transferTx(800, key(0x01), key(0x02))); err != nil {
		t.Errorf("previous policy no longer applies: %v", err)
	}
}

func TestMissingPolicyDeniesEverything(t *testing.T) {
	c, err := New(WithSigner(key(0x01)), WithPolicy(filepath.Join(t.TempDir(), "nope.yaml")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var blocked *BlockedError
	err = c.ValidateTransaction(context.Background(), transferTx(1, key(0x01), key(0x02)))
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %v", err)
	}
}

func TestDeniedTransactionWithSignatureUsesIt(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "audit.jsonl")
	c, err := New(
		WithSigner(key(0x01)),
		WithPolicyYAML([]byte(transferPolicy)),
		WithJournal(journalPath),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tx := transferTx(1, key(0x01), key(0x02))
	tx.Signatures[0] = solana.Signature{0x42}
	_ = c.ValidateTransaction(context.Background(), tx)
	c.Close()

	replay, err := audit.Replay(journalPath, audit.ReplayFilter{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replay.Entries[0].Transaction != tx.Signatures[0].String() {
		t.Errorf("tx id = %q, want the first signature", replay.Entries[0].Transaction)
	}
}
