// Package signwatch provides in-process pre-signing policy enforcement for
// Solana transactions. It inspects every instruction of a transaction a
// signer is asked to sign, evaluates it against a deny-by-default policy
// (per-program instruction rules, global transaction shape, optional
// simulation), and blocks signing at a boundary the transaction author
// cannot bypass.
//
// Usage:
//
//	sw, err := signwatch.New(
//	    signwatch.WithPolicy("policy.yaml"),
//	    signwatch.WithSigner(signerKey),
//	)
//	if err := sw.ValidateBase64(ctx, encodedTx); err != nil {
//	    var blocked *signwatch.BlockedError
//	    if errors.As(err, &blocked) {
//	        log.Printf("refused to sign: %s", blocked.Reason)
//	    }
//	}
//
// Or wrap the signing function itself:
//
//	sign := sw.Wrap(func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
//	    return wallet.Sign(tx)
//	})
//
// The SDK links directly against internal packages for zero-subprocess
// overhead. External users import github.com/ppiankov/signwatch/sdk/go/signwatch.
package signwatch
