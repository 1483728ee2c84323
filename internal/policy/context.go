package policy

import (
	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/txview"
)

// Context is the immutable per-transaction validation context. It is built
// once before evaluation starts and shared by reference across the global
// policy, every program policy, and the simulation policy. Nothing mutates
// it after construction, so one engine instance can validate many
// transactions concurrently.
type Context struct {
	// Signer is the custodial identity being asked to sign.
	Signer solana.PublicKey
	// View is the decompiled transaction under evaluation.
	View *txview.View
}

// NewContext builds a validation context for one transaction.
func NewContext(signer solana.PublicKey, view *txview.View) *Context {
	return &Context{Signer: signer, View: view}
}

// SignerAppearsInInstructions reports whether the signer is referenced as an
// account by any instruction.
func (c *Context) SignerAppearsInInstructions() bool {
	for _, ins := range c.View.Instructions {
		for _, ref := range ins.Accounts {
			if ref.Address.Equals(c.Signer) {
				return true
			}
		}
	}
	return false
}
