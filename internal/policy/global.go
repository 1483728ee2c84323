package policy

import (
	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/txview"
)

// SignerRole constrains how the signer may relate to the transaction.
type SignerRole string

const (
	// SignerRoleAny places no constraint on the signer's role.
	SignerRoleAny SignerRole = "any"
	// SignerRoleFeePayer requires the signer to be the fee payer and to
	// stay out of every instruction's account list.
	SignerRoleFeePayer SignerRole = "fee_payer"
	// SignerRoleParticipant requires the signer to appear in at least one
	// instruction and to not be the fee payer.
	SignerRoleParticipant SignerRole = "participant"
)

// LookupTableRules is the sub-policy for address lookup tables.
type LookupTableRules struct {
	// AllowedTables restricts which tables may be referenced. Empty means
	// no restriction.
	AllowedTables []solana.PublicKey
	// MaxTables caps how many tables one transaction may reference.
	MaxTables *int
	// MaxIndexedAccounts caps the total accounts loaded across all tables.
	MaxIndexedAccounts *int
}

// LookupTablePolicy is either a blanket boolean or a sub-policy. The zero
// value denies any lookup table outright, the secure default.
type LookupTablePolicy struct {
	// Allow permits any lookup table without inspection when no Rules are
	// set.
	Allow bool
	// Rules, when non-nil, supersedes Allow.
	Rules *LookupTableRules
}

// GlobalConfig is the declarative transaction-shape policy, evaluated
// before any instruction is inspected.
type GlobalConfig struct {
	SignerRole SignerRole

	// MinInstructions defaults to 1 when nil: empty transactions are
	// denied unless explicitly permitted with an explicit 0.
	MinInstructions *int
	MaxInstructions *int

	MinSignatures *int
	MaxSignatures *int

	// MaxAccounts caps the total account count, static plus
	// lookup-table-resolved.
	MaxAccounts *int

	// AllowedSigners restricts which signer identities may validate.
	// Empty means no restriction.
	AllowedSigners []solana.PublicKey

	// AllowedVersions restricts the transaction version ("legacy", "v0").
	// Empty means no restriction.
	AllowedVersions []string

	LookupTables LookupTablePolicy
}

// Evaluate checks the transaction's global shape. The checks are
// independent; evaluation stops at the first failure and reports its
// specific reason.
func (g *GlobalConfig) Evaluate(vc *Context) Result {
	v := vc.View

	switch g.SignerRole {
	case SignerRoleFeePayer:
		if !vc.Signer.Equals(v.FeePayer) {
			return Denyf("signer %s is not the fee payer %s", vc.Signer, v.FeePayer)
		}
		if vc.SignerAppearsInInstructions() {
			return Denyf("fee-payer signer %s must not appear in instruction accounts", vc.Signer)
		}
	case SignerRoleParticipant:
		if vc.Signer.Equals(v.FeePayer) {
			return Denyf("participant signer %s must not be the fee payer", vc.Signer)
		}
		if !vc.SignerAppearsInInstructions() {
			return Denyf("signer %s does not appear in any instruction", vc.Signer)
		}
	}

	minIx := 1
	if g.MinInstructions != nil {
		minIx = *g.MinInstructions
	}
	if n := len(v.Instructions); n < minIx {
		if n == 0 {
			return Denyf("transaction has no instructions (minimum %d)", minIx)
		}
		return Denyf("transaction has %d instructions, minimum is %d", n, minIx)
	}
	if g.MaxInstructions != nil && len(v.Instructions) > *g.MaxInstructions {
		return Denyf("transaction has %d instructions, maximum is %d", len(v.Instructions), *g.MaxInstructions)
	}

	if g.MinSignatures != nil && v.SignerCount < *g.MinSignatures {
		return Denyf("transaction requires %d signatures, minimum is %d", v.SignerCount, *g.MinSignatures)
	}
	if g.MaxSignatures != nil && v.SignerCount > *g.MaxSignatures {
		return Denyf("transaction requires %d signatures, maximum is %d", v.SignerCount, *g.MaxSignatures)
	}

	if g.MaxAccounts != nil && v.TotalAccounts() > *g.MaxAccounts {
		return Denyf("transaction references %d accounts, maximum is %d", v.TotalAccounts(), *g.MaxAccounts)
	}

	if !containsAddress(g.AllowedSigners, vc.Signer) {
		return Denyf("signer %s not in allowlist", vc.Signer)
	}

	if len(g.AllowedVersions) > 0 && !containsString(g.AllowedVersions, v.Version) {
		return Denyf("transaction version %s not in allowlist", v.Version)
	}

	if r := g.evaluateLookups(v.Lookups); !r.Allowed() {
		return r
	}

	return Allow()
}

func (g *GlobalConfig) evaluateLookups(lookups []txview.LookupTable) Result {
	if len(lookups) == 0 {
		return Allow()
	}

	rules := g.LookupTables.Rules
	if rules == nil {
		if g.LookupTables.Allow {
			return Allow()
		}
		return Denyf("address lookup tables are not allowed")
	}

	if rules.MaxTables != nil && len(lookups) > *rules.MaxTables {
		return Denyf("transaction references %d lookup tables, maximum is %d", len(lookups), *rules.MaxTables)
	}

	indexed := 0
	for _, lt := range lookups {
		if !containsAddress(rules.AllowedTables, lt.Table) {
			return Denyf("lookup table %s not in allowlist", lt.Table)
		}
		indexed += lt.WritableCount + lt.ReadonlyCount
	}
	if rules.MaxIndexedAccounts != nil && indexed > *rules.MaxIndexedAccounts {
		return Denyf("lookup tables load %d accounts, maximum is %d", indexed, *rules.MaxIndexedAccounts)
	}

	return Allow()
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
