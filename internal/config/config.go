// Package config loads the signing policy document and assembles the
// policy engine from it. The document is YAML; each instruction entry is
// absent (implicit deny), a bare boolean, or a mapping of declarative
// constraints, optionally replaced by an expression rule.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Document is the parsed policy file before engine assembly.
type Document struct {
	SignerRole      string     `yaml:"signer_role"`
	MinInstructions *int       `yaml:"min_instructions"`
	MaxInstructions *int       `yaml:"max_instructions"`
	MinSignatures   *int       `yaml:"min_signatures"`
	MaxSignatures   *int       `yaml:"max_signatures"`
	MaxAccounts     *int       `yaml:"max_accounts"`
	AllowedSigners  []string   `yaml:"allowed_signers"`
	AllowedVersions []string   `yaml:"allowed_versions"`
	LookupTables    lookupNode `yaml:"lookup_tables"`

	Programs   ProgramsDoc    `yaml:"programs"`
	Simulation *SimulationDoc `yaml:"simulation"`
}

// ProgramsDoc holds the per-program sections.
type ProgramsDoc struct {
	System        *SystemDoc        `yaml:"system"`
	Token         *TokenDoc         `yaml:"token"`
	Memo          *MemoDoc          `yaml:"memo"`
	ComputeBudget *ComputeBudgetDoc `yaml:"compute_budget"`
	Custom        []CustomDoc       `yaml:"custom"`
}

// SystemDoc is the System program section.
type SystemDoc struct {
	Required     requiredNode `yaml:"required"`
	Instructions struct {
		CreateAccount         ruleNode[createAccountDoc] `yaml:"create_account"`
		Assign                ruleNode[assignDoc]        `yaml:"assign"`
		Transfer              ruleNode[transferDoc]      `yaml:"transfer"`
		CreateAccountWithSeed ruleNode[createAccountDoc] `yaml:"create_account_with_seed"`
		AdvanceNonceAccount   ruleNode[passDoc]          `yaml:"advance_nonce_account"`
		WithdrawNonceAccount  ruleNode[transferDoc]      `yaml:"withdraw_nonce_account"`
		Allocate              ruleNode[allocateDoc]      `yaml:"allocate"`
		TransferWithSeed      ruleNode[transferDoc]      `yaml:"transfer_with_seed"`
	} `yaml:"instructions"`
}

// TokenDoc is the SPL Token program section.
type TokenDoc struct {
	Required     requiredNode `yaml:"required"`
	Instructions struct {
		Transfer        ruleNode[tokenTransferDoc] `yaml:"transfer"`
		Approve         ruleNode[approveDoc]       `yaml:"approve"`
		Revoke          ruleNode[passDoc]          `yaml:"revoke"`
		SetAuthority    ruleNode[setAuthorityDoc]  `yaml:"set_authority"`
		MintTo          ruleNode[tokenTransferDoc] `yaml:"mint_to"`
		Burn            ruleNode[burnDoc]          `yaml:"burn"`
		CloseAccount    ruleNode[closeAccountDoc]  `yaml:"close_account"`
		TransferChecked ruleNode[tokenTransferDoc] `yaml:"transfer_checked"`
		ApproveChecked  ruleNode[approveDoc]       `yaml:"approve_checked"`
		BurnChecked     ruleNode[burnDoc]          `yaml:"burn_checked"`
		SyncNative      ruleNode[passDoc]          `yaml:"sync_native"`
	} `yaml:"instructions"`
}

// MemoDoc is the SPL Memo program section.
type MemoDoc struct {
	Required requiredNode      `yaml:"required"`
	Memo     ruleNode[memoDoc] `yaml:"memo"`
}

// ComputeBudgetDoc is the Compute Budget program section.
type ComputeBudgetDoc struct {
	Required     requiredNode `yaml:"required"`
	Instructions struct {
		RequestHeapFrame               ruleNode[limitDoc] `yaml:"request_heap_frame"`
		SetComputeUnitLimit            ruleNode[limitDoc] `yaml:"set_compute_unit_limit"`
		SetComputeUnitPrice            ruleNode[limitDoc] `yaml:"set_compute_unit_price"`
		SetLoadedAccountsDataSizeLimit ruleNode[limitDoc] `yaml:"set_loaded_accounts_data_size_limit"`
	} `yaml:"instructions"`
}

// CustomDoc declares a policy for one program without a built-in decoder.
type CustomDoc struct {
	Program      string         `yaml:"program"`
	Name         string         `yaml:"name"`
	Required     requiredNode   `yaml:"required"`
	Instructions []CustomInsDoc `yaml:"instructions"`
}

// CustomInsDoc is one recognized instruction of a custom program.
type CustomInsDoc struct {
	Name           string `yaml:"name"`
	Discriminator  string `yaml:"discriminator"`
	Mode           string `yaml:"mode"`
	Deny           bool   `yaml:"deny"`
	MaxDataLen     *int   `yaml:"max_data_len"`
	WritableSigner bool   `yaml:"writable_signer"`
	Rule           string `yaml:"rule"`
}

// SimulationDoc is the optional simulation section.
type SimulationDoc struct {
	RPCEndpoint         string  `yaml:"rpc_endpoint"`
	RequireSuccess      *bool   `yaml:"require_success"`
	MaxComputeUnits     *uint64 `yaml:"max_compute_units"`
	ForbidSignerClosure bool    `yaml:"forbid_signer_closure"`
}

// Per-instruction constraint mappings. Rule is the expression escape hatch
// and is exclusive with the declarative fields of its mapping.

type transferDoc struct {
	MaxLamports       *uint64  `yaml:"max_lamports"`
	AllowedRecipients []string `yaml:"allowed_recipients"`
	Rule              string   `yaml:"rule"`
}

type createAccountDoc struct {
	MaxLamports   *uint64  `yaml:"max_lamports"`
	MaxSpace      *uint64  `yaml:"max_space"`
	AllowedOwners []string `yaml:"allowed_owners"`
	Rule          string   `yaml:"rule"`
}

type assignDoc struct {
	AllowedOwners []string `yaml:"allowed_owners"`
	Rule          string   `yaml:"rule"`
}

type allocateDoc struct {
	MaxSpace *uint64 `yaml:"max_space"`
	Rule     string  `yaml:"rule"`
}

type passDoc struct {
	Rule string `yaml:"rule"`
}

type tokenTransferDoc struct {
	MaxAmount           *uint64  `yaml:"max_amount"`
	AllowedDestinations []string `yaml:"allowed_destinations"`
	AllowedMints        []string `yaml:"allowed_mints"`
	Rule                string   `yaml:"rule"`
}

type approveDoc struct {
	MaxAmount        *uint64  `yaml:"max_amount"`
	AllowedDelegates []string `yaml:"allowed_delegates"`
	Rule             string   `yaml:"rule"`
}

type burnDoc struct {
	MaxAmount    *uint64  `yaml:"max_amount"`
	AllowedMints []string `yaml:"allowed_mints"`
	Rule         string   `yaml:"rule"`
}

type setAuthorityDoc struct {
	AllowedNewAuthorities []string `yaml:"allowed_new_authorities"`
	Rule                  string   `yaml:"rule"`
}

type closeAccountDoc struct {
	AllowedDestinations []string `yaml:"allowed_destinations"`
	Rule                string   `yaml:"rule"`
}

type memoDoc struct {
	MaxLength   *int   `yaml:"max_length"`
	RequireUTF8 bool   `yaml:"require_utf8"`
	Rule        string `yaml:"rule"`
}

type limitDoc struct {
	Max  *uint64 `yaml:"max"`
	Rule string  `yaml:"rule"`
}

// Default returns the built-in policy: a fee-payer-agnostic document that
// registers no programs, so every instruction is denied until a policy file
// says otherwise.
func Default() *Document {
	return &Document{
		AllowedVersions: []string{"legacy", "v0"},
	}
}

// Load reads the policy document from a YAML file. Empty path falls back to
// ~/.signwatch/policy.yaml. Missing file returns the default document.
// Invalid YAML returns an error.
func Load(path string) (*Document, error) {
	doc, _, err := LoadWithHash(path)
	return doc, err
}

// LoadWithHash loads the policy document and returns the SHA-256 of the raw
// bytes on disk, for the audit journal. When no file exists the hash is the
// SHA-256 of empty input.
func LoadWithHash(path string) (*Document, string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), emptyHash(), nil
		}
		path = filepath.Join(home, ".signwatch", "policy.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	doc := Default()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}

	return doc, hash, nil
}

// Parse unmarshals an in-memory policy document.
func Parse(data []byte) (*Document, error) {
	doc := Default()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	return doc, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultYAML returns a commented YAML string for init-policy.
func DefaultYAML() string {
	return `# signwatch policy configuration
# Generated by: signwatch init-policy
#
# Evaluation order (cannot be changed):
#   1. Global transaction shape (signer role, counts, versions, lookup tables)
#   2. Required program / instruction presence
#   3. Per-instruction policies, in transaction order, first denial wins
#   4. Simulation (only if the simulation section is present)
#
# Every program and instruction type is denied unless listed here.

# How the signer may relate to the transaction:
#   any          no constraint
#   fee_payer    signer pays fees and appears in no instruction
#   participant  signer appears in an instruction and does not pay fees
signer_role: any

# Transaction shape bounds. min_instructions defaults to 1: empty
# transactions are denied unless you explicitly set it to 0.
#min_instructions: 1
#max_instructions: 10
#max_accounts: 32

# Accepted transaction versions.
allowed_versions: [legacy, v0]

# Address lookup tables: false, true, or a sub-policy mapping.
lookup_tables: false

programs:
  system:
    instructions:
      # Entries are: absent = deny, false = deny, true = allow,
      # mapping = declarative constraints. A mapping may instead carry a
      # single boolean expression under "rule:".
      transfer:
        max_lamports: 1000000000  # 1 SOL
        #allowed_recipients:
        #  - 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin
        #rule: "lamports <= 1000000000 && to != signer"
      advance_nonce_account: true

  #token:
  #  instructions:
  #    transfer:
  #      max_amount: 1000000
  #      allowed_destinations: []
  #      allowed_mints: []

  #memo:
  #  memo:
  #    max_length: 256
  #    require_utf8: true

  #compute_budget:
  #  instructions:
  #    set_compute_unit_limit: { max: 1400000 }
  #    set_compute_unit_price: { max: 100000 }

  # Programs without a built-in decoder, identified by discriminator.
  #custom:
  #  - program: JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4
  #    name: Jupiter
  #    instructions:
  #      - name: Route
  #        discriminator: "0xe517cb977ae3ad2a"
  #        mode: prefix

# Uncomment to require a passing simulation before approval. Any RPC
# failure denies.
#simulation:
#  rpc_endpoint: https://api.mainnet-beta.solana.com
#  require_success: true
#  max_compute_units: 1400000
#  forbid_signer_closure: true
`
}
