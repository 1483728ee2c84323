package config

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/programs/computebudget"
	"github.com/ppiankov/signwatch/internal/programs/custom"
	"github.com/ppiankov/signwatch/internal/programs/memo"
	"github.com/ppiankov/signwatch/internal/programs/system"
	"github.com/ppiankov/signwatch/internal/programs/token"
	"github.com/ppiankov/signwatch/internal/txview"
)

// Build assembles the policy engine from the parsed document. Every error
// is a configuration error: bad addresses, bad discriminators, expression
// rules that do not compile, or a rule combined with declarative
// constraints in one entry.
func (d *Document) Build() (*policy.Engine, error) {
	global, err := d.buildGlobal()
	if err != nil {
		return nil, err
	}

	var programs []policy.ProgramPolicy
	if d.Programs.System != nil {
		pp, err := buildSystem(d.Programs.System)
		if err != nil {
			return nil, err
		}
		programs = append(programs, pp)
	}
	if d.Programs.Token != nil {
		pp, err := buildToken(d.Programs.Token)
		if err != nil {
			return nil, err
		}
		programs = append(programs, pp)
	}
	if d.Programs.Memo != nil {
		pp, err := buildMemo(d.Programs.Memo)
		if err != nil {
			return nil, err
		}
		programs = append(programs, pp)
	}
	if d.Programs.ComputeBudget != nil {
		pp, err := buildComputeBudget(d.Programs.ComputeBudget)
		if err != nil {
			return nil, err
		}
		programs = append(programs, pp)
	}
	for i := range d.Programs.Custom {
		pp, err := buildCustom(&d.Programs.Custom[i])
		if err != nil {
			return nil, err
		}
		programs = append(programs, pp)
	}

	return policy.NewEngine(policy.EngineConfig{Global: global, Programs: programs})
}

// SimulationConstraints returns the simulation bounds, or nil when the
// document has no simulation section.
func (d *Document) SimulationConstraints() *policy.SimulationConstraints {
	if d.Simulation == nil {
		return nil
	}
	return &policy.SimulationConstraints{
		RequireSuccess:      d.Simulation.RequireSuccess,
		MaxComputeUnits:     d.Simulation.MaxComputeUnits,
		ForbidSignerClosure: d.Simulation.ForbidSignerClosure,
	}
}

func (d *Document) buildGlobal() (policy.GlobalConfig, error) {
	g := policy.GlobalConfig{
		MinInstructions: d.MinInstructions,
		MaxInstructions: d.MaxInstructions,
		MinSignatures:   d.MinSignatures,
		MaxSignatures:   d.MaxSignatures,
		MaxAccounts:     d.MaxAccounts,
		AllowedVersions: d.AllowedVersions,
	}

	switch d.SignerRole {
	case "", string(policy.SignerRoleAny):
		g.SignerRole = policy.SignerRoleAny
	case string(policy.SignerRoleFeePayer):
		g.SignerRole = policy.SignerRoleFeePayer
	case string(policy.SignerRoleParticipant):
		g.SignerRole = policy.SignerRoleParticipant
	default:
		return g, fmt.Errorf("signer_role %q must be any, fee_payer, or participant", d.SignerRole)
	}

	signers, err := parseKeys("allowed_signers", d.AllowedSigners)
	if err != nil {
		return g, err
	}
	g.AllowedSigners = signers

	if d.LookupTables.set {
		if d.LookupTables.rules != nil {
			tables, err := parseKeys("lookup_tables.allowed_tables", d.LookupTables.rules.AllowedTables)
			if err != nil {
				return g, err
			}
			g.LookupTables = policy.LookupTablePolicy{Rules: &policy.LookupTableRules{
				AllowedTables:      tables,
				MaxTables:          d.LookupTables.rules.MaxTables,
				MaxIndexedAccounts: d.LookupTables.rules.MaxIndexedAccounts,
			}}
		} else {
			g.LookupTables = policy.LookupTablePolicy{Allow: d.LookupTables.allow != nil && *d.LookupTables.allow}
		}
	}

	return g, nil
}

func buildSystem(doc *SystemDoc) (policy.ProgramPolicy, error) {
	var cfg system.Config
	cfg.Required = doc.Required.requirement()
	ins := &doc.Instructions
	var err error

	if cfg.Instructions.CreateAccount, err = createAccountRule(ins.CreateAccount, "system.create_account", system.InstructionCreateAccount); err != nil {
		return nil, err
	}
	if cfg.Instructions.Assign, err = assignRule(ins.Assign, "system.assign"); err != nil {
		return nil, err
	}
	if cfg.Instructions.Transfer, err = transferRule(ins.Transfer, "system.transfer", system.InstructionTransfer); err != nil {
		return nil, err
	}
	if cfg.Instructions.CreateAccountWithSeed, err = createAccountRule(ins.CreateAccountWithSeed, "system.create_account_with_seed", system.InstructionCreateAccountWithSeed); err != nil {
		return nil, err
	}
	if cfg.Instructions.AdvanceNonceAccount, err = passRule(ins.AdvanceNonceAccount, "system.advance_nonce_account", "System", system.InstructionAdvanceNonceAccount); err != nil {
		return nil, err
	}
	if cfg.Instructions.WithdrawNonceAccount, err = transferRule(ins.WithdrawNonceAccount, "system.withdraw_nonce_account", system.InstructionWithdrawNonceAccount); err != nil {
		return nil, err
	}
	if cfg.Instructions.Allocate, err = allocateRule(ins.Allocate, "system.allocate"); err != nil {
		return nil, err
	}
	if cfg.Instructions.TransferWithSeed, err = transferRule(ins.TransferWithSeed, "system.transfer_with_seed", system.InstructionTransferWithSeed); err != nil {
		return nil, err
	}

	return system.New(cfg), nil
}

func buildToken(doc *TokenDoc) (policy.ProgramPolicy, error) {
	var cfg token.Config
	cfg.Required = doc.Required.requirement()
	ins := &doc.Instructions
	var err error

	if cfg.Instructions.Transfer, err = tokenTransferRule(ins.Transfer, "token.transfer", token.InstructionTransfer); err != nil {
		return nil, err
	}
	if cfg.Instructions.Approve, err = approveRule(ins.Approve, "token.approve", token.InstructionApprove); err != nil {
		return nil, err
	}
	if cfg.Instructions.Revoke, err = passRule(ins.Revoke, "token.revoke", "Token", token.InstructionRevoke); err != nil {
		return nil, err
	}
	if cfg.Instructions.SetAuthority, err = setAuthorityRule(ins.SetAuthority, "token.set_authority"); err != nil {
		return nil, err
	}
	if cfg.Instructions.MintTo, err = tokenTransferRule(ins.MintTo, "token.mint_to", token.InstructionMintTo); err != nil {
		return nil, err
	}
	if cfg.Instructions.Burn, err = burnRule(ins.Burn, "token.burn", token.InstructionBurn); err != nil {
		return nil, err
	}
	if cfg.Instructions.CloseAccount, err = closeAccountRule(ins.CloseAccount, "token.close_account"); err != nil {
		return nil, err
	}
	if cfg.Instructions.TransferChecked, err = tokenTransferRule(ins.TransferChecked, "token.transfer_checked", token.InstructionTransferChecked); err != nil {
		return nil, err
	}
	if cfg.Instructions.ApproveChecked, err = approveRule(ins.ApproveChecked, "token.approve_checked", token.InstructionApproveChecked); err != nil {
		return nil, err
	}
	if cfg.Instructions.BurnChecked, err = burnRule(ins.BurnChecked, "token.burn_checked", token.InstructionBurnChecked); err != nil {
		return nil, err
	}
	if cfg.Instructions.SyncNative, err = passRule(ins.SyncNative, "token.sync_native", "Token", token.InstructionSyncNative); err != nil {
		return nil, err
	}

	return token.New(cfg), nil
}

func buildMemo(doc *MemoDoc) (policy.ProgramPolicy, error) {
	var cfg memo.Config
	cfg.Required = doc.Required.requirement()

	n := doc.Memo
	if n.set {
		switch {
		case n.allow != nil:
			cfg.Rule = &memo.Rule{Deny: !*n.allow}
		default:
			d := n.body
			if err := exclusiveRule("memo.memo", d.Rule, d.MaxLength != nil || d.RequireUTF8); err != nil {
				return nil, err
			}
			if d.Rule != "" {
				cb, err := ruleCallback[memo.Memo]("Memo", memo.InstructionMemo, d.Rule)
				if err != nil {
					return nil, err
				}
				cfg.Rule = &memo.Rule{Callback: cb}
			} else {
				cfg.Rule = &memo.Rule{MaxLength: d.MaxLength, RequireUTF8: d.RequireUTF8}
			}
		}
	}

	return memo.New(cfg), nil
}

func buildComputeBudget(doc *ComputeBudgetDoc) (policy.ProgramPolicy, error) {
	var cfg computebudget.Config
	cfg.Required = doc.Required.requirement()
	ins := &doc.Instructions
	var err error

	if cfg.Instructions.RequestHeapFrame, err = limitRule(ins.RequestHeapFrame, "compute_budget.request_heap_frame", computebudget.InstructionRequestHeapFrame); err != nil {
		return nil, err
	}
	if cfg.Instructions.SetComputeUnitLimit, err = limitRule(ins.SetComputeUnitLimit, "compute_budget.set_compute_unit_limit", computebudget.InstructionSetComputeUnitLimit); err != nil {
		return nil, err
	}
	if cfg.Instructions.SetComputeUnitPrice, err = priceRule(ins.SetComputeUnitPrice, "compute_budget.set_compute_unit_price"); err != nil {
		return nil, err
	}
	if cfg.Instructions.SetLoadedAccountsDataSizeLimit, err = limitRule(ins.SetLoadedAccountsDataSizeLimit, "compute_budget.set_loaded_accounts_data_size_limit", computebudget.InstructionSetLoadedAccountsDataSizeLimit); err != nil {
		return nil, err
	}

	return computebudget.New(cfg), nil
}

func buildCustom(doc *CustomDoc) (policy.ProgramPolicy, error) {
	program, err := parseKey("custom.program", doc.Program)
	if err != nil {
		return nil, err
	}

	cfg := custom.Config{
		Program:  program,
		Name:     doc.Name,
		Required: doc.Required.requirement(),
	}
	label := doc.Name
	if label == "" {
		label = doc.Program
	}

	for _, ic := range doc.Instructions {
		disc, err := parseDiscriminator(ic.Discriminator, ic.Mode)
		if err != nil {
			return nil, fmt.Errorf("custom program %s, instruction %s: %w", label, ic.Name, err)
		}
		insCfg := custom.InstructionConfig{
			Name:          ic.Name,
			Discriminator: disc,
		}
		switch {
		case ic.Deny:
			insCfg.Rule = &policy.PassRule{Deny: true}
		case ic.Rule != "":
			if ic.MaxDataLen != nil || ic.WritableSigner {
				return nil, fmt.Errorf("custom program %s, instruction %s: rule is exclusive with declarative constraints", label, ic.Name)
			}
			cb, err := ruleCallback[txview.Instruction](label, ic.Name, ic.Rule)
			if err != nil {
				return nil, err
			}
			insCfg.Rule = &policy.PassRule{Callback: cb}
		default:
			insCfg.Rule = &policy.PassRule{}
			insCfg.MaxDataLen = ic.MaxDataLen
			insCfg.WritableSigner = ic.WritableSigner
		}
		cfg.Instructions = append(cfg.Instructions, insCfg)
	}

	return custom.New(cfg)
}

// Per-instruction rule builders. Each maps one YAML entry onto the program
// package's rule struct, preserving the absent / false / true / mapping
// distinction.

func transferRule(n ruleNode[transferDoc], key, instruction string) (*system.TransferRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &system.TransferRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxLamports != nil || len(d.AllowedRecipients) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[system.Transfer]("System", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &system.TransferRule{Callback: cb}, nil
	}
	recipients, err := parseKeys(key+".allowed_recipients", d.AllowedRecipients)
	if err != nil {
		return nil, err
	}
	return &system.TransferRule{MaxLamports: d.MaxLamports, AllowedRecipients: recipients}, nil
}

func createAccountRule(n ruleNode[createAccountDoc], key, instruction string) (*system.CreateAccountRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &system.CreateAccountRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxLamports != nil || d.MaxSpace != nil || len(d.AllowedOwners) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[system.CreateAccount]("System", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &system.CreateAccountRule{Callback: cb}, nil
	}
	owners, err := parseKeys(key+".allowed_owners", d.AllowedOwners)
	if err != nil {
		return nil, err
	}
	return &system.CreateAccountRule{MaxLamports: d.MaxLamports, MaxSpace: d.MaxSpace, AllowedOwners: owners}, nil
}

func assignRule(n ruleNode[assignDoc], key string) (*system.AssignRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &system.AssignRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, len(d.AllowedOwners) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[system.Assign]("System", system.InstructionAssign, d.Rule)
		if err != nil {
			return nil, err
		}
		return &system.AssignRule{Callback: cb}, nil
	}
	owners, err := parseKeys(key+".allowed_owners", d.AllowedOwners)
	if err != nil {
		return nil, err
	}
	return &system.AssignRule{AllowedOwners: owners}, nil
}

func allocateRule(n ruleNode[allocateDoc], key string) (*system.AllocateRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &system.AllocateRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxSpace != nil); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[system.Allocate]("System", system.InstructionAllocate, d.Rule)
		if err != nil {
			return nil, err
		}
		return &system.AllocateRule{Callback: cb}, nil
	}
	return &system.AllocateRule{MaxSpace: d.MaxSpace}, nil
}

func passRule(n ruleNode[passDoc], key, program, instruction string) (*policy.PassRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &policy.PassRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if d.Rule == "" {
		return &policy.PassRule{}, nil
	}
	cb, err := ruleCallback[txview.Instruction](program, instruction, d.Rule)
	if err != nil {
		return nil, err
	}
	return &policy.PassRule{Callback: cb}, nil
}

func tokenTransferRule(n ruleNode[tokenTransferDoc], key, instruction string) (*token.TransferRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &token.TransferRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxAmount != nil || len(d.AllowedDestinations) > 0 || len(d.AllowedMints) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[token.Transfer]("Token", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &token.TransferRule{Callback: cb}, nil
	}
	dests, err := parseKeys(key+".allowed_destinations", d.AllowedDestinations)
	if err != nil {
		return nil, err
	}
	mints, err := parseKeys(key+".allowed_mints", d.AllowedMints)
	if err != nil {
		return nil, err
	}
	return &token.TransferRule{MaxAmount: d.MaxAmount, AllowedDestinations: dests, AllowedMints: mints}, nil
}

func approveRule(n ruleNode[approveDoc], key, instruction string) (*token.ApproveRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &token.ApproveRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxAmount != nil || len(d.AllowedDelegates) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[token.Approve]("Token", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &token.ApproveRule{Callback: cb}, nil
	}
	delegates, err := parseKeys(key+".allowed_delegates", d.AllowedDelegates)
	if err != nil {
		return nil, err
	}
	return &token.ApproveRule{MaxAmount: d.MaxAmount, AllowedDelegates: delegates}, nil
}

func burnRule(n ruleNode[burnDoc], key, instruction string) (*token.BurnRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &token.BurnRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.MaxAmount != nil || len(d.AllowedMints) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[token.Burn]("Token", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &token.BurnRule{Callback: cb}, nil
	}
	mints, err := parseKeys(key+".allowed_mints", d.AllowedMints)
	if err != nil {
		return nil, err
	}
	return &token.BurnRule{MaxAmount: d.MaxAmount, AllowedMints: mints}, nil
}

func setAuthorityRule(n ruleNode[setAuthorityDoc], key string) (*token.SetAuthorityRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &token.SetAuthorityRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, len(d.AllowedNewAuthorities) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[token.SetAuthority]("Token", token.InstructionSetAuthority, d.Rule)
		if err != nil {
			return nil, err
		}
		return &token.SetAuthorityRule{Callback: cb}, nil
	}
	authorities, err := parseKeys(key+".allowed_new_authorities", d.AllowedNewAuthorities)
	if err != nil {
		return nil, err
	}
	return &token.SetAuthorityRule{AllowedNewAuthorities: authorities}, nil
}

func closeAccountRule(n ruleNode[closeAccountDoc], key string) (*token.CloseAccountRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &token.CloseAccountRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, len(d.AllowedDestinations) > 0); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[token.CloseAccount]("Token", token.InstructionCloseAccount, d.Rule)
		if err != nil {
			return nil, err
		}
		return &token.CloseAccountRule{Callback: cb}, nil
	}
	dests, err := parseKeys(key+".allowed_destinations", d.AllowedDestinations)
	if err != nil {
		return nil, err
	}
	return &token.CloseAccountRule{AllowedDestinations: dests}, nil
}

func limitRule(n ruleNode[limitDoc], key, instruction string) (*computebudget.LimitRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &computebudget.LimitRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.Max != nil); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[computebudget.Limit]("ComputeBudget", instruction, d.Rule)
		if err != nil {
			return nil, err
		}
		return &computebudget.LimitRule{Callback: cb}, nil
	}
	return &computebudget.LimitRule{Max: d.Max}, nil
}

func priceRule(n ruleNode[limitDoc], key string) (*computebudget.PriceRule, error) {
	if !n.set {
		return nil, nil
	}
	if n.allow != nil {
		return &computebudget.PriceRule{Deny: !*n.allow}, nil
	}
	d := n.body
	if err := exclusiveRule(key, d.Rule, d.Max != nil); err != nil {
		return nil, err
	}
	if d.Rule != "" {
		cb, err := ruleCallback[computebudget.Price]("ComputeBudget", computebudget.InstructionSetComputeUnitPrice, d.Rule)
		if err != nil {
			return nil, err
		}
		return &computebudget.PriceRule{Callback: cb}, nil
	}
	return &computebudget.PriceRule{Max: d.Max}, nil
}

// exclusiveRule rejects entries that set both an expression rule and
// declarative constraints: the two variants have different evaluation
// semantics and silently preferring one would mislead the operator.
func exclusiveRule(key, rule string, hasConstraints bool) error {
	if rule != "" && hasConstraints {
		return fmt.Errorf("%s: rule is exclusive with declarative constraints", key)
	}
	return nil
}

func parseKey(key, s string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, s, err)
	}
	return pk, nil
}

func parseKeys(key string, in []string) ([]solana.PublicKey, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]solana.PublicKey, 0, len(in))
	for _, s := range in {
		pk, err := parseKey(key, s)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}
