package signwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ppiankov/signwatch/internal/audit"
	"github.com/ppiankov/signwatch/internal/config"
	"github.com/ppiankov/signwatch/internal/policy"
	"github.com/ppiankov/signwatch/internal/txview"
	"github.com/ppiankov/signwatch/internal/watch"
)

// Client validates transactions against the signing policy. Thread-safe
// for concurrent validation; Reload swaps the policy atomically.
type Client struct {
	cfg clientConfig

	mu         sync.RWMutex
	engine     *policy.Engine
	sim        *policy.SimulationPolicy
	policyHash string

	journal *audit.Journal
}

// New creates a Client with the given options. A signer is required; a
// missing policy file yields the built-in default, which registers no
// programs and therefore denies every instruction.
func New(opts ...Option) (*Client, error) {
	var cfg clientConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.signer.IsZero() {
		return nil, fmt.Errorf("signwatch: a signer is required, use WithSigner")
	}

	c := &Client{cfg: cfg}

	if err := c.loadPolicy(); err != nil {
		return nil, err
	}

	if cfg.journalPath != "" {
		j, err := audit.Open(cfg.journalPath)
		if err != nil {
			return nil, fmt.Errorf("signwatch: %w", err)
		}
		c.journal = j
	}

	return c, nil
}

// loadPolicy reads, builds, and installs the policy. On failure the
// previous policy, if any, stays installed.
func (c *Client) loadPolicy() error {
	var (
		doc  *config.Document
		hash string
		err  error
	)
	if c.cfg.policyYAML != nil {
		doc, err = config.Parse(c.cfg.policyYAML)
		if err == nil {
			hash = audit.HashLine(c.cfg.policyYAML)
		}
	} else {
		doc, hash, err = config.LoadWithHash(c.cfg.policyPath)
	}
	if err != nil {
		return fmt.Errorf("signwatch: failed to load policy: %w", err)
	}

	engine, err := doc.Build()
	if err != nil {
		return fmt.Errorf("signwatch: failed to build policy: %w", err)
	}

	var sim *policy.SimulationPolicy
	if constraints := doc.SimulationConstraints(); constraints != nil {
		endpoint := c.cfg.rpcEndpoint
		if endpoint == "" {
			endpoint = doc.Simulation.RPCEndpoint
		}
		if endpoint == "" {
			return fmt.Errorf("signwatch: policy requires simulation but no RPC endpoint is configured")
		}
		sim = policy.NewSimulationPolicy(rpc.New(endpoint), *constraints)
	}

	c.mu.Lock()
	c.engine = engine
	c.sim = sim
	c.policyHash = hash
	c.mu.Unlock()
	return nil
}

// Reload re-reads the policy from its source and installs it. Used by the
// file watcher and available to callers managing reload themselves.
func (c *Client) Reload() error {
	return c.loadPolicy()
}

// Watch reloads the policy whenever its file changes. Blocks until ctx is
// cancelled; a reload failure keeps the previous policy. Only meaningful
// with WithPolicy.
func (c *Client) Watch(ctx context.Context) error {
	if c.cfg.policyPath == "" {
		return fmt.Errorf("signwatch: watch requires a policy file path")
	}
	w := watch.NewPolicyWatcher(c.cfg.policyPath, func(path string) {
		if err := c.Reload(); err != nil {
			slog.Warn("policy reload failed, keeping previous policy", "path", path, "error", err)
		}
	})
	return w.Run(ctx)
}

// Close releases the journal, if any.
func (c *Client) Close() error {
	if c.journal != nil {
		return c.journal.Close()
	}
	return nil
}

// ValidateBytes validates a wire-encoded transaction. Returns nil when the
// policy allows signing, a *BlockedError when it denies, and another error
// when the transaction cannot be evaluated at all.
func (c *Client) ValidateBytes(ctx context.Context, raw []byte) error {
	view, err := txview.FromBytes(raw, txview.WithAddressTables(c.cfg.tables))
	if err != nil {
		return c.recordError(err)
	}
	return c.validate(ctx, view)
}

// ValidateBase64 validates a base64-encoded wire transaction.
func (c *Client) ValidateBase64(ctx context.Context, encoded string) error {
	view, err := txview.FromBase64(encoded, txview.WithAddressTables(c.cfg.tables))
	if err != nil {
		return c.recordError(err)
	}
	return c.validate(ctx, view)
}

// ValidateTransaction validates an already-decoded transaction.
func (c *Client) ValidateTransaction(ctx context.Context, tx *solana.Transaction) error {
	view, err := txview.FromTransaction(tx, txview.WithAddressTables(c.cfg.tables))
	if err != nil {
		return c.recordError(err)
	}
	return c.validate(ctx, view)
}

// Check validates a transaction and reports the decision rather than an
// error: a policy denial is a Deny Result, not a failure. The error return
// is reserved for transactions that cannot be evaluated at all.
func (c *Client) Check(ctx context.Context, tx *solana.Transaction) (Result, error) {
	view, err := txview.FromTransaction(tx, txview.WithAddressTables(c.cfg.tables))
	if err != nil {
		return Result{}, c.recordError(err)
	}

	res := Result{
		Decision:     Allow,
		Programs:     programList(view),
		Instructions: len(view.Instructions),
	}
	err = c.validate(ctx, view)
	var blocked *BlockedError
	switch {
	case err == nil:
	case errors.As(err, &blocked):
		res.Decision = Deny
		res.Reason = blocked.Reason
	default:
		return Result{}, err
	}
	return res, nil
}

// SignFunc is the signing operation that Wrap guards.
type SignFunc func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

// Wrap returns a SignFunc that validates the transaction before signing.
// If policy denies, it returns a *BlockedError without calling fn.
func (c *Client) Wrap(fn SignFunc) SignFunc {
	return func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		if err := c.ValidateTransaction(ctx, tx); err != nil {
			return solana.Signature{}, err
		}
		return fn(ctx, tx)
	}
}

func (c *Client) validate(ctx context.Context, view *txview.View) error {
	c.mu.RLock()
	engine := c.engine
	sim := c.sim
	hash := c.policyHash
	c.mu.RUnlock()

	err := engine.Validate(ctx, c.cfg.signer, view)
	if err == nil && sim != nil {
		vc := policy.NewContext(c.cfg.signer, view)
		if r := sim.Evaluate(ctx, vc); !r.Allowed() {
			err = &policy.DenialError{Reason: r.Reason()}
		}
	}

	c.record(view, hash, err)

	var denial *policy.DenialError
	if errors.As(err, &denial) {
		return &BlockedError{Reason: denial.Reason}
	}
	return err
}

// record journals the decision; journal write failures do not change the
// decision.
func (c *Client) record(view *txview.View, hash string, verr error) {
	if c.journal == nil {
		return
	}

	entry := audit.Entry{
		Signer:       c.cfg.signer.String(),
		Transaction:  transactionID(view),
		Decision:     audit.DecisionAllow,
		Programs:     programList(view),
		Instructions: len(view.Instructions),
		PolicyHash:   hash,
	}
	if verr != nil {
		var denial *policy.DenialError
		if errors.As(verr, &denial) {
			entry.Decision = audit.DecisionDeny
			entry.Reason = denial.Reason
		} else {
			entry.Decision = audit.DecisionError
			entry.Reason = verr.Error()
		}
	}
	_ = c.journal.Record(entry)
}

func (c *Client) recordError(err error) error {
	if c.journal != nil {
		_ = c.journal.Record(audit.Entry{
			Signer:   c.cfg.signer.String(),
			Decision: audit.DecisionError,
			Reason:   err.Error(),
			PolicyHash: func() string {
				c.mu.RLock()
				defer c.mu.RUnlock()
				return c.policyHash
			}(),
		})
	}
	return err
}

func transactionID(view *txview.View) string {
	if view.Tx != nil && len(view.Tx.Signatures) > 0 && !view.Tx.Signatures[0].IsZero() {
		return view.Tx.Signatures[0].String()
	}
	if len(view.Wire) > 0 {
		return audit.HashWire(view.Wire)
	}
	return "unsigned"
}

func programList(view *txview.View) []string {
	seen := make(map[solana.PublicKey]bool)
	var out []string
	for _, ins := range view.Instructions {
		if !seen[ins.Program] {
			seen[ins.Program] = true
			out = append(out, ins.Program.String())
		}
	}
	return out
}
