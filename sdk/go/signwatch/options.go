package signwatch

import (
	"github.com/gagliardetto/solana-go"
)

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	policyPath  string
	policyYAML  []byte
	signer      solana.PublicKey
	rpcEndpoint string
	journalPath string
	tables      map[solana.PublicKey][]solana.PublicKey
}

// WithPolicy sets the path to a policy YAML file.
func WithPolicy(path string) Option {
	return func(c *clientConfig) { c.policyPath = path }
}

// WithPolicyYAML supplies the policy document inline, taking precedence
// over WithPolicy.
func WithPolicyYAML(data []byte) Option {
	return func(c *clientConfig) { c.policyYAML = data }
}

// WithSigner sets the signer identity transactions are validated for.
// Required.
func WithSigner(signer solana.PublicKey) Option {
	return func(c *clientConfig) { c.signer = signer }
}

// WithRPC sets the RPC endpoint used for simulation, overriding the policy
// file's rpc_endpoint. Ignored when the policy has no simulation section.
func WithRPC(endpoint string) Option {
	return func(c *clientConfig) { c.rpcEndpoint = endpoint }
}

// WithJournal records every validation decision to a hash-chained JSONL
// journal at the given path.
func WithJournal(path string) Option {
	return func(c *clientConfig) { c.journalPath = path }
}

// WithAddressTables supplies address-lookup-table contents so v0
// transactions referencing loaded accounts can be validated. Without
// tables, any instruction touching a loaded account is denied.
func WithAddressTables(tables map[solana.PublicKey][]solana.PublicKey) Option {
	return func(c *clientConfig) { c.tables = tables }
}
