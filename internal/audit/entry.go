package audit

// Entry is one validation decision in the hash-chained JSONL journal.
// All fields are scalars or slices (no map[string]any) to guarantee
// deterministic json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	Signer    string `json:"signer"`
	// Transaction identifies the evaluated transaction: the first
	// signature when present, otherwise "sha256:<hex>" of the wire bytes.
	Transaction  string   `json:"tx"`
	Decision     string   `json:"decision"`
	Reason       string   `json:"reason,omitempty"`
	Programs     []string `json:"programs,omitempty"`
	Instructions int      `json:"instructions"`
	PolicyHash   string   `json:"policy_hash"`
	PrevHash     string   `json:"prev_hash"`
}

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	// DecisionError records an evaluation that failed before producing a
	// policy outcome, such as an undecodable transaction.
	DecisionError = "error"
)
