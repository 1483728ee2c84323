package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult is the outcome of an offline chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify recomputes the journal's hash chain from the raw line bytes,
// trusting nothing stored in the file. Every decision must link to the
// exact bytes of the decision before it (the first to the genesis hash),
// so an edited reason, a re-signed transaction id, or a dropped entry all
// surface as the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open journal: %v", err)}
	}
	defer f.Close()

	var (
		prev []byte
		n    int
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
		line := append([]byte(nil), scanner.Bytes()...)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("decision is not valid JSON: %v", err),
				ErrorLine: n,
			}
		}

		want := GenesisHash
		if prev != nil {
			want = HashLine(prev)
		}
		if entry.PrevHash != want {
			if n == 1 {
				return VerifyResult{
					Error:     fmt.Sprintf("first decision links to %q, want the genesis hash", entry.PrevHash),
					ErrorLine: 1,
				}
			}
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", want, entry.PrevHash),
				ErrorLine: n,
			}
		}

		prev = line
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("read journal: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: n}
}
