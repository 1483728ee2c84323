package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/signwatch/internal/audit"
)

var (
	tailLines    int
	replaySigner string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd)
	journalCmd.AddCommand(journalTailCmd)
	journalCmd.AddCommand(journalReplayCmd)
	journalTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	journalReplayCmd.Flags().StringVar(&replaySigner, "signer", "", "Limit to one signer")
	journalReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Lower time bound (RFC 3339)")
	journalReplayCmd.Flags().StringVar(&replayTo, "to", "", "Upper time bound (RFC 3339)")
	journalReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Decision journal operations",
	Long:  "Commands for verifying and inspecting the hash-chained decision journal.",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a journal",
	Long: "Walks the JSONL journal and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args: cobra.ExactArgs(1),
	RunE: runJournalVerify,
}

var journalTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent journal entries",
	Long:  "Reads the last N entries from the JSONL journal and pretty-prints them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTail,
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay <path>",
	Short: "Summarize journal decisions",
	Long: "Filters journal entries by signer and time range and prints a decision\n" +
		"timeline with allow/deny counts and the most frequent denial reasons.",
	Args: cobra.ExactArgs(1),
	RunE: runJournalReplay,
}

func runJournalVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > tailLines {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	for _, line := range lines {
		var entry audit.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

func runJournalReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{Signer: replaySigner}

	if replayFrom != "" {
		t, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		filter.From = t
	}
	if replayTo != "" {
		t, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
		filter.To = t
	}

	result, err := audit.Replay(args[0], filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(audit.FormatTimeline(result))
	}
	return nil
}
