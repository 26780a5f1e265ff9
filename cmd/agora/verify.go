package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quorumlabs/agora/internal/config"
	"github.com/quorumlabs/agora/internal/ledger"
)

// runVerifyCommand recounts every ledger aggregate from the action log
// and reports disagreements. Offline: no forum or inference access.
func runVerifyCommand(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dir := fs.String("ledger", "", "ledger directory (default: <home>/ledger)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	target := *dir
	if target == "" {
		target = filepath.Join(config.HomeDir(), "ledger")
	}

	lg, err := ledger.Load(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: load ledger: %v\n", err)
		return 1
	}

	mismatches := lg.Verify()
	if len(mismatches) == 0 {
		fmt.Printf("ledger consistent: %d log entries, %d agents, %d channels\n",
			len(lg.Log.Entries), len(lg.Agents.Agents), len(lg.Channels.Channels))
		return 0
	}
	fmt.Fprintf(os.Stderr, "ledger inconsistent: %d mismatch(es)\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Fprintf(os.Stderr, "  - %s\n", m)
	}
	return 1
}
