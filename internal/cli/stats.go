package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/praxishq/mindloop/internal/metrics"
)

// maybePrintStats dumps the client's call timings when running verbose. Long
// commands call it on the way out, after their backend traffic has happened.
func maybePrintStats() {
	if !verbose || api == nil {
		return
	}
	printClientStats(os.Stderr, api.Metrics().Snapshot())
}

// printClientStats renders one process's backend call timings.
func printClientStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Client statistics (this process, %.1fs)\n", snap.UptimeSeconds)

	if snap.Fetch != nil {
		fmt.Fprintf(w, "\nFetches:\n")
		printOpStats(w, snap.Fetch)
	}
	if snap.Mutation != nil {
		fmt.Fprintf(w, "\nMutations:\n")
		printOpStats(w, snap.Mutation)
	}
	if snap.Stream != nil {
		fmt.Fprintf(w, "\nStreams:\n")
		printOpStats(w, snap.Stream)
	}
	if snap.Fetch == nil && snap.Mutation == nil && snap.Stream == nil {
		fmt.Fprintln(w, "\nNo backend calls made.")
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
