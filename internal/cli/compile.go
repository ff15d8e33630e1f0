package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/session"
)

var compileCmd = &cobra.Command{
	Use:   "compile <session-id>",
	Short: "Compile approved proposals into a new knowledge version",
	Long: `Start the compile run for a fully reviewed session and follow it to
completion. Compile is available once every proposal has been approved or
rejected; a failed run can be retried by running this command again.

Examples:
  mindloop compile 0d3f...`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	defer maybePrintStats()

	subj, err := subject()
	if err != nil {
		return err
	}

	m, err := session.Attach(ctx, api, subj, args[0], machineOpts())
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	// A session already compiling resumes its recorded run instead of
	// starting a new one.
	if m.Phase() != models.PhaseCompiling {
		if err := m.StartCompile(ctx); err != nil {
			if errors.Is(err, session.ErrCompileBlocked) {
				pending, _, _ := m.Ledger().Counts()
				return fmt.Errorf("%d proposals still pending review: mindloop review %s", pending, args[0])
			}
			return err
		}
	}

	if m.Phase() == models.PhaseCompleted {
		fmt.Printf("Session complete: %s.\n", describeResult(m.Session().Result))
		return nil
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		if err := runRunProgress(api, m.Session().CompileRunID); err != nil {
			fmt.Println("Retry with: mindloop compile " + args[0])
			return err
		}
		// The progress UI watched the raw run; the session record carries
		// the outcome.
		if err := m.Refresh(ctx); err != nil {
			return err
		}
	} else {
		err := m.WatchCompile(ctx, func(st models.CompileStatus) {
			fmt.Printf("compile %s: %s\n", st.RunID, st.Status)
		})
		if errors.Is(err, session.ErrCompileFailed) {
			fmt.Println("Retry with: mindloop compile " + args[0])
			return err
		}
		if err != nil {
			return err
		}
	}

	fmt.Printf("Session complete: %s.\n", describeResult(m.Session().Result))
	return nil
}
