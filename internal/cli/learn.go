package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/session"
)

var learnCmd = &cobra.Command{
	Use:   "learn <session-id>",
	Short: "Turn a conversation into change proposals",
	Long: `Ask the agent to read the teaching conversation back and draft change
proposals from it. The session moves to the review phase when proposals come
out, or completes directly when the conversation held nothing new.

Examples:
  mindloop learn 0d3f...`,
	Args: cobra.ExactArgs(1),
	RunE: runLearn,
}

func runLearn(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	subj, err := subject()
	if err != nil {
		return err
	}

	m, err := session.Attach(ctx, api, subj, args[0], machineOpts())
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	return runReadingFlow(ctx, m)
}

// runReadingFlow drives the extraction stream and reports where the session
// ended up. Shared between the learn command and the chat /learn shortcut.
func runReadingFlow(ctx context.Context, m *session.Machine) error {
	fmt.Println(agentStyle.Render("Reading the conversation back..."))

	err := m.RunReading(ctx, session.ReadingCallbacks{
		Phase: func(name string) {
			fmt.Println(agentStyle.Render("== " + name))
		},
		Narration: func(text string) {
			fmt.Println(thinkingStyle.Render("   " + text))
		},
	})
	if errors.Is(err, session.ErrReadingFailed) {
		fmt.Println("The agent could not learn from this conversation. The chat is still open;")
		fmt.Println("clarify or add detail and try again.")
		return err
	}
	if err != nil {
		return err
	}

	switch m.Phase() {
	case models.PhaseCompleted:
		fmt.Printf("Session complete: %s.\n", describeResult(m.Session().Result))
	case models.PhaseProposals:
		printProposals(m.Ledger().Proposals())
		fmt.Printf("\nReview with: mindloop review %s\n", m.Session().ID)
	}
	return nil
}

// printProposals renders a proposal list with review state.
func printProposals(proposals []models.Proposal) {
	fmt.Printf("Proposals (%d):\n\n", len(proposals))
	for i, p := range proposals {
		fmt.Printf("%2d. [%s] %s  (%s)\n", i+1, p.Kind, p.Summary, p.Status)
		fmt.Printf("    id: %s\n", p.ID)
		if p.Reason != "" {
			fmt.Printf("    why: %s\n", p.Reason)
		}
		if p.Excerpt != "" {
			fmt.Printf("    - %s\n", p.Excerpt)
		}
		if p.Replacement != "" {
			fmt.Printf("    + %s\n", p.Replacement)
		}
	}
}
