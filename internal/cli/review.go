package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/review"
	"github.com/praxishq/mindloop/internal/session"
)

var reviewCmd = &cobra.Command{
	Use:   "review <session-id>",
	Short: "Review the proposals a session produced",
	Long: `Show and resolve the change proposals of a session in the review phase.

Every proposal must be approved or rejected before the session can compile.
Resolving a proposal is reversible with undo until compile starts.

Examples:
  mindloop review 0d3f...
  mindloop review approve 0d3f... 7c21...
  mindloop review reject 0d3f... 7c21...
  mindloop review undo 0d3f... 7c21...
  mindloop review approve-all 0d3f...`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewShow,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <session-id> <proposal-id>",
	Short: "Approve one proposal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewSet(args[0], args[1], models.ProposalApproved)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <session-id> <proposal-id>",
	Short: "Reject one proposal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewSet(args[0], args[1], models.ProposalRejected)
	},
}

var reviewUndoCmd = &cobra.Command{
	Use:   "undo <session-id> <proposal-id>",
	Short: "Move a resolved proposal back to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewSet(args[0], args[1], models.ProposalPending)
	},
}

var reviewApproveAllCmd = &cobra.Command{
	Use:   "approve-all <session-id>",
	Short: "Approve every pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewApproveAll,
}

func init() {
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewUndoCmd)
	reviewCmd.AddCommand(reviewApproveAllCmd)
}

// attachForReview attaches to a session and returns its ledger, failing when
// the session is not reviewable.
func attachForReview(ctx context.Context, sessionID string) (*session.Machine, *review.Ledger, error) {
	subj, err := subject()
	if err != nil {
		return nil, nil, err
	}
	m, err := session.Attach(ctx, api, subj, sessionID, machineOpts())
	if err != nil {
		return nil, nil, fmt.Errorf("attach session: %w", err)
	}
	ledger := m.Ledger()
	if ledger == nil {
		return nil, nil, fmt.Errorf("session %s has nothing to review (phase %s)", sessionID, m.Phase())
	}
	return m, ledger, nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, ledger, err := attachForReview(ctx, args[0])
	if err != nil {
		return err
	}

	printProposals(ledger.Proposals())
	pending, approved, rejected := ledger.Counts()
	fmt.Printf("\n%d pending, %d approved, %d rejected\n", pending, approved, rejected)
	if ledger.CanCompile() {
		fmt.Printf("Ready to compile: mindloop compile %s\n", m.Session().ID)
	} else if pending > 0 {
		fmt.Println("Resolve the pending proposals to unlock compile.")
	}
	return nil
}

func runReviewSet(sessionID, proposalID string, status models.ProposalStatus) error {
	ctx := context.Background()
	_, ledger, err := attachForReview(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := ledger.SetStatus(ctx, proposalID, status); err != nil {
		if errors.Is(err, review.ErrFinalized) {
			return fmt.Errorf("proposal %s is already part of a published version", proposalID)
		}
		return err
	}

	fmt.Printf("Proposal %s -> %s\n", proposalID, status)
	if ledger.CanCompile() {
		fmt.Printf("All proposals resolved. Compile with: mindloop compile %s\n", sessionID)
	}
	return nil
}

func runReviewApproveAll(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, ledger, err := attachForReview(ctx, args[0])
	if err != nil {
		return err
	}

	if err := ledger.BulkApprove(ctx); err != nil {
		return fmt.Errorf("some proposals could not be approved: %w", err)
	}
	_, approved, _ := ledger.Counts()
	fmt.Printf("Approved %d proposals. Compile with: mindloop compile %s\n", approved, args[0])
	return nil
}
