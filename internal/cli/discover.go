package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/praxishq/mindloop/internal/discovery"
	"github.com/praxishq/mindloop/internal/models"
)

var discoverApproveAll bool

var discoverCmd = &cobra.Command{
	Use:   "discover <source-url>",
	Short: "Discover knowledge changes from an external source",
	Long: `Run a discovery batch: scrape a source, compare it against the agent's
current knowledge, and propose changes. Review the findings, then publish the
approved ones with discover publish.

Subcommands:
  status   Re-attach to a discovery run and show its findings
  approve  Approve one finding
  reject   Reject one finding
  publish  Publish the reviewed batch

Examples:
  mindloop discover https://docs.example.com/changelog
  mindloop discover https://docs.example.com --approve-all
  mindloop discover status 9f1e...
  mindloop discover approve 9f1e... 7c21...
  mindloop discover publish 9f1e...`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscover,
}

var discoverStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a discovery run and its findings",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscoverStatus,
}

var discoverApproveCmd = &cobra.Command{
	Use:   "approve <run-id> <proposal-id>",
	Short: "Approve one finding",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiscoverSet(args[0], args[1], models.ProposalApproved)
	},
}

var discoverRejectCmd = &cobra.Command{
	Use:   "reject <run-id> <proposal-id>",
	Short: "Reject one finding",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDiscoverSet(args[0], args[1], models.ProposalRejected)
	},
}

var discoverPublishCmd = &cobra.Command{
	Use:   "publish <run-id>",
	Short: "Publish the approved findings of a reviewed batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscoverPublish,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverApproveAll, "approve-all", false, "approve every finding and publish immediately")

	discoverCmd.AddCommand(discoverStatusCmd)
	discoverCmd.AddCommand(discoverApproveCmd)
	discoverCmd.AddCommand(discoverRejectCmd)
	discoverCmd.AddCommand(discoverPublishCmd)
}

// pipelineOpts builds discovery pipeline options from the loaded config.
func pipelineOpts() discovery.Options {
	return discovery.Options{
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	defer maybePrintStats()

	if agentID == "" {
		return fmt.Errorf("no agent selected: pass --agent or set agent_id in the config")
	}

	p, err := discovery.Start(ctx, api, agentID, args[0], pipelineOpts())
	if err != nil {
		return err
	}
	fmt.Printf("Discovery run %s started.\n", p.Run().ID)

	if err := watchDiscovery(ctx, p); err != nil {
		return err
	}
	return reportDiscovery(ctx, p)
}

func runDiscoverStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	p, err := discovery.Resume(ctx, api, args[0], pipelineOpts())
	if err != nil {
		return err
	}

	if p.Phase() == discovery.PhaseDiscovering {
		if err := watchDiscovery(ctx, p); err != nil {
			return err
		}
	}
	return reportDiscovery(ctx, p)
}

// watchDiscovery follows the scrape-and-compare run to completion.
func watchDiscovery(ctx context.Context, p *discovery.Pipeline) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if err := runRunProgress(api, p.Run().ID); err != nil {
			return err
		}
		// Re-derive the pipeline phase now that the run is terminal.
		err := p.Watch(ctx, nil)
		if errors.Is(err, discovery.ErrDiscoveryFailed) {
			fmt.Println("Start a fresh run to retry.")
		}
		return err
	}

	err := p.Watch(ctx, func(run models.Run) {
		fmt.Printf("discovery %s: %s\n", run.ID, run.Status)
	})
	if errors.Is(err, discovery.ErrDiscoveryFailed) {
		fmt.Println("Start a fresh run to retry.")
	}
	return err
}

// reportDiscovery prints where the batch ended up and, with --approve-all,
// drives it straight through publishing.
func reportDiscovery(ctx context.Context, p *discovery.Pipeline) error {
	switch p.Phase() {
	case discovery.PhasePublished:
		fmt.Printf("Batch done: %s.\n", describeResult(p.Result()))
		return nil
	case discovery.PhaseReview:
		printProposals(p.Ledger().Proposals())
		if !discoverApproveAll {
			fmt.Printf("\nResolve the findings, then: mindloop discover publish %s\n", p.Run().ID)
			return nil
		}
		if err := p.Ledger().BulkApprove(ctx); err != nil {
			return fmt.Errorf("approve findings: %w", err)
		}
		return publishBatch(ctx, p)
	case discovery.PhasePublishing:
		return watchPublish(ctx, p)
	}
	return nil
}

func runDiscoverSet(runID, proposalID string, status models.ProposalStatus) error {
	ctx := context.Background()

	p, err := discovery.Resume(ctx, api, runID, pipelineOpts())
	if err != nil {
		return err
	}
	if p.Ledger() == nil {
		return fmt.Errorf("run %s has nothing to review (phase %s)", runID, p.Phase())
	}

	if err := p.Ledger().SetStatus(ctx, proposalID, status); err != nil {
		return err
	}
	fmt.Printf("Finding %s -> %s\n", proposalID, status)
	return nil
}

func runDiscoverPublish(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	p, err := discovery.Resume(ctx, api, args[0], pipelineOpts())
	if err != nil {
		return err
	}
	return publishBatch(ctx, p)
}

func publishBatch(ctx context.Context, p *discovery.Pipeline) error {
	err := p.Publish(ctx)
	if errors.Is(err, discovery.ErrPublishBlocked) {
		return fmt.Errorf("findings still pending review: mindloop discover status %s", p.Run().ID)
	}
	if err != nil {
		return err
	}

	if p.Phase() == discovery.PhasePublished {
		fmt.Printf("Batch done: %s.\n", describeResult(p.Result()))
		return nil
	}
	return watchPublish(ctx, p)
}

func watchPublish(ctx context.Context, p *discovery.Pipeline) error {
	err := p.WatchPublish(ctx, func(run models.Run) {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Printf("publish %s: %s\n", run.ID, run.Status)
		}
	})
	if errors.Is(err, discovery.ErrPublishFailed) {
		fmt.Printf("Publish failed. Retry with: mindloop discover publish %s\n", p.Run().ID)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("Batch done: %s.\n", describeResult(p.Result()))
	return nil
}
