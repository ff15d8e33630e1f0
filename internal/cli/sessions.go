package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/session"
)

var sessionTitle string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage learning sessions",
	Long: `List the subject's learning sessions or manage a single one.

Subcommands:
  list     List sessions (default)
  new      Create a session without sending a message
  abandon  Abandon a session still in the chatting phase
  delete   Delete a session

Examples:
  mindloop sessions
  mindloop sessions new --title "refund policy"
  mindloop sessions abandon 0d3f...
  mindloop sessions delete 0d3f...`,
	RunE: runListSessions,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runListSessions,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session",
	RunE:  runNewSession,
}

var sessionsAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon a chatting session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbandonSession,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteSession,
}

func init() {
	sessionsNewCmd.Flags().StringVar(&sessionTitle, "title", "", "session title")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsAbandonCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runListSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	subj, err := subject()
	if err != nil {
		return err
	}

	sessions, err := api.ListSessions(ctx, subj)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-38s %-10s %-12s %-8s %s\n", "ID", "PHASE", "RESULT", "UPDATED", "TITLE")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, s := range sessions {
		fmt.Printf("%-38s %-10s %-12s %-8s %s\n",
			s.ID, s.Phase, s.Result, s.UpdatedAt.Format("Jan 02"), s.Title)
	}
	return nil
}

func runNewSession(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	subj, err := subject()
	if err != nil {
		return err
	}

	sess, err := api.CreateSession(ctx, subj, sessionTitle)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	fmt.Printf("Created session %s\n", sess.ID)
	fmt.Printf("Start teaching with: mindloop chat %s\n", sess.ID)
	return nil
}

func runAbandonSession(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	subj, err := subject()
	if err != nil {
		return err
	}

	m, err := session.Attach(ctx, api, subj, args[0], machineOpts())
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	if err := m.Abandon(ctx); err != nil {
		return err
	}

	fmt.Printf("Session %s abandoned.\n", args[0])
	return nil
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	subj, err := subject()
	if err != nil {
		return err
	}

	if err := api.DeleteSession(ctx, subj, args[0]); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Printf("Session %s deleted.\n", args[0])
	return nil
}

// machineOpts builds session machine options from the loaded config.
func machineOpts() session.Options {
	return session.Options{
		Logger:       logger,
		PollInterval: cfg.CompilePollInterval,
	}
}

// describeResult renders a session outcome for humans.
func describeResult(r models.Result) string {
	switch r {
	case models.ResultLearned:
		return "new knowledge version published"
	case models.ResultNoChanges:
		return "nothing new to learn from this conversation"
	case models.ResultAllRejected:
		return "every proposal was rejected, knowledge unchanged"
	default:
		return string(r)
	}
}
