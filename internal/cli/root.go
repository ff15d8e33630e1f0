// Package cli provides the command-line interface for mindloop.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/praxishq/mindloop/internal/client"
	"github.com/praxishq/mindloop/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool
	agentID string
	skillID string

	// Global config, logger, and backend client
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
	api         *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mindloop",
	Short: "Teach agents through conversation",
	Long: `Mindloop drives knowledge-acquisition sessions against a Mind backend.

Chat with an agent to teach it something new, let it read the conversation
back into change proposals, review those proposals, and compile the approved
ones into a new knowledge version. Batch discovery over external sources is
available through the discover commands.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		if agentID == "" {
			agentID = cfg.AgentID
		}

		logger, closeLogger = config.NewLogger(cfg)
		slog.SetDefault(logger)

		api = client.New(cfg.ServerURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// subject resolves the current subject from the --agent/--skill flags.
func subject() (client.Subject, error) {
	if agentID == "" {
		return nil, fmt.Errorf("no agent selected: pass --agent or set agent_id in the config")
	}
	if skillID != "" {
		return client.SkillSubject(agentID, skillID), nil
	}
	return client.AgentSubject(agentID), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&agentID, "agent", "a", "", "agent to teach")
	rootCmd.PersistentFlags().StringVarP(&skillID, "skill", "s", "", "narrow the session to one skill of the agent")

	// Add subcommands
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(discoverCmd)
}
