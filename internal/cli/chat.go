package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/praxishq/mindloop/internal/models"
	"github.com/praxishq/mindloop/internal/session"
)

var chatSync bool

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Teach the agent in a live conversation",
	Long: `Open a teaching conversation with the selected agent.

Without a session ID a new session is created on the first message. Replies
stream in token by token; pass --sync to receive each reply in one piece.

Inside the conversation:
  /learn   Read the conversation back into change proposals
  /quit    Leave the conversation (the session stays open)

Examples:
  mindloop chat
  mindloop chat 0d3f... --agent support-bot
  echo "Our SLA is 24 hours" | mindloop chat --sync`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatSync, "sync", false, "non-streaming replies")
}

var (
	agentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7")).Bold(true)
	thinkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")).Italic(true)
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true)
)

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	defer maybePrintStats()

	subj, err := subject()
	if err != nil {
		return err
	}

	var m *session.Machine
	if len(args) == 1 {
		m, err = session.Attach(ctx, api, subj, args[0], machineOpts())
		if err != nil {
			return fmt.Errorf("attach session: %w", err)
		}
		printTranscript(m)
	} else {
		m = session.New(api, subj, machineOpts())
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		fmt.Println(thinkingStyle.Render("Teach the agent something. /learn when you are done, /quit to leave."))
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print(promptStyle.Render("you> "))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit":
			fmt.Printf("Session %s left open. Resume with: mindloop chat %s\n", m.Session().ID, m.Session().ID)
			return nil
		case "/learn":
			if !m.CanRequestReading() {
				fmt.Println("The conversation is too short to learn from yet. Keep teaching.")
				continue
			}
			return runReadingFlow(ctx, m)
		}

		if err := sendLine(ctx, m, line, interactive); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// sendLine delivers one user line and renders the reply. Interactive mode
// shows a thinking indicator until the first token arrives, then streams the
// reply as it is produced.
func sendLine(ctx context.Context, m *session.Machine, line string, interactive bool) error {
	if chatSync || !interactive {
		reply, err := m.SendSync(ctx, line)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", agentStyle.Render("agent>"), reply)
		return nil
	}

	const thinking = "thinking..."
	started := false
	err := m.Send(ctx, line, session.ChatCallbacks{
		State: func(s session.ReceiveState) {
			switch s {
			case session.StateAwaitingFirstToken:
				fmt.Print(thinkingStyle.Render(thinking))
			case session.StateStreaming:
				// Clear the indicator before the first token lands.
				fmt.Printf("\r%s\r%s ", strings.Repeat(" ", len(thinking)), agentStyle.Render("agent>"))
				started = true
			case session.StateErrored:
				if !started {
					fmt.Printf("\r%s\r", strings.Repeat(" ", len(thinking)))
				}
			}
		},
		Token: func(delta, _ string) {
			fmt.Print(delta)
		},
	})
	if err != nil {
		// The machine already appended the fallback reply; show it.
		msgs := m.Messages()
		fmt.Printf("%s %s\n", agentStyle.Render("agent>"), msgs[len(msgs)-1].Content)
		return err
	}
	fmt.Println()
	return nil
}

// printTranscript replays the cached conversation when re-attaching.
func printTranscript(m *session.Machine) {
	for _, msg := range m.Messages() {
		if msg.Compaction != nil {
			fmt.Println(thinkingStyle.Render(
				fmt.Sprintf("[%d earlier messages summarized: %s]", msg.Compaction.Replaces, msg.Compaction.Summary)))
			continue
		}
		switch {
		case !msg.IsExchange():
			continue
		case msg.Role == models.RoleUser:
			fmt.Printf("%s %s\n", promptStyle.Render("you>"), msg.Content)
		default:
			fmt.Printf("%s %s\n", agentStyle.Render("agent>"), msg.Content)
		}
	}
}
