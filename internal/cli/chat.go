package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Feed an interactive conversation through the gate",
	Long: `Read one turn per line from stdin and run each through the gate in a single
session, the way the assistant's skill router would. Allowed turns are echoed
as "routed"; blocked turns show the refusal the user would see.

In-chat commands:
  /status   show the session's rolling score and turn count
  /quit     leave the chat

  turnshield chat
  turnshield chat < transcript.txt`,
	RunE: chatCommand,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session id (default: random)")
	rootCmd.AddCommand(chatCmd)
}

func chatCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctrl, closeLog, err := buildGate(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	id := chatSession
	if id == "" {
		id = "chat-" + uuid.NewString()
	}
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		st := ctrl.Status()
		fmt.Printf("TurnShield chat (session %s, %s mode, scorers: %s", id, st.Mode, st.Primary)
		if st.SecondaryAvailable {
			fmt.Printf(" + %s", st.Secondary)
		}
		fmt.Println(")")
		fmt.Printf("Type %q to clear the threat level, /quit to leave.\n\n", cfg.ResetCommand)
	}

	prompt := color.New(color.FgCyan, color.Bold)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if interactive {
			prompt.Print("you> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/status":
			if snap, ok := ctrl.Sessions().Snapshot(id); ok {
				fmt.Printf("  turns=%d rolling=%.3f last=%s\n", snap.TurnCount, snap.RollingScore, snap.LastVerdict)
			} else {
				fmt.Println("  no turns yet")
			}
			continue
		}

		d := ctrl.Evaluate(cmd.Context(), id, line)
		printDecision(d)
		if !d.Blocked && !d.Reset && !d.Bypassed {
			color.New(color.Faint).Println("  routed to assistant")
		}
	}
	return scanner.Err()
}
