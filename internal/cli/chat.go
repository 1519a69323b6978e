package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/banca/internal/daemon"
	"github.com/harun/banca/pkg/api"
	"github.com/harun/banca/pkg/conversation"
	"github.com/harun/banca/pkg/graph"
	"github.com/harun/banca/pkg/roster"
)

var chatThread string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the banking agents in the terminal",
	Long: `Start an interactive conversation. Each line you type resumes the
conversation at the human checkpoint and routes it to the active agent.

Commands: /agent shows the active agent, /quit exits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "continue an existing conversation by thread ID")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = "warn"
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	threadID := chatThread
	if threadID == "" {
		if threadID, err = api.NewThreadID(); err != nil {
			return fmt.Errorf("failed to generate thread id: %w", err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return chatLoop(ctx, d.GetEngine(), threadID, cmd.InOrStdin(), cmd.OutOrStdout())
}

// chatLoop reads one message per line and prints the agent's reply.
func chatLoop(ctx context.Context, engine *graph.Engine, threadID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Conversation %s. Type /quit to exit.\n", threadID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/agent":
			active, err := engine.ActiveAgent(ctx, threadID)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "active agent: %s\n", active)
			continue
		}

		res, err := engine.Turn(ctx, graph.TurnRequest{ThreadID: threadID, Message: line})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s> %s\n", speaker(res), res.Reply())
	}
}

func speaker(res *graph.TurnResult) string {
	for i := len(res.NewMessages) - 1; i >= 0; i-- {
		msg := res.NewMessages[i]
		if msg.Role == conversation.RoleAgent && msg.Content != "" && msg.Agent != "" {
			return msg.Agent
		}
	}
	return string(roster.Coordinator)
}
