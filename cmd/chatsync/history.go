package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last N messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <counterpart-id>",
	Short: "Print the conversation with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := historyClient(cfg).FetchHistory(ctx, cfg.Auth.UserID, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Printf("No messages with %s.\n", args[0])
			return nil
		}
		for _, m := range msgs {
			printMessage(os.Stdout, cfg.Auth.UserID, m)
		}
		return nil
	},
}

// printMessage writes one timeline line. Outbound lines carry their
// delivery status.
func printMessage(w io.Writer, me string, m chatsync.Message) {
	who := m.SenderID
	if who == me {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Text)
	if m.Attachment != nil {
		line += fmt.Sprintf(" <%s %s>", valueOrDefault(m.Attachment.Kind, "file"), m.Attachment.URL)
	}
	if m.SenderID == me {
		line += fmt.Sprintf("  (%s)", valueOrDefault(string(m.Status), "sent"))
	}
	if time.Since(m.CreatedAt) > 24*time.Hour {
		line += "  " + humanize.Time(m.CreatedAt)
	}
	fmt.Fprintln(w, line)
}
