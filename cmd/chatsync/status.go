package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, cached conversations and relay health",
	Long:  "Display the current configuration, the unread counts and previews held in the local cache, and whether the relay answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := requireConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:  %s\n", serverURL(cfg))
		fmt.Printf("  User:    %s\n", cfg.Auth.UserID)
		if cfg.Auth.DisplayName != "" {
			fmt.Printf("  Name:    %s\n", cfg.Auth.DisplayName)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:   %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:   (not set)")
		}
		fmt.Printf("  Cache:   %s\n", valueOrDefault(cfg.Store.Backend, "sqlite"))

		store, err := openStore(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer store.Close()

		cache := chatsync.NewContinuityCache(store, "", cfg.Auth.UserID, log, nil)
		unread := cache.UnreadCounts()
		previews := cache.Previews()

		fmt.Println()
		fmt.Println("Conversations:")
		if len(previews) == 0 && len(unread) == 0 {
			fmt.Println("  (none cached)")
		}
		for _, cp := range counterparts(previews, unread) {
			line := fmt.Sprintf("  %-16s", cp)
			if n := unread[cp]; n > 0 {
				line += fmt.Sprintf(" [%d unread]", n)
			}
			if m, ok := previews[cp]; ok {
				line += fmt.Sprintf(" %s: %s (%s)", m.SenderID, truncate(m.Text, 40), humanize.Time(m.CreatedAt))
			}
			fmt.Println(line)
		}
		if last := cache.LastSelected(); last != "" {
			fmt.Printf("  Last opened: %s\n", last)
		}

		fmt.Println()
		fmt.Printf("Relay: %s\n", relayHealth(cmd.Context(), serverURL(cfg)))
		return nil
	},
}

// counterparts lists every conversation in either map, most recent preview
// first.
func counterparts(previews map[string]chatsync.Message, unread map[string]int) []string {
	seen := make(map[string]bool)
	var out []string
	for cp := range previews {
		seen[cp] = true
		out = append(out, cp)
	}
	for cp := range unread {
		if !seen[cp] {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := previews[out[i]].CreatedAt, previews[out[j]].CreatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i] < out[j]
	})
	return out
}

func relayHealth(ctx context.Context, base string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/healthz", nil)
	if err != nil {
		return "invalid URL: " + err.Error()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "unreachable (" + err.Error() + ")"
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("unhealthy (HTTP %d)", resp.StatusCode)
	}
	return "ok"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
