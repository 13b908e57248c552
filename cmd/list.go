package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mikuai/internal/redis"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("37")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("44"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	busyStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("214"))
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, store, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()

		// A running server marks sessions awaiting a reply in Redis.
		var markers *redis.Client
		if cfg.Redis.Host != "" {
			markers, err = redis.NewRedisClient(ctx, cfg.Redis)
			if err != nil {
				logger.Warn("redis unavailable, reply status not shown", zap.Error(err))
			} else {
				defer markers.Close()
			}
		}

		sessions, err := store.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No chat sessions yet.")
			return nil
		}
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d chat sessions", len(sessions))))
		for _, s := range sessions {
			msgs, err := store.GetMessages(ctx, s.ID)
			if err != nil {
				return fmt.Errorf("load messages for %d: %w", s.ID, err)
			}
			line := fmt.Sprintf("%s %s %s %s",
				idStyle.Render(fmt.Sprintf("#%d", s.ID)),
				nameStyle.Render(s.Name),
				countStyle.Render(fmt.Sprintf("%d messages", len(msgs))),
				dateStyle.Render(s.CreatedAt.Local().Format("2006-01-02 15:04")),
			)
			if markers != nil {
				since, busy, err := markers.BusySince(ctx, s.ID)
				if err != nil {
					logger.Debug("read busy marker", zap.Int64("session_id", s.ID), zap.Error(err))
				} else if busy {
					line += " " + busyStyle.Render("replying since "+since.Local().Format("15:04:05"))
				}
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}
