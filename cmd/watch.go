package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"mikuai/internal/config"
	"mikuai/internal/events"
	"mikuai/internal/redis"
)

var eventStyles = map[string]lipgloss.Style{
	events.TypeAssistantMessage: lipgloss.NewStyle().Foreground(lipgloss.Color("44")),
	events.TypeBusy:             lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	events.TypeIdle:             lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	events.TypeVoiceResult:      lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the events of a running server through Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.Redis.Host == "" {
			return errors.New("redis is not configured: set redis.host in the config")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		stream, err := events.NewRedisPublisher(client, cfg.Redis.Channel, logger.Named("redis")).Subscribe(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for ev := range stream {
			fmt.Fprintln(out, formatEvent(ev))
		}
		return nil
	},
}

// formatEvent renders one event as a single terminal line.
func formatEvent(ev events.Event) string {
	label := ev.Type
	if style, ok := eventStyles[ev.Type]; ok {
		label = style.Render(ev.Type)
	}
	line := fmt.Sprintf("%s %s", dateStyle.Render(ev.Time.Local().Format("15:04:05")), label)
	if ev.SessionID != 0 {
		line += " " + idStyle.Render(fmt.Sprintf("#%d", ev.SessionID))
	}
	switch {
	case ev.Error != "":
		line += " " + ev.Message + " (" + ev.Error + ")"
	case ev.Text != "":
		line += " " + ev.Text
	}
	return line
}
