package cmd

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"mikuai/internal/export"
)

var showWidth int

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Render one chat session in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || sessionID <= 0 {
			return fmt.Errorf("invalid session id: %s", args[0])
		}

		_, db, store, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		session, err := store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		msgs, err := store.GetMessages(ctx, sessionID)
		if err != nil {
			return err
		}

		md, err := export.NewExporter("md")
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := md.Export(&export.Transcript{Session: *session, Messages: msgs}, &buf); err != nil {
			return err
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("notty"),
			glamour.WithWordWrap(showWidth),
		)
		if err != nil {
			return fmt.Errorf("create renderer: %w", err)
		}
		out, err := renderer.Render(buf.String())
		if err != nil {
			return fmt.Errorf("render session: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	showCmd.Flags().IntVarP(&showWidth, "width", "w", 80, "Wrap width")
}
