package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mikuai/internal/export"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export one chat session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || sessionID <= 0 {
			return fmt.Errorf("invalid session id: %s", args[0])
		}
		exporter, err := export.NewExporter(exportFormat)
		if err != nil {
			return err
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
		transcript := &export.Transcript{Session: *session, Messages: msgs}

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := exporter.Export(transcript, w); err != nil {
			return fmt.Errorf("export session %d: %w", sessionID, err)
		}
		if exportOut != "" {
			logger.Info("session exported", zap.Int64("session_id", sessionID), zap.String("path", exportOut))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "md", "Output format: "+strings.Join(export.Formats, ", "))
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}
