package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mikuai/internal/config"
	"mikuai/internal/service/history"
	"mikuai/internal/storage"
)

var (
	cfgPath string
	dbType  string
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "mikuai",
	Short: "MikuAI chat client",
	Long: `MikuAI keeps persona-flavoured chats with an AI backend.

Run without a subcommand to start the local chat server. Chat history is
stored in a local database so conversations survive restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: runServe,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("MIKUAI_CONFIG"), "Path to config.json")
	rootCmd.PersistentFlags().StringVar(&dbType, "db", envOr("MIKUAI_DB", "sqlite3"), "Database driver: sqlite3, sqlite or mysql")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, listCmd, exportCmd, showCmd, watchCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openStore loads configuration and opens the migrated chat store.
func openStore() (*config.Config, *sql.DB, *history.Service, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Debug("chat store ready", zap.String("driver", dbType))
	return cfg, db, history.NewService(db), nil
}

// resolveUsername prefers the configured name, then the login name.
func resolveUsername(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.BasicConfig.Username); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
