package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/bridge-oracle/internal/control"
	"github.com/vietddude/bridge-oracle/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "oracle",
	Short: "Cross-chain bridge oracle",
	Long: `Oracle watches bridge lock events on every configured chain, obtains a
verifiable credential for the locking user's DID, and records a time-bounded
cross-chain proof on the target chain.`,
	Run: runOracle,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the oracle until interrupted",
	Run:   runOracle,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads .env and the config file, sets up logging and validates.
// Storage-only commands pass full=false.
func loadConfig(full bool) *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging, isDebug)

	validate := cfg.ValidateStorage
	if full {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		slog.Error("Invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	return cfg
}

func runOracle(cmd *cobra.Command, args []string) {
	cfg := loadConfig(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize Oracle", "error", err)
		os.Exit(1)
	}

	slog.Info("Oracle starting", "config", cfgPath)
	if err := app.Run(ctx); err != nil {
		slog.Error("Oracle stopped with error", "error", err)
		os.Exit(1)
	}
}
