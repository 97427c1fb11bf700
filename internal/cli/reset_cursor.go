package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridge-oracle/internal/control"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var (
	resetChain string
	resetBlock int64
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor",
	Short: "Set the last processed block of a chain (oracle must be stopped)",
	Long: `Set the last processed block of a chain. The next run scans from block+1.
Use --block -1 to rescan from genesis. Locks that already have a recorded
proof are deduplicated when they are seen again.`,
	Run: runResetCursor,
}

func init() {
	resetCursorCmd.Flags().StringVar(&resetChain, "chain", "", "chain id")
	resetCursorCmd.Flags().Int64Var(&resetBlock, "block", domain.NoBlockProcessed, "last processed block")
	_ = resetCursorCmd.MarkFlagRequired("chain")
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	cfg := loadConfig(false)
	chainID := domain.ChainID(resetChain)
	if _, ok := cfg.Chain(chainID); !ok {
		slog.Error("Unknown chain", "chain", chainID)
		os.Exit(1)
	}

	ctx := context.Background()
	store, _, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	if err := control.ResetCursor(ctx, store, chainID, resetBlock); err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s to block %d\n", chainID, resetBlock)
}
