package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridge-oracle/internal/control"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var (
	verifyKey     string
	verifyOnChain bool
)

var verifyProofCmd = &cobra.Command{
	Use:   "verify-proof",
	Short: "Check whether a recorded proof is still valid",
	Long: `Look up a proof by key (<sourceChain>:<targetChain>:<sourceTxHash>:<userDID>)
and report its validity. Expired proofs are invalid even when the target verifier still
answers true. Exits 2 when the proof is invalid.`,
	Run: runVerifyProof,
}

func init() {
	verifyProofCmd.Flags().StringVar(&verifyKey, "key", "", "proof key")
	verifyProofCmd.Flags().BoolVar(&verifyOnChain, "onchain", false, "also ask the target chain verifier")
	_ = verifyProofCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(verifyProofCmd)
}

func runVerifyProof(cmd *cobra.Command, args []string) {
	cfg := loadConfig(false)
	if _, _, _, _, err := domain.ParseProofKey(verifyKey); err != nil {
		slog.Error("Invalid proof key", "key", verifyKey, "error", err)
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

	v, err := control.VerifyProof(ctx, cfg, store, domain.ProofKey(verifyKey), verifyOnChain)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		slog.Error("Proof not found", "key", verifyKey)
		os.Exit(1)
	case err != nil:
		slog.Error("Failed to verify proof", "key", verifyKey, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
	if !v.Valid {
		_ = store.Close()
		os.Exit(2)
	}
}
