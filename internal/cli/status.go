package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridge-oracle/internal/control"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursors and proof records from the configured store",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(false)

	ctx := context.Background()
	store, _, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	st, err := control.ReadStoreStatus(ctx, store)
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tBLOCK\tSTATE\tUPDATED")
	sort.Slice(st.Cursors, func(i, j int) bool { return st.Cursors[i].ChainID < st.Cursors[j].ChainID })
	for _, c := range st.Cursors {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.ChainID, c.LastProcessedBlock, c.State, c.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PROOF STATE\tCOUNT")
	for _, s := range []domain.ProofState{domain.ProofStatePending, domain.ProofStateSubmitted, domain.ProofStateRecorded} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, st.Proofs[s])
	}
	_ = w.Flush()

	for _, rec := range st.Submitted {
		fmt.Printf("awaiting receipt: %s tx=%s nonce=%d\n", rec.Key, rec.TxHash.Hex(), rec.Nonce)
	}
}
