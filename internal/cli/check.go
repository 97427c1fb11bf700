package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/bridge-oracle/internal/control"
	"github.com/vietddude/bridge-oracle/internal/infra/signer"
)

var checkCalls int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured RPC endpoint and the oracle account",
	Run:   runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkCalls, "calls", 3, "eth_blockNumber calls per chain")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	cfg := loadConfig(false)
	ctx := context.Background()

	s, err := signer.Load(cfg.Oracle.Signer)
	if err != nil {
		slog.Warn("No usable signer; skipping nonce checks", "error", err)
	}

	failed := false
	for _, cc := range cfg.Chains {
		chain, client := control.NewChain(cc, cfg.Oracle, nil)
		fmt.Printf("=== %s (chain_id %d) ===\n", cc.ID, cc.ChainID)

		for i := 0; i < checkCalls; i++ {
			head, err := chain.GetLatestBlock(ctx)
			if err != nil {
				fmt.Printf("  call %d: %v\n", i+1, err)
				failed = true
				continue
			}
			fmt.Printf("  call %d: head = %d\n", i+1, head)
			time.Sleep(100 * time.Millisecond)
		}

		if s != nil {
			n, err := chain.PendingNonce(ctx, s.Address())
			if err != nil {
				fmt.Printf("  pending nonce: %v\n", err)
				failed = true
			} else {
				fmt.Printf("  pending nonce of %s: %d\n", s.Address(), n)
			}
		}

		health := client.Health()
		names := make([]string, 0, len(health))
		for name := range health {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h := health[name]
			fmt.Printf("  provider %s: available=%t latency=%s errorRate=%.2f\n",
				name, h.Available, h.Latency.Round(time.Millisecond), h.ErrorRate)
		}
		_ = client.Close()
		fmt.Println()
	}

	if failed {
		os.Exit(1)
	}
}
