package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custody/internal/config"
	"custody/internal/custody"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <task-id>",
	Short: "Recompute evidence hashes for a task and compare them with the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, cfg.LogFormat)
		ctx := context.Background()

		store, err := openLedger(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		evidenceStore, err := openEvidence(ctx, cfg)
		if err != nil {
			return err
		}

		results, err := custody.NewVerifier(store, store, evidenceStore).VerifyTask(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EVENT\tCHECKPOINT\tRESULT\tDETAIL")
		mismatches := 0
		for _, r := range results {
			result, detail := "ok", ""
			if !r.Match {
				mismatches++
				result = "MISMATCH"
				detail = r.Error
				if detail == "" {
					detail = "computed " + r.ComputedHash
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.EventID, r.Checkpoint, result, detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if mismatches > 0 {
			return fmt.Errorf("%d of %d evidence objects failed verification", mismatches, len(results))
		}
		return nil
	},
}
