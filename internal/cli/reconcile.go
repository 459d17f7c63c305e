package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tally/internal/app/reconcile"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit ledger invariants now",
	Long: `Run the reconciliation audit immediately instead of waiting for the
scheduled job: lot conservation, orphaned reservation holds, distribution
zero-sum and deposit backing. Exits non-zero when violations are found.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	var report reconcile.Report
	if err := postJSON(cmd, "/v1/admin/reconcile", nil, &report); err != nil {
		return err
	}

	if report.Clean() {
		fmt.Fprintf(os.Stdout, "✅ Ledger clean (checked at %s)\n", report.RanAt.Format(time.RFC3339))
		return nil
	}

	fmt.Fprintf(os.Stdout, "⚠️  %d violations:\n", len(report.Violations))
	for _, v := range report.Violations {
		fmt.Fprintf(os.Stdout, "  • [%s] %s: %s\n", v.Invariant, v.Subject, v.Detail)
	}
	return fmt.Errorf("ledger failed reconciliation")
}
