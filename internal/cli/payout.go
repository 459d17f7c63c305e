package cli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tally/internal/domain"
)

func init() {
	rootCmd.AddCommand(payoutCmd)
	payoutCmd.AddCommand(payoutRequestCmd)
	payoutCmd.AddCommand(payoutStatusCmd)
	payoutCmd.AddCommand(payoutCancelCmd)
}

var payoutCmd = &cobra.Command{
	Use:   "payout",
	Short: "Request and track payouts",
	Long: `Request payouts of settled earnings and track them through the
escrow rail. A requested payout holds its gross amount in escrow until it
completes, fails or is cancelled.`,
}

// ─── payout request ─────────────────────────────────────────────────────────

var payoutRequestCmd = &cobra.Command{
	Use:   "request ACCOUNT AMOUNT DESTINATION",
	Short: "Request a payout",
	Long: `Request a payout of AMOUNT micro-credits from the account's
withdrawable balance to DESTINATION (for example "bank:acc-42"). The fee
is locked in at request time and deducted when the payout completes.`,
	Args: cobra.ExactArgs(3),
	RunE: runPayoutRequest,
}

func runPayoutRequest(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("amount %q is not an integer micro-credit value", args[1])
	}

	var p domain.PayoutRequest
	err = postJSON(cmd, "/v1/payouts", map[string]any{
		"account_id":    args[0],
		"amount_micros": amount,
		"destination":   args[2],
	}, &p)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "✅ Payout %s %s\n", p.ID, p.Status)
	fmt.Fprintf(os.Stdout, "   Gross: %s  Fee: %s  Net: %s\n",
		micros(p.Amount), micros(p.Fee), micros(p.Amount-p.Fee))
	return nil
}

// ─── payout status ──────────────────────────────────────────────────────────

var payoutStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a payout's state",
	Args:  cobra.ExactArgs(1),
	RunE:  runPayoutStatus,
}

func runPayoutStatus(cmd *cobra.Command, args []string) error {
	var p domain.PayoutRequest
	if err := getJSON(cmd, "/v1/payouts/"+url.PathEscape(args[0]), &p); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Payout %s\n", p.ID)
	fmt.Fprintf(os.Stdout, "  Account:     %s\n", p.AccountID)
	fmt.Fprintf(os.Stdout, "  Status:      %s\n", p.Status)
	fmt.Fprintf(os.Stdout, "  Gross:       %s\n", micros(p.Amount))
	fmt.Fprintf(os.Stdout, "  Fee:         %s\n", micros(p.Fee))
	fmt.Fprintf(os.Stdout, "  Destination: %s\n", p.Destination)
	fmt.Fprintf(os.Stdout, "  Requested:   %s\n", p.CreatedAt.Format(time.RFC3339))
	if p.FailureReason != "" {
		fmt.Fprintf(os.Stdout, "  Failure:     %s\n", p.FailureReason)
	}
	return nil
}

// ─── payout cancel ──────────────────────────────────────────────────────────

var payoutCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a payout before it reaches processing",
	Long: `Cancel a pending or approved payout and release its escrow back to
the withdrawable balance. A payout already handed to the external rail
(processing) can no longer be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runPayoutCancel,
}

func runPayoutCancel(cmd *cobra.Command, args []string) error {
	var p domain.PayoutRequest
	if err := postJSON(cmd, "/v1/payouts/"+url.PathEscape(args[0])+"/cancel", nil, &p); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "✅ Payout %s cancelled, %s released from escrow\n", p.ID, micros(p.EscrowAmount))
	return nil
}
