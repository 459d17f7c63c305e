package cli

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tally/internal/domain"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(grantCmd)

	grantCmd.Flags().String("ref", "", "external reference recorded on the entry")
	grantCmd.Flags().String("note", "", "free-form note recorded on the entry")
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT",
	Short: "Show an account's balances",
	Long: `Show an account's balances: spendable credits across all pools,
provisional earnings still inside the maturity window, and the settled
portion split into withdrawable and escrow.`,
	Args: cobra.ExactArgs(1),
	RunE: runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	var bal domain.Balance
	if err := getJSON(cmd, "/v1/accounts/"+url.PathEscape(args[0])+"/balance", &bal); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Account %s\n", bal.AccountID)
	fmt.Fprintf(os.Stdout, "  Spendable:    %s\n", micros(bal.Spendable))
	fmt.Fprintf(os.Stdout, "  Provisional:  %s\n", micros(bal.Provisional))
	fmt.Fprintf(os.Stdout, "  Withdrawable: %s\n", micros(bal.Withdrawable))
	fmt.Fprintf(os.Stdout, "  In escrow:    %s\n", micros(bal.Escrow))
	return nil
}

// ─── grant ──────────────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant ACCOUNT POOL AMOUNT",
	Short: "Grant credits to an account",
	Long: `Grant AMOUNT micro-credits to an account as a new lot in POOL
(signup_bonus, purchased, revenue_share or fees). The account is created on
first grant.`,
	Args: cobra.ExactArgs(3),
	RunE: runGrant,
}

func runGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("amount %q is not an integer micro-credit value", args[2])
	}
	ref, _ := cmd.Flags().GetString("ref")
	note, _ := cmd.Flags().GetString("note")

	var entry domain.LedgerEntry
	err = postJSON(cmd, "/v1/grants", map[string]any{
		"account_id":    args[0],
		"pool":          args[1],
		"amount_micros": amount,
		"ref":           ref,
		"note":          note,
	}, &entry)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "✅ Granted %s to %s (%s pool)\n", micros(entry.Amount), entry.AccountID, entry.Pool)
	fmt.Fprintf(os.Stdout, "   Entry %s, lot %s\n", entry.ID, entry.LotID)
	return nil
}
