package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// ─── Ledger commands ────────────────────────────────────────────────────────
// Operator access to balances and the ledger without going through the API.

func init() {
	rootCmd.AddCommand(balanceCmd, historyCmd, grantCmd, refundCmd, auditCmd)

	historyCmd.Flags().Int("page", 1, "Page number")
	historyCmd.Flags().Int("limit", 20, "Entries per page")
	grantCmd.Flags().StringP("reason", "r", "", "Reason recorded on the ledger entry (required)")
	refundCmd.Flags().StringP("reason", "r", "", "Reason recorded on the refund entry")
	auditCmd.Flags().Bool("repair", false, "Rebuild divergent balances from the ledger")
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		bal, err := d.Query.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], bal)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT_ID",
	Short: "List an account's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		h, err := d.Query.History(cmd.Context(), args[0], page, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWHEN\tDELTA\tKIND\tREASON")
		for _, e := range h.Entries {
			fmt.Fprintf(tw, "%d\t%s\t%+d\t%s\t%s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Delta, e.Kind, e.Reason)
		}
		tw.Flush()
		fmt.Fprintf(out, "\nPage %d/%d, %d entries. Balance %d, credited %d, debited %d (%d%% used).\n",
			h.Pagination.Page, h.Pagination.TotalPages, h.Pagination.Total,
			h.Stats.CurrentBalance, h.Stats.TotalCredited, h.Stats.TotalDebited, h.Stats.UsagePercentage)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant ACCOUNT_ID DELTA",
	Short: "Apply an admin adjustment (negative DELTA debits)",
	Long: `Append an admin_adjustment entry. This is the only operation allowed to
take a balance below zero.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("DELTA must be an integer: %w", err)
		}
		reason, _ := cmd.Flags().GetString("reason")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		entry, bal, err := d.Spend.Adjust(cmd.Context(), args[0], delta, reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Entry %d: %+d credits to %s, balance now %d\n", entry.ID, delta, args[0], bal)
		return nil
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund JOB_ID",
	Short: "Refund the cost of a failed summary job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		entry, err := d.Tracker.Refund(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Refunded %d credits to %s\n", entry.Delta, entry.AccountID)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check every cached balance against its ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		repair, _ := cmd.Flags().GetBool("repair")

		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		divs, err := d.Query.Audit(cmd.Context(), repair)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(divs) == 0 {
			fmt.Fprintln(out, "✅ All balances match the ledger.")
			return nil
		}
		for _, dv := range divs {
			fmt.Fprintf(out, "  • %s: cached %d, ledger %d\n", dv.AccountID, dv.Cached, dv.LedgerSum)
		}
		if repair {
			fmt.Fprintf(out, "Rebuilt %d balance(s) from the ledger.\n", len(divs))
			return nil
		}
		return fmt.Errorf("%d balance(s) diverge from the ledger; rerun with --repair", len(divs))
	},
}
