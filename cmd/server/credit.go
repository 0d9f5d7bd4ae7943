package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	creditUnit  string
	creditLimit int
)

func init() {
	rootCmd.AddCommand(creditCmd)
	creditCmd.AddCommand(creditBalanceCmd)
	creditCmd.AddCommand(creditHistoryCmd)
	creditCmd.AddCommand(creditVerifyCmd)

	creditCmd.PersistentFlags().StringVar(&creditUnit, "unit", "", "Unit id")
	_ = creditCmd.MarkPersistentFlagRequired("unit")
	creditHistoryCmd.Flags().IntVar(&creditLimit, "limit", 20, "Maximum entries to show (0 for all)")
}

var creditCmd = &cobra.Command{
	Use:   "credit",
	Short: "Inspect unit credit accounts",
}

var creditBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a unit's credit balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		balance, err := a.credit.Balance(cmd.Context(), creditUnit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", creditUnit, balance.StringFixed(2))
		return nil
	},
}

var creditHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List a unit's credit entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.credit.History(cmd.Context(), creditUnit, creditLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tAT\tKIND\tDELTA\tBALANCE\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq,
				e.CreatedAt.Format("2006-01-02 15:04"),
				e.Kind,
				e.Delta.StringFixed(2),
				e.BalanceAfter.StringFixed(2),
				e.Reason,
			)
		}
		return w.Flush()
	},
}

var creditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a unit's balance against its entry history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		audit, err := a.credit.Verify(cmd.Context(), creditUnit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "balance:   %s\n", audit.Balance.StringFixed(2))
		fmt.Fprintf(out, "entry sum: %s (%d entries)\n", audit.EntrySum.StringFixed(2), audit.Entries)
		if !audit.Consistent() {
			return fmt.Errorf("credit ledger for %s is inconsistent (negative at seq %d, mismatch at seq %d)",
				creditUnit, audit.NegativeAtSeq, audit.MismatchAtSeq)
		}
		fmt.Fprintln(out, "consistent")
		return nil
	},
}
