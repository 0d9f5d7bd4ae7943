package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	summaryTenant string
	summaryFrom   string
	summaryTo     string
)

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().StringVar(&summaryTenant, "tenant", "", "Tenant to report on")
	summaryCmd.Flags().StringVar(&summaryFrom, "from", "", "First day as YYYY-MM-DD (default: start of the current month)")
	summaryCmd.Flags().StringVar(&summaryTo, "to", "", "Last day as YYYY-MM-DD (default: today)")
	_ = summaryCmd.MarkFlagRequired("tenant")
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Total a tenant's posted income and expenses by category",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := today
	if summaryFrom != "" {
		d, err := time.Parse(time.DateOnly, summaryFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		from = d
	}
	if summaryTo != "" {
		d, err := time.Parse(time.DateOnly, summaryTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		to = d
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sum, err := a.ledger.Summary(cmd.Context(), summaryTenant, from, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tenant %s, %s to %s\n", sum.TenantID, sum.From.Format(time.DateOnly), sum.To.Format(time.DateOnly))
	fmt.Fprintf(out, "  income: %s  expense: %s  net: %s\n",
		sum.TotalIncome.StringFixed(2), sum.TotalExpense.StringFixed(2), sum.Net.StringFixed(2))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCATEGORY\tCOUNT\tTOTAL")
	for _, ct := range sum.ByCategory {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ct.Type, ct.Category, ct.Count, ct.Total.StringFixed(2))
	}
	return w.Flush()
}
