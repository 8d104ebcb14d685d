package main

import (
	"fmt"
	"text/tabwriter"

	"cassa/internal/core"
	"cassa/internal/storage"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	var (
		from, to, category string
		limit              int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f := storage.TransactionFilter{CategoryID: category, Limit: limit}
			var err error
			if from != "" {
				if f.From, err = core.ParseDate(from); err != nil {
					return fmt.Errorf("--from %q: %w", from, err)
				}
			}
			if to != "" {
				if f.To, err = core.ParseDate(to); err != nil {
					return fmt.Errorf("--to %q: %w", to, err)
				}
			}

			b, err := openBackend(ctx, false)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			items, err := b.Ledger.List(ctx, f)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tCATEGORY\tDESCRIPTION")
			for _, t := range items {
				cat, _ := t.Category()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Date, t.Amount, cat, t.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&category, "category", "", "only this category id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows, 0 for all")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the current balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, false)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			balance, err := b.Ledger.Balance(ctx)
			if err != nil {
				return err
			}
			count, err := b.Ledger.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Balance: %s (%d transactions)\n", balance, count)
			return nil
		},
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List categories with their totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, false)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			cats, err := b.Ledger.Categories(ctx)
			if err != nil {
				return err
			}
			stats, err := b.Ledger.CategoryStats(ctx)
			if err != nil {
				return err
			}
			byID := make(map[string]core.CategoryStat, len(stats))
			for _, s := range stats {
				byID[s.CategoryID] = s
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tTOTAL\tCOUNT")
			for _, c := range cats {
				s := byID[c.ID]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.Name, c.Type, s.Total, s.Count)
			}
			return w.Flush()
		},
	}
}

func forecastCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Print the projected end-of-day balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, true)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			from, to := b.Ledger.Window()
			if days > 0 && from.AddDays(days-1).Before(to) {
				to = from.AddDays(days - 1)
			}
			entries, err := b.Ledger.Forecast(ctx, from, to)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "DATE\tBALANCE\t")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t\n", e.Date, e.Balance)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 14, "number of days to print, 0 for the whole window")
	return cmd
}
