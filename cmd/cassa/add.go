package main

import (
	"fmt"
	"strings"
	"time"

	"cassa/internal/core"

	"github.com/spf13/cobra"
)

func addCmd() *cobra.Command {
	var (
		date        string
		category    string
		typ         string
		description string
	)

	cmd := &cobra.Command{
		Use:   "add <amount>",
		Short: "Record a transaction",
		Long: `Record a transaction. Expenses are negative amounts and incomes positive;
the type is inferred from the sign unless --type is given.

Example:
  cassa add -- -12.50 --category food --description lunch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			amount, err := core.ParseMoney(args[0])
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[0], err)
			}
			d := core.DateOf(time.Now())
			if date != "" {
				if d, err = core.ParseDate(date); err != nil {
					return fmt.Errorf("date %q: %w", date, err)
				}
			}

			b, err := openBackend(ctx, false)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			notifier, closeNotifier := newNotifier(ctx, b.Ledger)
			defer closeNotifier()

			t, summary, err := b.Ledger.Add(ctx, core.Transaction{
				Amount:      amount,
				Date:        d,
				CategoryID:  core.CategoryRef(strings.TrimSpace(category)),
				Type:        core.TransactionType(typ),
				Description: description,
			})
			if err != nil {
				return err
			}
			if notifier != nil {
				if err := notifier.Publish(ctx, summary); err != nil {
					logger.Warn("Failed to publish change summary", "transaction_id", t.ID, "error", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added %s: %s on %s", t.ID, t.Amount, t.Date)
			if id, ok := t.Category(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nBalance: %s\n", summary.BalanceString())
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "transaction date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&category, "category", "", "category id")
	cmd.Flags().StringVar(&typ, "type", "", "expense or income (default: from the sign)")
	cmd.Flags().StringVar(&description, "description", "", "free text, up to 200 characters")
	return cmd
}
