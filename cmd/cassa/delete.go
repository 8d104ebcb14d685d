package main

import (
	"fmt"
	"strings"

	"cassa/internal/services"

	"github.com/spf13/cobra"
)

func deleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a transaction after confirmation",
		Long: `Delete a transaction. The transaction is shown and you are asked to
confirm; category totals and the forecast are recomputed in the same unit
of work, so either everything changes or nothing does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := strings.TrimSpace(args[0])

			b, err := openBackend(ctx, true)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			if notifier, closeNotifier := newNotifier(ctx, b.Ledger); notifier != nil {
				defer closeNotifier()
				b.Coordinator.AddNotifier(notifier)
			}

			var prompter services.Prompter = services.NewLinePrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			if yes {
				prompter = services.AutoPrompter(true)
			}

			summary, ok, err := services.ConfirmWith(ctx, b.Gate, b.Ledger, prompter, id)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), services.Outcome(err))
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled. Nothing was deleted.")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, services.Outcome(nil))
			fmt.Fprintf(out, "Removed %s on %s\n", summary.DeletedAmount, summary.DeletedDate)
			if len(summary.AffectedCategories) > 0 {
				fmt.Fprintf(out, "Recomputed categories: %s\n", strings.Join(summary.AffectedCategories, ", "))
			}
			if from, to, ok := summary.ForecastRange(); ok {
				fmt.Fprintf(out, "Recomputed forecast: %s to %s (%d days)\n", from, to, len(summary.AffectedForecastDates))
			}
			fmt.Fprintf(out, "Balance: %s\n", summary.BalanceString())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
