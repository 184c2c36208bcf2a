package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/market-research/internal/model"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up user credit balances",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show the current balance and remaining runs per depth",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		account, err := env.Ledger.Account(ctx, args[0])
		if err != nil {
			return err
		}
		quota, err := env.Ledger.Quota(ctx, args[0])
		if err != nil {
			return err
		}
		formatBalance(os.Stdout, account, quota)
		return nil
	},
}

var creditsAddCmd = &cobra.Command{
	Use:   "add <user-id> <amount>",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[1])
		if err != nil || amount <= 0 {
			return eris.Errorf("amount must be a positive integer, got %q", args[1])
		}
		desc, _ := cmd.Flags().GetString("description")

		ctx := cmd.Context()
		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Ledger.Add(ctx, args[0], amount, desc)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Added %d credits to %s: %d -> %d (%s)\n",
			res.Amount, args[0], res.BalanceBefore, res.BalanceAfter, res.TransactionID)
		return nil
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's recent credit transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		txns, err := env.Ledger.History(ctx, args[0], limit)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		if output != "table" {
			return printOutput(os.Stdout, output, txns)
		}
		formatTransactions(os.Stdout, txns)
		return nil
	},
}

func init() {
	creditsAddCmd.Flags().String("description", "manual top-up", "transaction description")
	creditsHistoryCmd.Flags().Int("limit", 50, "max number of transactions to display")
	creditsHistoryCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")

	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsAddCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
	rootCmd.AddCommand(creditsCmd)
}

func formatBalance(out io.Writer, b *model.CreditBalance, q *model.Quota) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "User:\t%s\n", b.UserID)
	_, _ = fmt.Fprintf(w, "Period:\t%s\n", b.MonthYear)
	_, _ = fmt.Fprintf(w, "Balance:\t%d\n", b.CurrentBalance)
	_, _ = fmt.Fprintf(w, "Used this month:\t%d / %d\n", b.TotalUsed, b.MonthlyLimit)
	_, _ = fmt.Fprintf(w, "Research runs:\t%d\n", b.TotalResearches)
	for _, d := range model.Depths() {
		_, _ = fmt.Fprintf(w, "  %s:\t%d left at %d credits\n", d, q.SearchesRemaining[d], q.CostPerSearch[d])
	}
	_ = w.Flush()
}

func formatTransactions(out io.Writer, txns []model.CreditTransaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tAMOUNT\tBALANCE\tREQUEST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t-------")
	for _, t := range txns {
		ref := t.RequestID
		if ref == "" {
			ref = t.Description
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			t.ID, t.Type, t.Amount, t.BalanceAfter, ref, t.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
