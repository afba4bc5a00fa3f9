package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"beanbrain/internal/config"
	"beanbrain/internal/ledger"
	"beanbrain/internal/services"
)

var appendIntent services.TransactionIntent
var appendMeta []string

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a transaction to the ledger",
	Example: `  beanbrain append --amount 42.50 --currency USD \
      --from Assets:Checking --to Expenses:Groceries --narration "weekly shop"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger := logrus.StandardLogger()
		logger.SetLevel(logrus.WarnLevel)

		for _, kv := range appendMeta {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("metadata must be key=value, got %q", kv)
			}
			if appendIntent.Metadata == nil {
				appendIntent.Metadata = map[string]string{}
			}
			appendIntent.Metadata[key] = value
		}

		engine := ledger.NewEngine(
			cfg.Ledger.Path,
			ledger.NewFileLock(cfg.Ledger.Path, cfg.Ledger.LockTimeout),
			logger,
		)
		svc := services.NewLedgerService(engine, logger)

		result, _, err := svc.AppendIntent(cmd.Context(), appendIntent, time.Local)
		if err != nil {
			return err
		}
		fmt.Print(result.Fragment)
		for _, account := range result.Opened {
			fmt.Printf("opened %s\n", account)
		}
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List accounts opened in the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger := logrus.StandardLogger()
		logger.SetLevel(logrus.WarnLevel)

		engine := ledger.NewEngine(
			cfg.Ledger.Path,
			ledger.NewFileLock(cfg.Ledger.Path, cfg.Ledger.LockTimeout),
			logger,
		)
		accounts, err := services.NewLedgerService(engine, logger).Accounts(cmd.Context())
		if err != nil {
			return err
		}
		for _, account := range accounts {
			fmt.Println(account)
		}
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendIntent.Amount, "amount", "", "amount, e.g. 42.50 (empty appends an elastic posting)")
	appendCmd.Flags().StringVar(&appendIntent.Currency, "currency", "", "currency code")
	appendCmd.Flags().StringVar(&appendIntent.From, "from", "", "source account")
	appendCmd.Flags().StringVar(&appendIntent.To, "to", "", "destination account")
	appendCmd.Flags().StringVar(&appendIntent.Narration, "narration", "", "narration text")
	appendCmd.Flags().StringVar(&appendIntent.Payee, "payee", "", "payee")
	appendCmd.Flags().StringVar(&appendIntent.Date, "date", "", "date YYYY-MM-DD (default today)")
	appendCmd.Flags().StringSliceVar(&appendMeta, "meta", nil, "metadata key=value, repeatable")
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(accountsCmd)
}
