package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/ledger"
	"github.com/voxgate-ai/voxgate/pkg/rotation"
	"github.com/voxgate-ai/voxgate/pkg/upstream"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and refresh the account ledger",
	}
	cmd.AddCommand(newAccountsListCmd(), newAccountsRefreshCmd())
	return cmd
}

func openLedger(configPath string) (*ledger.Ledger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := ledger.NewStore(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("init ledger store: %w", err)
	}
	coordinator := rotation.NewCoordinator(rotation.NewHTTPProvider(cfg.Rotation), cfg.Rotation)
	speech := upstream.NewSpeechClient(cfg.Upstream, coordinator)
	return ledger.New(store, speech, nil, cfg.Pool), nil
}

func newAccountsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts with quota and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(configPath)
			if err != nil {
				return err
			}

			accounts, err := l.List(context.Background())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EMAIL\tKEY\tQUOTA\tSTATUS\tUSED\tSTRIKES\tLAST CHECKED")
			for _, a := range accounts {
				checked := "never"
				if a.QuotaChecked() {
					checked = a.LastChecked.Format("2006-01-02 15:04:05")
				}
				flag := string(a.Status)
				if a.UnusualActivity {
					flag += " (flagged)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
					a.Email, a.MaskedKey(), a.QuotaRemaining, flag, a.TotalUsed, a.StrikeCount, checked)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voxgate.yaml", "path to config file")
	return cmd
}

func newAccountsRefreshCmd() *cobra.Command {
	var configPath string
	var parallelism int

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-check every active account's quota against the upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(configPath)
			if err != nil {
				return err
			}

			n, err := l.RefreshAll(context.Background(), parallelism)
			if err != nil {
				return fmt.Errorf("refresh accounts: %w", err)
			}
			fmt.Printf("refreshed %d accounts\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voxgate.yaml", "path to config file")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 4, "concurrent quota checks")
	return cmd
}
