package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/ledger"
)

func newAuditCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the quota audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			auditLog, err := ledger.OpenAuditLog(cfg.AuditDBPath)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer func() { _ = auditLog.Close() }()

			entries, err := auditLog.List(context.Background())
			if err != nil {
				return fmt.Errorf("list audit entries: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EMAIL\tKEY\tREMAINING\tCHECKED AT\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					e.Email, e.KeySuffix, e.Remaining,
					e.CheckedAt.Format("2006-01-02 15:04:05"), e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voxgate.yaml", "path to config file")
	return cmd
}
