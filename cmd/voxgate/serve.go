package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/dispatch"
	"github.com/voxgate-ai/voxgate/pkg/gateway"
	"github.com/voxgate-ai/voxgate/pkg/history"
	"github.com/voxgate-ai/voxgate/pkg/ledger"
	"github.com/voxgate-ai/voxgate/pkg/ratelimit"
	"github.com/voxgate-ai/voxgate/pkg/rotation"
	"github.com/voxgate-ai/voxgate/pkg/scheduler"
	"github.com/voxgate-ai/voxgate/pkg/upstream"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := ledger.NewStore(cfg.LedgerPath)
			if err != nil {
				return fmt.Errorf("init ledger store: %w", err)
			}

			auditLog, err := ledger.OpenAuditLog(cfg.AuditDBPath)
			if err != nil {
				return fmt.Errorf("init audit log: %w", err)
			}
			defer func() { _ = auditLog.Close() }()

			coordinator := rotation.NewCoordinator(rotation.NewHTTPProvider(cfg.Rotation), cfg.Rotation)
			speech := upstream.NewSpeechClient(cfg.Upstream, coordinator)
			accounts := ledger.New(store, speech, auditLog, cfg.Pool)

			invoker := upstream.NewInvoker(speech, accounts, coordinator, cfg.Upstream, cfg.Pool.MaxConcurrentPerAccount)
			sched := scheduler.New(accounts, cfg.Scheduler, cfg.Pool.MinUsefulQuota)
			processor := dispatch.New(sched, invoker, coordinator, accounts, cfg.Pool, cfg.Scheduler)
			processor.Start(ctx)
			defer processor.Stop()

			chats, err := history.New(cfg.HistoryDBPath)
			if err != nil {
				return fmt.Errorf("init history store: %w", err)
			}
			defer func() { _ = chats.Close() }()

			limiter := ratelimit.New(cfg.ModelLimits)
			var chat gateway.ChatUpstream
			if cfg.Upstream.ChatAPIKey != "" {
				chat = upstream.NewChatClient(cfg.Upstream)
			}

			jobs := cron.New()
			if cfg.Jobs.QuotaRefresh != "" {
				if _, err := jobs.AddFunc(cfg.Jobs.QuotaRefresh, func() {
					n, err := accounts.RefreshAll(ctx, 4)
					if err != nil {
						log.Printf("scheduled quota refresh: %v", err)
						return
					}
					log.Printf("scheduled quota refresh: %d accounts updated", n)
				}); err != nil {
					return fmt.Errorf("schedule quota refresh: %w", err)
				}
			}
			if cfg.Jobs.AuditRetention != "" {
				if _, err := jobs.AddFunc(cfg.Jobs.AuditRetention, func() {
					n, err := auditLog.Cleanup(ctx, cfg.Jobs.RetentionDays)
					if err != nil {
						log.Printf("audit retention: %v", err)
						return
					}
					log.Printf("audit retention: %d entries removed", n)
				}); err != nil {
					return fmt.Errorf("schedule audit retention: %w", err)
				}
			}
			jobs.Start()
			defer jobs.Stop()

			srv := gateway.New(cfg, processor, limiter, chat, chats)

			log.Printf("starting voxgate with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voxgate.yaml", "path to config file")
	return cmd
}
