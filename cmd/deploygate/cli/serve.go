package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/approval/postgres"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/bridge"
	"github.com/tkingovr/deploygate/internal/metrics"
	"github.com/tkingovr/deploygate/internal/policy"
	"github.com/tkingovr/deploygate/internal/producer"
	"github.com/tkingovr/deploygate/internal/ratelimit"
	"github.com/tkingovr/deploygate/internal/server"
	"github.com/tkingovr/deploygate/internal/tracing"
)

const (
	purgeInterval = time.Hour
	purgeAfter    = 24 * time.Hour
)

var (
	serveAddr    string
	serveLogDir  string
	serveStore   string
	serveDSN     string
	serveTracing bool
	serveTTL     time.Duration
	serveHistory int
	serveHistTTL time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the approval backend and dashboard",
	Long: `Start the approval API, the web dashboard, the resumption bridge and
the expiry loop. Wallet clients poll this server for pending requests.`,
	Example: `  deploygate serve -c deploygate.yaml
  deploygate serve -l :8080 --store postgres --dsn postgres://localhost/deploygate`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "listen", "l", "", "listen address")
	serveCmd.Flags().StringVarP(&serveLogDir, "audit-dir", "a", "", "audit log directory")
	serveCmd.Flags().StringVar(&serveStore, "store", "", "approval store driver (memory or postgres)")
	serveCmd.Flags().StringVar(&serveDSN, "dsn", "", "postgres connection string")
	serveCmd.Flags().BoolVar(&serveTracing, "tracing", false, "write OpenTelemetry spans to stderr")
	serveCmd.Flags().DurationVar(&serveTTL, "ttl", 0, "approval request deadline (overrides config)")
	serveCmd.Flags().IntVar(&serveHistory, "history", 256, "retired requests kept for the dashboard (memory store)")
	serveCmd.Flags().DurationVar(&serveHistTTL, "history-ttl", time.Hour, "how long retired requests stay visible")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if serveLogDir != "" {
		cfg.LogDir = serveLogDir
	}
	if serveStore != "" {
		cfg.StoreDriver = serveStore
	}
	if serveDSN != "" {
		cfg.StoreDSN = serveDSN
	}
	if cmd.Flags().Changed("ttl") {
		cfg.ApprovalTTL = serveTTL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing || serveTracing {
		shutdown, err := tracing.Init("deploygate", version, os.Stderr)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	auditStore, err := audit.NewJSONLStore(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("creating audit store: %w", err)
	}
	defer auditStore.Close()

	var (
		store approval.Store
		pg    *postgres.Store
	)
	switch cfg.StoreDriver {
	case "postgres":
		pg, err = postgres.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return fmt.Errorf("opening approval store: %w", err)
		}
		defer pg.Close()
		store = pg
	case "", "memory":
		store = approval.NewMemoryStore(approval.WithHistory(serveHistory, serveHistTTL))
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	m := metrics.Default()
	b := bridge.New(store,
		bridge.WithInterval(cfg.BridgeInterval),
		bridge.WithLogger(logger),
		bridge.WithAudit(auditStore),
		bridge.WithMetrics(m),
	)
	prod := producer.New(store, b,
		producer.WithPolicy(engine),
		producer.WithLimiter(ratelimit.New(cfg.RateLimit)),
		producer.WithAudit(auditStore),
		producer.WithMetrics(m),
		producer.WithLogger(logger),
		producer.WithTTL(cfg.ApprovalTTL),
	)
	srv := server.NewServer(server.Options{
		Addr:     cfg.ListenAddr,
		Store:    store,
		Bridge:   b,
		Producer: prod,
		Audit:    auditStore,
		Engine:   engine,
		Policy:   cfg.PolicyFile,
		Metrics:  m,
		Logger:   logger,
	})

	logger.Info("starting deploygate",
		slog.String("listen", cfg.ListenAddr),
		slog.String("store", cfg.StoreDriver),
		slog.Duration("approval_ttl", cfg.ApprovalTTL),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	if cfg.ApprovalTTL > 0 {
		g.Go(func() error {
			stopExpiry := approval.AutoExpire(gctx, store, cfg.ExpiryInterval, logger, func(r *approval.Request) {
				m.Expired()
				audit.Emit(gctx, auditStore, logger, &api.AuditRecord{
					Event:      api.EventExpired,
					ApprovalID: r.ID,
					TaskID:     r.TaskID,
					Reason:     approval.ExpiredReason,
				})
			})
			<-gctx.Done()
			stopExpiry()
			return nil
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, engine)
		return nil
	})
	if pg != nil {
		g.Go(func() error {
			purgeLoop(gctx, pg)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// reloadOnHangup reloads the policy rules on SIGHUP.
func reloadOnHangup(ctx context.Context, engine policy.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := engine.Reload(ctx); err != nil {
				logger.Error("policy reload failed; keeping current rules", "error", err)
				continue
			}
			logger.Info("policy reloaded")
		}
	}
}

// purgeLoop deletes retired rows so the table does not grow without bound.
func purgeLoop(ctx context.Context, pg *postgres.Store) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.Purge(ctx, time.Now().Add(-purgeAfter))
			if err != nil {
				logger.Warn("purging retired approvals", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged retired approvals", "rows", n)
			}
		}
	}
}
