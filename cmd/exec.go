package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"ticket-engine/config"
	"ticket-engine/internal/handlers"
	"ticket-engine/internal/logger"
	"ticket-engine/internal/services"
	"ticket-engine/internal/services/bank"
	"ticket-engine/internal/store"
	"ticket-engine/monitoring"
	"ticket-engine/security"
	"ticket-engine/utils"
)

// engine holds the long-lived dependencies shared by the server and the
// maintenance commands.
type engine struct {
	cfg         *config.Config
	store       *store.Store
	redisClient *redis.Client
	redis       redis.Cmdable
	notifier    *services.Notifier
	gateways    *bank.Registry

	ledger   *services.LedgerService
	orders   *services.OrderService
	gates    *services.GateService
	checkins *services.CheckInService
	payments *services.PaymentService
	sweeper  *services.ExpirySweeper
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	en := &engine{cfg: cfg, store: st}

	// Redis is optional; without it caches, locks and dedupe fall back to
	// the store.
	if cfg.RedisURL != "" {
		en.redisClient = utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		en.redis = en.redisClient
	}

	en.gateways, err = bank.Build(ctx, cfg)
	if err != nil {
		en.close()
		return nil, err
	}

	en.notifier = services.NewNotifier(cfg)
	en.ledger = services.NewLedgerService(st)
	en.orders = services.NewOrderService(st, en.ledger, en.notifier, cfg.PaymentTimeout)
	en.gates = services.NewGateService(st, en.redis).WithTokenSecret(cfg.GateTokenSecret)
	en.checkins = services.NewCheckInService(st, en.gates, en.notifier)
	en.payments = services.NewPaymentService(st, en.orders, en.gateways, en.redis, services.PaymentOptions{
		PollInterval: cfg.PaymentPollInterval,
		PollMinAge:   cfg.PaymentPollMinAge,
	})
	en.sweeper = services.NewExpirySweeper(en.orders, st, en.redis, cfg.ExpirySweepInterval, cfg.ExpirySweepBatch)
	return en, nil
}

func (en *engine) routes() handlers.Routes {
	return handlers.Routes{
		Orders:      handlers.NewOrderHandler(en.orders, en.ledger),
		Payments:    handlers.NewPaymentHandler(en.payments),
		CheckIns:    handlers.NewCheckInHandler(en.checkins, en.gates),
		Admin:       handlers.NewAdminHandler(en.ledger, en.gates, en.checkins),
		Health:      handlers.NewHealthHandler(en.store, en.redis),
		Limiter:     security.NewRateLimiter(en.redis, en.cfg.ScanRateLimit, en.cfg.ScanRateWindow),
		Development: en.cfg.IsDevelopment(),
	}
}

func (en *engine) close() {
	if en.sweeper != nil {
		en.sweeper.Stop()
	}
	if en.notifier != nil {
		en.notifier.Close()
	}
	if en.gateways != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := en.gateways.Close(ctx); err != nil {
			slog.Warn("close gateways", "error", err)
		}
		cancel()
	}
	if en.redisClient != nil {
		en.redisClient.Close()
	}
	if err := en.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}

func Start() error {
	cfg := config.LoadConfig()
	logger.Init(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	app := pocketbase.NewWithConfig(pocketbase.Config{DefaultDataDir: cfg.DataDir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	en, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer en.close()

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.IsDevelopment(),
	})
	app.RootCmd.AddCommand(sweepCommand(en), reconcileCommand(en))

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		en.routes().Register(e.Router)

		en.sweeper.Start(ctx)
		go en.payments.Run(ctx)

		if cfg.EnableMetrics {
			go monitoring.NewMonitor(en.store, 30*time.Second).Run(ctx)
			go serveMetrics(ctx, cfg.MetricsPort)
		}

		slog.Info("server routes registered", "environment", cfg.Environment, "providers", en.gateways.Providers())
		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		slog.Info("shutdown signal received, cleaning up")
		cancel()
		en.sweeper.Stop()
		return e.Next()
	})

	return app.Start()
}

func sweepCommand(en *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire unpaid orders past their payment window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := en.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("sweep finished", "expired", n)
			return nil
		},
	}
}

func reconcileCommand(en *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Ask the gateways about pending transactions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := en.payments.PollPending(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("reconcile finished", "settled", n)
			return nil
		},
	}
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}
