package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/api"
	"github.com/sankofapay/installment-engine/internal/callbacks"
	"github.com/sankofapay/installment-engine/internal/config"
	"github.com/sankofapay/installment-engine/internal/database"
	"github.com/sankofapay/installment-engine/internal/eventbus"
	"github.com/sankofapay/installment-engine/internal/gateway"
	"github.com/sankofapay/installment-engine/internal/ledger"
	"github.com/sankofapay/installment-engine/internal/mandate"
	"github.com/sankofapay/installment-engine/internal/notify"
	"github.com/sankofapay/installment-engine/internal/payments"
	"github.com/sankofapay/installment-engine/internal/reporting"
	"github.com/sankofapay/installment-engine/internal/retry"
	"github.com/sankofapay/installment-engine/internal/rules"
	"github.com/sankofapay/installment-engine/internal/secrets"
)

func main() {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
		fx.Provide(
			config.Load,
			initLogger,
			database.Open,
			initEventBus,
			initGateway,
			ledger.NewLedger,
			initMandateService,
			initNotifier,
			initCoordinator,
			initScheduler,
			reporting.NewService,
			initHandlers,
			api.NewRouter,
			callbacks.NewProcessor,
		),
		fx.Invoke(wireFailureHandler, startServer, startProcessor, startSweeps),
		fx.StopTimeout(30*time.Second),
	)

	if err := app.Start(context.Background()); err != nil {
		log.Fatal("Failed to start worker", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	if err := app.Stop(context.Background()); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Worker shutdown complete")
}

func initLogger(cfg *config.Config) *zap.Logger {
	var logLevel zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = logLevel
	logger, _ := zapCfg.Build()
	return logger
}

func initEventBus(cfg *config.Config, logger *zap.Logger) (eventbus.EventBus, error) {
	return eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
}

// initGateway selects the gateway implementation and wraps it with the
// outbound rate limit. Live mode needs credentials, which come from Vault
// when enabled.
func initGateway(cfg *config.Config, logger *zap.Logger) (gateway.Gateway, error) {
	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "sandbox":
		gw = gateway.NewSandbox()
		logger.Info("using sandbox gateway")
	default:
		if !cfg.Vault.Enabled {
			return nil, fmt.Errorf("gateway mode %q requires vault-backed credentials", cfg.Gateway.Mode)
		}
		vault, err := secrets.NewVaultClient(cfg.Vault.Address, cfg.Vault.Token)
		if err != nil {
			return nil, err
		}
		creds, err := vault.GatewayCredentials(cfg.Vault.Path)
		if err != nil {
			return nil, err
		}
		// TODO: live aggregator client once sandbox certification completes.
		_ = creds
		return nil, fmt.Errorf("gateway mode %q not yet supported", cfg.Gateway.Mode)
	}
	return gateway.NewRateLimited(gw, cfg.Gateway.RatePerSecond, cfg.Gateway.Burst), nil
}

func initMandateService(cfg *config.Config, db *gorm.DB, gw gateway.Gateway, bus eventbus.EventBus, logger *zap.Logger) *mandate.Service {
	validity := time.Duration(cfg.Gateway.MandateValidityDays) * 24 * time.Hour
	return mandate.NewService(db, gw, validity, bus, logger)
}

func initNotifier(logger *zap.Logger) *notify.Notifier {
	return notify.NewNotifier(
		&notify.LogSMSProvider{Logger: logger},
		&notify.LogAdminAlerter{Logger: logger},
		logger,
	)
}

func initCoordinator(db *gorm.DB, gw gateway.Gateway, lg *ledger.Ledger, mandates *mandate.Service, bus eventbus.EventBus, logger *zap.Logger) *payments.Coordinator {
	return payments.NewCoordinator(db, gw, lg, mandates, bus, logger)
}

func initScheduler(db *gorm.DB, coordinator *payments.Coordinator, notifier *notify.Notifier, bus eventbus.EventBus, logger *zap.Logger) *retry.Scheduler {
	return retry.NewScheduler(db, coordinator, notifier, rules.NewClassifier(logger), bus, logger)
}

func initHandlers(cfg *config.Config, lg *ledger.Ledger, coordinator *payments.Coordinator, mandates *mandate.Service, scheduler *retry.Scheduler, reports *reporting.Service, logger *zap.Logger) *api.Handlers {
	return api.NewHandlers(lg, coordinator, mandates, scheduler, reports, cfg.Engine.DefaultedAfterDays, logger)
}

// wireFailureHandler closes the coordinator/scheduler loop: failures feed the
// scheduler, due retries feed back into the coordinator.
func wireFailureHandler(coordinator *payments.Coordinator, scheduler *retry.Scheduler) {
	coordinator.SetFailureHandler(scheduler)
}

func startServer(lc fx.Lifecycle, cfg *config.Config, router *gin.Engine, logger *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startProcessor(lc fx.Lifecycle, processor *callbacks.Processor, bus eventbus.EventBus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting installment engine worker")
			return processor.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return bus.Close()
		},
	})
}

// startSweeps runs the retry and mandate-expiry tickers for the lifetime of
// the app.
func startSweeps(lc fx.Lifecycle, cfg *config.Config, scheduler *retry.Scheduler, mandates *mandate.Service, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(time.Duration(cfg.Engine.RetrySweepSeconds) * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case now := <-ticker.C:
						if _, err := scheduler.Sweep(ctx, now); err != nil {
							logger.Error("retry sweep failed", zap.Error(err))
						}
					}
				}
			}()
			go func() {
				ticker := time.NewTicker(time.Duration(cfg.Engine.ExpirySweepSeconds) * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case now := <-ticker.C:
						if _, err := mandates.ExpireDue(ctx, now); err != nil {
							logger.Error("mandate expiry sweep failed", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
