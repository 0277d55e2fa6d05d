package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/stockpile/integration-gateway/internal/dispatch"
	"github.com/stockpile/integration-gateway/internal/domain/apikey"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
	"github.com/stockpile/integration-gateway/internal/gateway"
	"github.com/stockpile/integration-gateway/internal/handler"
	"github.com/stockpile/integration-gateway/internal/repository"
	"github.com/stockpile/integration-gateway/pkg/health"
	"github.com/stockpile/integration-gateway/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	keyRepo := repository.NewAPIKeyRepository(pool)
	webhookRepo := repository.NewWebhookRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool)
	inventoryRepo := repository.NewInventoryRepository(pool)

	// Domain services.
	keySvc := apikey.NewService(keyRepo, []byte(cfg.APIKeyPepper), lg.Named("apikey"))
	if err := keySvc.WarmFilter(ctx); err != nil {
		// The prefilter is a performance shortcut; verification stays
		// correct without it.
		lg.Warn("Token prefilter warm-up failed", zap.Error(err))
	}
	webhookSvc := webhook.NewService(webhookRepo)

	dispatcher, err := dispatch.New(webhookSvc, deliveryRepo, dispatch.Config{
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		RequestTimeout:  cfg.Dispatch.RequestTimeout,
		MaxPayloadBytes: cfg.Dispatch.MaxPayloadBytes,
	}, lg.Named("dispatch"), m.MeterProvider().Meter("integration-gateway/dispatch"))
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	// A large retry backlog means this instance is behind on deliveries;
	// flip readiness off so the balancer stops routing new publishes here.
	healthSvc.AddReadinessCheck("dispatch-backlog", time.Second,
		health.InFlightCheck(dispatcher.InFlight, 1000))
	healthSvc.Start(ctx, 10*time.Second)

	gw := gateway.New(keySvc, dispatcher)

	// HTTP surface.
	h := handler.NewHandler(keySvc, webhookSvc, deliveryRepo, inventoryRepo, gw, cfg.AdminToken, lg.Named("http"))

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/v1/", h.Routes())

	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-API-Key"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.APIKeyOrIPKeyFunc,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: stop accepting requests first, then drain the
	// dispatcher so in-flight webhook deliveries get a chance to finish.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
		defer cancelDrain()
		if err := dispatcher.Close(drainCtx); err != nil {
			lg.Warn("Dispatcher drain incomplete", zap.Error(err))
		}

		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
