package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servicehub/assignment"
	"servicehub/audit"
	"servicehub/auth"
	"servicehub/authz"
	"servicehub/config"
	"servicehub/db"
	"servicehub/dispute"
	"servicehub/firm"
	"servicehub/gateway"
	"servicehub/outbox"
	"servicehub/payment"
	"servicehub/provider"
	"servicehub/request"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SERVICEHUB_CONFIG"))
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	fees, err := cfg.Fees.FeeSchedule()
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder()
	outboxWriter := outbox.NewWriter()

	providerRepo := provider.NewRepository(pool)
	tracker := provider.NewTracker()
	firmService := firm.NewService(firm.NewRepository(pool))

	engine := assignment.NewEngine(pool, providerRepo, tracker, recorder, outboxWriter, cfg.Scoring.Weights())
	requestService := request.NewService(pool, request.NewRepository(pool), tracker, engine, recorder, outboxWriter)

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.Secret, cfg.Gateway.Timeout)
	paymentService := payment.NewService(pool, payment.NewRepository(pool), firmService, gw, recorder, outboxWriter, fees)

	disputeService := dispute.NewService(dispute.NewRepository(pool))
	accountService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	relay := outbox.NewRelay(pool, outbox.LogNotifier{Log: logger}, logger).WithInterval(cfg.OutboxInterval)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()

	go autoReleaseLoop(ctx, paymentService, logger)

	server := &Server{
		requests: requestService,
		engine:   engine,
		payments: paymentService,
		disputes: disputeService,
		accounts: accountService,
		verifier: authz.NewVerifier(cfg.JWTSecret),
		log:      logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// autoReleaseLoop sweeps escrow on a coarse schedule.
func autoReleaseLoop(ctx context.Context, payments *payment.Service, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := payments.AutoRelease(ctx)
			if err != nil {
				logger.Error("escrow auto-release sweep failed", "error", err)
				continue
			}
			if len(released) > 0 {
				logger.Info("escrow auto-released", "count", len(released))
			}
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
