package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/rl1809/collectible-market/internal/adapter/auth"
	"github.com/rl1809/collectible-market/internal/adapter/handler"
	"github.com/rl1809/collectible-market/internal/adapter/notify"
	"github.com/rl1809/collectible-market/internal/adapter/payment"
	"github.com/rl1809/collectible-market/internal/adapter/storage"
	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/config"
	"github.com/rl1809/collectible-market/internal/core/service"
	"github.com/rl1809/collectible-market/internal/port"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs with the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, migrate bool) error {
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.close()

	if migrate {
		if err := db.migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := openRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	var (
		cache port.CacheRepository
		lock  port.SweepLock
	)
	if rdb != nil {
		defer rdb.Close()
		cache = storage.NewRedisAdapter(rdb)
		lock = storage.NewRedisSweepLock(rdb, cfg.Reservation.SweepLockKey)
	}

	clk := clock.NewSystem()
	engine := service.NewReservationService(db.store, clk,
		service.WithReservationTTL(cfg.Reservation.TTL),
		service.WithPolicy(service.ReservationPolicy(cfg.Reservation.Policy)),
		service.WithSweepBatchSize(cfg.Reservation.SweepBatch),
		service.WithLogger(logger),
	)

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := service.NewDispatcher(notifier, cfg.Dispatcher.QueueSize, logger)
	dispatcher.Start(cfg.Dispatcher.Workers)

	checkoutOpts := []service.CheckoutOption{
		service.WithInstructionQueue(dispatcher),
		service.WithCheckoutLogger(logger),
	}
	httpOpts := []handler.HTTPOption{handler.WithHTTPLogger(logger)}
	if cfg.PayPal.ClientID != "" {
		paypal := payment.NewPayPalClient(payment.PayPalConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			BrandName:    cfg.UPI.Payee,
		})
		checkoutOpts = append(checkoutOpts, service.WithPaymentProvider(paypal))
		webhooks := service.NewWebhookService(engine, cache, logger, service.WithCapture(paypal))
		httpOpts = append(httpOpts, handler.WithWebhooks(webhooks, payment.NewHMACVerifier(cfg.Webhook.Secret), payment.ParsePayPalEvent))
	}
	if cache != nil {
		httpOpts = append(httpOpts, handler.WithRateLimit(cache, cfg.RateLimit.Limit, cfg.RateLimit.Window))
	}

	checkout := service.NewCheckoutService(engine, payment.NewUPIBuilder(cfg.UPI.VPA, cfg.UPI.Payee), checkoutOpts...)
	admin := service.NewAdminService(engine)
	authn := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, clk)

	sweeperOpts := []service.SweeperOption{
		service.WithSweepInterval(cfg.Reservation.SweepInterval),
		service.WithSweepTTL(cfg.Reservation.TTL),
		service.WithSweepLogger(logger),
	}
	if lock != nil {
		sweeperOpts = append(sweeperOpts, service.WithSweepLock(lock, holderID()))
	}
	sweeper := service.NewSweeper(engine, clk, sweeperOpts...)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(checkout, admin, authn))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	httpHandler := handler.NewHTTPHandler(engine, checkout, admin, authn, httpOpts...)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpHandler.Router(),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	sweeper.Stop()
	logger.Info("sweeper stopped")

	dispatcher.Close()
	logger.Info("notification workers stopped")
	return nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (port.Notifier, error) {
	var channels notify.Multi
	if cfg.SMTP.Host != "" {
		channels = append(channels, notify.NewEmailNotifier(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if len(channels) == 0 {
		logger.Warn("no notification channel configured; payment instructions are only logged")
		return notify.Log{Logger: logger}, nil
	}
	return channels, nil
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
