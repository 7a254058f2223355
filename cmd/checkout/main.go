// Package main запускает HTTP-сервер сервиса оформления заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/checkout-service/internal/config"
	"github.com/mmeshcher/checkout-service/internal/gateway"
	"github.com/mmeshcher/checkout-service/internal/handler"
	"github.com/mmeshcher/checkout-service/internal/middleware"
	"github.com/mmeshcher/checkout-service/internal/notify"
	"github.com/mmeshcher/checkout-service/internal/repository"
	"github.com/mmeshcher/checkout-service/internal/service"
	"github.com/mmeshcher/checkout-service/internal/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	shutdownTracing, err := tracing.Setup(cfg.TraceExporter, os.Stdout)
	if err != nil {
		sugar.Fatalw("tracing initialization error", "error", err.Error())
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			sugar.Warnw("tracing shutdown error", "error", err.Error())
		}
	}()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	verifierOpts := []gateway.Option{}
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		verifierOpts = append(verifierOpts, gateway.WithGuard(gateway.NewRedisGuard(rdb, cfg.VerifyGuardTTL)))
	} else {
		sugar.Warn("redis address is not set, concurrent verification guard disabled")
	}

	var sink notify.Sink
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		writer := notify.NewWriter(brokers)
		defer writer.Close()
		sink = notify.NewKafkaSink(writer, cfg.NotificationTopic, logger)
	} else {
		sugar.Warn("kafka brokers are not set, notifications are written to the log")
		sink = notify.NewLogSink(logger)
	}

	verifier := gateway.NewVerifier(newPaymentRouter(cfg, repo), repo, logger, verifierOpts...)

	// Close дожидается фоновых уведомлений и закрывает репозиторий.
	svc := service.NewService(repo, verifier, sink, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting checkout server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("application terminated with error", "error", err)
	}
}

func newPaymentRouter(cfg *config.Config, tokens gateway.IMEPayTokens) *gateway.Router {
	client := gateway.NewClient(cfg.GatewayTimeout, cfg.GatewayRPS)
	gw := cfg.Gateways

	return gateway.NewRouter(
		gateway.NewKhalti(gateway.KhaltiConfig{
			VerifyURL: gw.KhaltiVerifyURL,
			SecretKey: gw.KhaltiSecretKey,
		}, client),
		gateway.NewEsewa(gateway.EsewaConfig{
			VerifyURL:    gw.EsewaVerifyURL,
			MerchantCode: gw.EsewaMerchantCode,
		}, client),
		gateway.NewFonepay(gateway.FonepayConfig{
			VerifyURL:    gw.FonepayVerifyURL,
			MerchantCode: gw.FonepayMerchantCode,
			SecretKey:    gw.FonepaySecretKey,
		}, client),
		gateway.NewIMEPay(gateway.IMEPayConfig{
			VerifyURL:    gw.IMEPayVerifyURL,
			MerchantCode: gw.IMEPayMerchantCode,
			Token:        gw.IMEPayToken,
			Module:       gw.IMEPayModule,
		}, client, tokens),
		gateway.NewCard(gateway.CardConfig{SecretKey: gw.CardSecretKey}),
		gateway.COD{},
	)
}
