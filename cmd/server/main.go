package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/guidegenie/guidegenie/internal/api"
	"github.com/guidegenie/guidegenie/internal/authadmin"
	"github.com/guidegenie/guidegenie/internal/config"
	"github.com/guidegenie/guidegenie/internal/email"
	"github.com/guidegenie/guidegenie/internal/images"
	"github.com/guidegenie/guidegenie/internal/provider"
	"github.com/guidegenie/guidegenie/internal/rpc"
	"github.com/guidegenie/guidegenie/internal/session"
	"github.com/guidegenie/guidegenie/internal/uploads"
	"github.com/guidegenie/guidegenie/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(config.New())
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		zap.String("site_url", cfg.SiteURL),
		zap.String("backend", cfg.Provider.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Email ─────────────────────────────────────────────────────────────────
	var mailer email.EmailSender
	if cfg.Email.Host != "" {
		mailer = email.NewSMTPSender(cfg.Email)
		logger.Info("email: SMTP configured", zap.String("host", cfg.Email.Host))
	} else {
		mailer = email.NewNoopSender(logger)
		logger.Info("email: no SMTP host configured, emails will be logged only")
	}

	// ── Auth events ───────────────────────────────────────────────────────────
	var bus provider.Bus = provider.NewMemoryBus()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		rbus := provider.NewRedisBus(rdb, logger)
		if err := rbus.Start(ctx); err != nil {
			return err
		}
		bus = rbus
		logger.Info("auth events: redis", zap.String("addr", cfg.Redis.Addr))
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	secret := []byte(cfg.Provider.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("provider.jwt_secret not set, using an ephemeral secret")
	}
	tokens := provider.NewTokenIssuer(secret, cfg.Provider.Issuer, cfg.Provider.TokenTTL)
	oauth := provider.NewOAuthBroker(cfg.OAuth, tokens)

	var client provider.ServiceClient
	switch cfg.Provider.Backend {
	case "postgres":
		db, err := pgxpool.New(ctx, cfg.Provider.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		client = provider.NewPostgres(db, tokens, oauth, bus, mailer, logger)
	default:
		logger.Warn("using in-memory provider, accounts are lost on restart")
		client = provider.NewMemory(provider.MemoryOptions{
			TokenTTL: cfg.Provider.TokenTTL,
			Bus:      bus,
			OAuth:    oauth,
			Mailer:   mailer,
			Logger:   logger,
		})
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	sessions := session.NewManager(client, session.Config{
		SiteURL:       cfg.SiteURL,
		SecureCookies: cfg.Server.SecureCookies,
		Revalidate:    cfg.Server.SessionRevalidate,
	}, cfg.Server.SessionTTL, logger)
	defer sessions.Close()
	sessions.StartEviction(ctx, cfg.Server.EvictionInterval)

	go func() {
		t := time.NewTicker(cfg.Server.EvictionInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				web.RecordSessions(sessions.Len())
			}
		}
	}()

	// ── Integrations ──────────────────────────────────────────────────────────
	deps := api.Deps{
		Admin:       authadmin.NewService(client, logger),
		Plans:       cfg.Billing.Plans,
		DefaultPlan: cfg.Billing.DefaultPlan,
		Logger:      logger,
	}

	presigner, err := uploads.New(ctx, cfg.Uploads)
	switch {
	case errors.Is(err, uploads.ErrNotConfigured):
		logger.Info("uploads: no bucket configured, avatar uploads disabled")
	case err != nil:
		return err
	default:
		deps.Uploader = presigner
		logger.Info("uploads: S3 configured", zap.String("bucket", cfg.Uploads.Bucket))
	}

	if cfg.Images.AccessKey != "" {
		deps.Images = images.New(cfg.Images, logger)
		deps.Images.StartCacheEviction(ctx, time.Minute)
		logger.Info("images: unsplash configured")
	}

	router := rpc.NewRouter(logger)
	router.Observe(web.RecordRPC)
	api.Register(router, deps)

	// ── gRPC ──────────────────────────────────────────────────────────────────
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(rpc.LoggingInterceptor(logger)))
	router.RegisterGRPC(grpcServer, sessions)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc :%d: %w", cfg.Server.GRPCPort, err)
	}
	go func() {
		logger.Info("gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	// ── HTTP ──────────────────────────────────────────────────────────────────
	srv := web.NewServer(web.Options{
		SiteURL:       cfg.SiteURL,
		CORSOrigins:   cfg.Server.CORSOrigins,
		RateLimitRPS:  cfg.Server.RateLimitRPS,
		SecureCookies: cfg.Server.SecureCookies,
	}, sessions, router, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           srv.Engine(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP listen error", zap.Error(err))
			stop()
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down...")

	healthSrv.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("server stopped")
	return nil
}
