package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"negotiation-chat/internal/auth"
	"negotiation-chat/internal/cache"
	"negotiation-chat/internal/chat"
	"negotiation-chat/internal/config"
	"negotiation-chat/internal/db"
	grpcserver "negotiation-chat/internal/grpc"
	"negotiation-chat/internal/handlers"
	"negotiation-chat/internal/idresolver"
	"negotiation-chat/internal/logger"
	"negotiation-chat/internal/mailer"
	"negotiation-chat/internal/middleware"
	"negotiation-chat/internal/observability"
	"negotiation-chat/internal/rabbitmq"
	"negotiation-chat/internal/repositories"
	"negotiation-chat/internal/scheduler"
	"negotiation-chat/internal/telemetry"
	"negotiation-chat/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logr.Sync() }()
	logr = logr.With(zap.String("node_id", cfg.App.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTel.Endpoint, cfg.OTel.ServiceName, logr)
	if err != nil {
		logr.Fatal("failed to init tracing", zap.Error(err))
	}

	database, err := db.Connect(ctx, cfg.Database.DSN, logr)
	if err != nil {
		logr.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	store := cache.New(rdb)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)
	hireRepo := repositories.NewHireRepo(database)
	eventRepo := repositories.NewEventRepo(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logr)
	logr.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	events := telemetry.NewChatEventEmitter(eventRepo, publisher, cfg.OTel.ServiceName, cfg.App.Env, logr)

	hireTokens := auth.NewHireTokens(cfg.Auth.HireTokenSecret)
	mail := mailer.New(cfg.SMTP, cfg.App.PublicURL, hireTokens, logr)

	queue := scheduler.NewQueue(rdb)
	jobs := scheduler.New(queue, logr,
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
	)
	batcher := scheduler.NewBatcher(repositories.BatchWriter{Messages: messageRepo, Chats: chatRepo}, logr, scheduler.DefaultFlushDelay)
	jobs.Register(scheduler.JobPersistMessage, batcher.Handle)

	engine := chat.NewService(chat.Deps{
		Chats:    chatRepo,
		Messages: messageRepo,
		Users:    userRepo,
		Hires:    hireRepo,
		Cache:    store,
		IDs:      idresolver.New(rdb),
		Jobs:     jobs,
		Events:   events,
		Mailer:   mail,
		Pending:  batcher,
		Logger:   logr,
	}, chat.WithSendLimit(cfg.Chat.SendLimit, cfg.Chat.SendWindow))
	engine.RegisterJobs(jobs)

	hub := ws.NewHub(cfg.App.NodeID, store, logr)
	engine.SetNotifier(hub)
	if err := hub.StartRelay(ctx); err != nil {
		logr.Fatal("failed to subscribe relay channel", zap.Error(err))
	}

	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, userRepo, store, cfg.Chat.ConnectLimit, cfg.Chat.ConnectWindow, logr)
	gateway := ws.NewGateway(hub, engine, authn, store, publisher, logr)

	if cfg.App.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.App.TrustedProxies); err != nil {
		logr.Fatal("invalid trusted proxies", zap.Error(err))
	}
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(cfg.OTel.ServiceName),
		observability.RequestIDMiddleware(),
		observability.HTTPMetricsMiddleware(),
	)

	chatHandler := handlers.NewChatHandler(engine, logr)
	hireHandler := handlers.NewHireHandler(hireTokens, engine, logr)
	authMiddleware := middleware.AuthMiddleware(authn)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.GET("/chats/unattended-count", authMiddleware, chatHandler.UnattendedCount)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetChatMessages)
	router.GET("/hire/confirm", hireHandler.Show)
	router.POST("/hire/confirm", hireHandler.Confirm)
	router.GET("/ws", gateway.Handle)

	health := grpcserver.NewHealthServer(map[string]grpcserver.Check{
		"postgres": database.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, logr)
	go health.Run(ctx, 10*time.Second)

	grpcLis, err := net.Listen("tcp", ":"+cfg.App.GRPCPort)
	if err != nil {
		logr.Fatal("failed to listen grpc", zap.Error(err))
	}
	go func() {
		if err := health.Serve(grpcLis); err != nil {
			logr.Error("grpc server stopped", zap.Error(err))
		}
	}()

	jobs.Start(ctx)

	srv := &http.Server{Addr: ":" + cfg.App.HTTPPort, Handler: router}
	go func() {
		logr.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	health.Stop()
	jobs.Wait()
	if err := batcher.Close(shutdownCtx); err != nil {
		logr.Error("final message flush failed", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logr.Warn("publisher close", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logr.Warn("tracer shutdown", zap.Error(err))
	}
}
