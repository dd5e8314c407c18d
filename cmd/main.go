package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/relaycore/internal/auth"
	"github.com/streamspace/relaycore/internal/config"
	"github.com/streamspace/relaycore/internal/connmgr"
	"github.com/streamspace/relaycore/internal/crossnode"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/delivery"
	"github.com/streamspace/relaycore/internal/events"
	"github.com/streamspace/relaycore/internal/housekeeping"
	"github.com/streamspace/relaycore/internal/lifecycle"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/outbox"
	"github.com/streamspace/relaycore/internal/presence"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/ratelimit"
	"github.com/streamspace/relaycore/internal/replay"
	"github.com/streamspace/relaycore/internal/router"
	"github.com/streamspace/relaycore/internal/safety"
	"github.com/streamspace/relaycore/internal/store"
	"github.com/streamspace/relaycore/internal/transport"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	database, err := db.NewDatabase(db.Config{
		Host: cfg.DBHost, Port: cfg.DBPort, User: cfg.DBUser,
		Password: cfg.DBPassword, DBName: cfg.DBName, SSLMode: cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	adapter := db.NewPostgres(database)

	hub := crossnode.NewHub(crossnode.Config{
		Host: cfg.RedisHost, Port: cfg.RedisPort, Password: cfg.RedisPassword, DB: cfg.RedisDB, Enabled: cfg.RedisEnabled,
	})
	idempotencyLock := crossnode.NewIdempotencyLock(hub, 2*time.Minute)
	_ = idempotencyLock // not passed to any service; duplicate sends are caught by the in-memory index and the DB unique index only

	publisher := events.NewPublisher(events.Config{URL: cfg.NATSURL, Enabled: cfg.NATSEnabled})
	defer publisher.Close()

	jwtManager, err := auth.NewManager(auth.Config{SecretKey: cfg.JWTSecretKey, Issuer: "relaycore"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth manager")
	}

	// Stores
	conns := store.NewConnectionStore()
	sockets := store.NewSocketStateStore()
	messages := store.NewMessageStore()
	deliveries := store.NewDeliveryStore()
	rooms := store.NewRoomStore()
	aggregates := store.NewAggregateStore()
	typingBucket := store.NewTypingBucket()
	presenceStore := store.NewPresenceStore()

	// Safety gate, backpressure sender, and the shared outbox every
	// higher-level service sends frames through.
	gate := safety.NewGate(safety.Limits{
		PayloadMaxSize:                  cfg.PayloadMaxSize,
		GenericWindow:                   time.Minute,
		GenericMaxMessages:              cfg.RateLimitSocketGenericPerMinute,
		GenericViolationsBeforeThrottle: 3,
		GenericViolationsBeforeClose:    6,
		SendOnlyWindow:                  time.Minute,
		SendOnlyMaxEvents:               cfg.RateLimitSocketSendPerMinute,
	}, sockets)
	sender := safety.NewSender(safety.BackpressureLimits{
		MaxQueueSize:      cfg.BackpressureQueueSize,
		MaxQueueOverflows: cfg.BackpressureMaxOverflows,
	})
	box := outbox.New(conns, sockets, sender)

	// Lifecycle, delivery/RBAC, replay, and presence services.
	lifecycleSvc := lifecycle.NewService(adapter, messages, deliveries, cfg.MaxContentLength, publisher)
	deliverySvc := delivery.NewService(adapter, rooms, aggregates, lifecycleSvc, box, publisher, delivery.Limits{
		MaxMembersPerRoom: cfg.RoomsMaxMembers,
		MaxRoomsPerUser:   cfg.RoomsMaxPerUser,
		AutoJoinOnCreate:  true,
	})
	replaySvc := replay.NewService(adapter, messages, deliveries, aggregates, deliverySvc, replay.Limits{
		DefaultLimit: cfg.ReplayDefaultLimit,
		MaxLimit:     cfg.ReplayMaxLimit,
		SoftTimeout:  cfg.ReplaySoftTimeout,
	})
	presenceEngine := presence.NewEngine(presenceStore, conns, box, publisher)

	connManager := connmgr.NewManager(conns, sockets, presenceEngine, cfg.MaxSocketsPerSession, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	connManager.StartHeartbeat(presenceEngine)

	userLimiter := ratelimit.NewUserLimiter(cfg.RateLimitUserPerMinute, time.Minute, 50000)
	roomActionLimiter := ratelimit.NewUserLimiter(cfg.RateLimitRoomActionPerMinute, time.Minute, 50000)

	rt := router.New(gate, conns, box, publisher, lifecycleSvc, deliverySvc, replaySvc, presenceEngine,
		userLimiter, roomActionLimiter, typingBucket, router.Config{
			SupportedVersions: cfg.ProtocolVersions,
			TypingWindow:      2 * time.Second,
			TypingMaxEvents:   4,
		})

	hk := housekeeping.NewScheduler(housekeeping.Config{}, messages, aggregates, conns, userLimiter)
	if err := hk.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeping scheduler")
	}
	defer hk.Stop()

	wsHandler := transport.NewHandler(transport.Config{
		Path:              cfg.WSPath,
		CookieName:        cfg.JWTCookieName,
		DevTokenQuery:     cfg.WSDevTokenQuery,
		Production:        gin.Mode() == gin.ReleaseMode,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxSocketsPerSess: cfg.MaxSocketsPerSession,
		PresenceGrace:     cfg.PresenceOfflineGrace,
	}, jwtManager, conns, sockets, connManager, presenceEngine, rt, replaySvc)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	wsHandler.RegisterRoutes(engine.Group("/"))

	srv := &http.Server{
		Addr:    ":" + getEnv("API_PORT", "8000"),
		Handler: engine,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("path", cfg.WSPath).Msg("relaycore listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	drainShutdown(conns, box)

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	} else {
		log.Info().Msg("http server stopped gracefully")
	}

	connManager.Stop()

	if err := database.Close(); err != nil {
		log.Error().Err(err).Msg("error closing database")
	}

	log.Info().Msg("relaycore shutdown complete")
}

// drainShutdown broadcasts SERVER_SHUTDOWN to every connected socket and
// logs drain progress, giving clients a chance to reconnect elsewhere
// before the listener actually stops accepting.
func drainShutdown(conns *store.ConnectionStore, box *outbox.Outbox) {
	total := len(conns.AllSockets())
	if total == 0 {
		return
	}
	logger.Lifecycle().Info().Int("sockets", total).Msg("broadcasting SERVER_SHUTDOWN")
	box.BroadcastAll(protocol.New(protocol.OutServerShutdown, map[string]interface{}{
		"reason": "server restarting, please reconnect",
	}))
	time.Sleep(500 * time.Millisecond)
	logger.Lifecycle().Info().Int("sockets", len(conns.AllSockets())).Msg("drain window elapsed")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
