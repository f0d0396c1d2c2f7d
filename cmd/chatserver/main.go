package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/api"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/config"
	"github.com/whisper/directchat/internal/logging"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/messaging"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/session"
	"github.com/whisper/directchat/internal/store"
	"github.com/whisper/directchat/internal/user"
	"github.com/whisper/directchat/internal/ws"
)

// publisher is what the server publishes to NATS, or drops without it.
type publisher interface {
	chat.EventPublisher
	PublishPresence(ev messaging.PresenceChangedEvent) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "chatserver")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Migrate()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store: schema ready", zap.Uint("version", res.Version), zap.Bool("changed", res.Changed))

	users := store.NewUserStore(db)
	messages := store.NewMessageStore(db)

	// --- Redis ---
	rdb, err := session.Dial(cfg.RedisAddr)
	if err != nil {
		return err
	}
	sessions := session.NewStore(rdb, cfg.ServerName)
	defer sessions.Close()
	limiter := ratelimit.NewLimiter(rdb, logger)

	// --- NATS ---
	var events publisher = messaging.NopPublisher{}
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chatserver-" + cfg.ServerName
		nc, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		events = nc
	} else {
		logger.Info("nats: NATS_URL not set, domain events disabled")
	}

	// --- Media ---
	blobs, err := media.Open(cfg.MediaPath, logger)
	if err != nil {
		return err
	}
	defer blobs.Close()
	go blobs.RunGC(ctx, 10*time.Minute)

	// --- Auth & services ---
	issuer := auth.NewIssuer(cfg.AccessTokenSecret, cfg.AccessTokenExpiry)
	authn := auth.NewAuthenticator(issuer)

	registry := presence.NewRegistry(nil)
	dispatcher := ws.NewMessageDispatcher(nil, logger)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	server := ws.NewServer(wsConfig, ws.Deps{
		Auth:      authn,
		Registry:  registry,
		Sessions:  sessions,
		Limiter:   limiter,
		OnMessage: dispatcher.Dispatch,
		Logger:    logger,
	})
	dispatcher.SetServer(server)

	registry.SetOnChange(func(online []string) {
		server.BroadcastRoster(online)
		if err := events.PublishPresence(messaging.PresenceChangedEvent{
			Server:      cfg.ServerName,
			OnlineUsers: online,
			Ts:          time.Now().UnixMilli(),
		}); err != nil {
			logger.Warn("nats: publish presence failed", zap.Error(err))
		}
	})

	chatSvc := chat.NewService(chat.Deps{
		Users:    users,
		Messages: messages,
		Blobs:    blobs,
		Pusher:   server,
		Events:   events,
		Limiter:  limiter,
		Logger:   logger,
	})
	userSvc := user.NewService(user.Deps{
		Users:   users,
		Avatars: blobs,
		Tokens:  issuer,
		Limiter: limiter,
		Logger:  logger,
	})
	api.RegisterFrameHandlers(dispatcher, chatSvc, logger)

	// --- HTTP ---
	mux := http.NewServeMux()
	server.Mount(mux)
	api.NewHandler(userSvc, chatSvc, blobs, authn, api.Options{CookieSecure: cfg.CookieSecure}, logger).Mount(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	handler := api.Logging(logger)(api.CORS(cfg.AllowedOrigins())(mux))

	logger.Info("chatserver: starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.String("server_name", cfg.ServerName),
		zap.Strings("cors_origins", cfg.AllowedOrigins()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(handler)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("chatserver: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("chatserver: shutdown error", zap.Error(err))
	}
	return <-errCh
}
