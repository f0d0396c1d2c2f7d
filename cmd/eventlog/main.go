// Command eventlog follows the domain events published by chat servers,
// logs each one and keeps per-day counters in Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/logging"
	"github.com/whisper/directchat/internal/messaging"
)

type config struct {
	NATSURL   string `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// counterTTL keeps a few days of counters around.
const counterTTL = 7 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eventlog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "eventlog")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(ctx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	defer rdb.Close()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-eventlog"
	nc, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := nc.Subscribe(messaging.SubjectAll, func(subject string, data []byte) {
		handle(rdb, logger, subject, data)
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	logger.Info("eventlog: running",
		zap.String("nats_url", natsConfig.URL),
		zap.String("redis_addr", cfg.RedisAddr))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("eventlog: shutting down")
	return nil
}

func handle(rdb *redis.Client, logger *zap.Logger, subject string, data []byte) {
	ev, err := messaging.DecodeEvent(subject, data)
	if err != nil {
		logger.Warn("eventlog: undecodable event", zap.String("subject", subject), zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case messaging.MessageCreatedEvent:
		logger.Info("eventlog: message created",
			zap.String("message", e.MessageID),
			zap.String("sender", e.SenderID),
			zap.String("receiver", e.ReceiverID),
			zap.Bool("image", e.HasImage),
			zap.Bool("delivered", e.Delivered))
	case messaging.MessageSeenEvent:
		logger.Info("eventlog: messages seen",
			zap.String("reader", e.ReaderID),
			zap.String("sender", e.SenderID),
			zap.Int64("count", e.Count))
	case messaging.PresenceChangedEvent:
		logger.Info("eventlog: presence changed",
			zap.String("server", e.Server),
			zap.Int("online", len(e.OnlineUsers)))
	}

	key := "eventlog:" + time.Now().UTC().Format("2006-01-02")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, subject, 1)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("eventlog: counter update failed", zap.Error(err))
	}
}
