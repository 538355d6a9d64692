package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sudooom.im.chatsync/internal/config"
	"sudooom.im.chatsync/internal/connection"
	"sudooom.im.chatsync/internal/health"
	"sudooom.im.chatsync/internal/identity"
	"sudooom.im.chatsync/internal/jwt"
	"sudooom.im.chatsync/internal/logging"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/pipeline"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/room"
	"sudooom.im.chatsync/internal/server"
	"sudooom.im.chatsync/internal/session"
	"sudooom.im.chatsync/internal/snowflake"
	"sudooom.im.chatsync/internal/store"
	"sudooom.im.chatsync/internal/translate"
	"sudooom.im.chatsync/internal/typing"
	"sudooom.im.chatsync/internal/workerpool"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup := logging.Setup(cfg.App.LogLevel, cfg.Log.File)
		defer cleanup()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	nodeID := strconv.FormatInt(cfg.App.NodeID, 10)
	idGen := snowflake.NewNode(cfg.App.NodeID)

	// 存储
	st, err := openStore(ctx, cfg, idGen)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("Store ready", "driver", cfg.Store.Driver)

	if err := seedIdentities(ctx, st, cfg.Seed.Identities); err != nil {
		return err
	}

	router := room.NewRouter(logger)

	// Redis（可选）
	var redisClient *redis.Client
	var mirror presence.Mirror
	if cfg.Redis.Enabled {
		redisClient = presence.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		mirror = presence.NewRedisMirror(redisClient, nodeID)
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	// NATS（可选）
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = room.Connect(cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()

		relay := room.NewNATSRelay(nc, nodeID, router, logger)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("start room relay: %w", err)
		}
		defer relay.Stop()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	registry := presence.NewRegistry(router, mirror, logger)
	tracker := typing.NewTracker(typing.Config{
		TTL:           cfg.Typing.TTL,
		SweepInterval: cfg.Typing.SweepInterval,
	}, router, logger)

	pool := workerpool.New(cfg.Workers.Count, cfg.Workers.QueueSize, logger)
	defer func() {
		logger.Info("Draining background tasks", "pending", pool.Pending())
		pool.Shutdown()
	}()

	overlay, err := newOverlay(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	pipe := pipeline.New(st, router, overlay, pool, logger)
	connMgr := connection.NewManager()
	handler := session.NewHandler(connMgr, router, registry, tracker, pipe, logger)

	tokens := jwt.NewService(cfg.Auth.Secret, cfg.Auth.AccessExpire, cfg.Auth.Issuer)
	verifier := identity.NewVerifier(tokens, st)
	checker := health.NewChecker(st, nc, redisClient, connMgr)

	srv := server.New(cfg, verifier, handler, connMgr, registry, checker, logger)
	heartbeat := connection.NewHeartbeatChecker(connMgr,
		cfg.Connection.HeartbeatTimeout, cfg.Connection.HeartbeatInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		heartbeat.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("Chat sync server started",
		"name", cfg.App.Name,
		"node_id", cfg.App.NodeID,
		"addr", cfg.Server.Addr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Chat sync server stopped")
	return nil
}

// openStore 按驱动打开存储
func openStore(ctx context.Context, cfg *config.Config, idGen *snowflake.Node) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		pg := store.NewPostgres(db, idGen)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(idGen), nil
	}
}

// seedIdentities 写入预置的已验证身份
func seedIdentities(ctx context.Context, st store.Store, seeds []config.SeedIdentity) error {
	for _, s := range seeds {
		err := st.SaveIdentity(ctx, &model.Identity{
			ID:                s.ID,
			Name:              s.Name,
			PreferredLanguage: s.Language,
			Avatar:            s.Avatar,
			IsVerified:        true,
		})
		if err != nil {
			return fmt.Errorf("seed identity %s: %w", s.ID, err)
		}
	}
	return nil
}

// newOverlay 组装翻译服务与限流器；未配置翻译服务时消息始终保留原文
func newOverlay(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (*translate.Overlay, error) {
	llm, err := translate.NewLLMBackend(cfg.Translate)
	if err != nil {
		return nil, fmt.Errorf("create translation backend: %w", err)
	}
	var backend translate.Backend
	if llm != nil {
		backend = llm
	}

	var limiter translate.Limiter
	if cfg.Translate.Limiter == "redis" && redisClient != nil {
		limiter = translate.NewRedisLimiter(redisClient, cfg.Translate.RateLimit, cfg.Translate.RateWindow, logger)
	} else {
		limiter = translate.NewSlidingWindow(cfg.Translate.RateLimit, cfg.Translate.RateWindow)
	}

	logger.Info("Translation overlay ready",
		"provider", cfg.Translate.Provider,
		"limiter", cfg.Translate.Limiter,
		"rate_limit", cfg.Translate.RateLimit,
		"rate_window", cfg.Translate.RateWindow)
	return translate.NewOverlay(backend, limiter, cfg.Translate.Timeout, logger), nil
}
