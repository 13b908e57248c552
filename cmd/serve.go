package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mikuai/internal/api"
	"mikuai/internal/auth"
	"mikuai/internal/events"
	"mikuai/internal/redis"
	"mikuai/internal/service/ai"
	"mikuai/internal/service/persona"
	"mikuai/internal/service/speech"
	"mikuai/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local chat server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, db, store, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	hub := events.NewHub(0, logger.Named("events"))
	listeners := []worker.Listener{hub}

	var publisher *events.RedisPublisher
	if cfg.Redis.Host != "" {
		client, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, events stay local", zap.Error(err))
		} else {
			defer client.Close()
			publisher = events.NewRedisPublisher(client, cfg.Redis.Channel, logger.Named("redis"))
			listeners = append(listeners, publisher)
		}
	}

	seed := cfg.Assistant.PersonaSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := worker.Options{
		Listener:       events.Fanout(listeners...),
		Picker:         persona.NewPicker(seed),
		Logger:         logger.Named("manager"),
		RequestTimeout: time.Duration(cfg.Assistant.RequestTimeoutSeconds) * time.Second,
	}

	backend, err := ai.NewService(ctx, cfg, logger.Named("ai"))
	if err != nil {
		logger.Warn("ai backend unavailable, messages will be rejected", zap.Error(err))
	} else {
		opts.Backend = backend
	}
	recognizer, err := speech.New(ctx, cfg.Speech, logger.Named("speech"))
	if err != nil {
		logger.Warn("speech backend unavailable", zap.Error(err))
	} else if recognizer != nil {
		opts.Recognizer = recognizer
	}

	manager := worker.NewManager(store, opts)
	manager.Start()

	first, err := manager.Bootstrap(ctx)
	if err != nil {
		_ = manager.Stop(context.Background())
		return fmt.Errorf("bootstrap sessions: %w", err)
	}
	logger.Info("chat ready", zap.Int64("session_id", first.ID), zap.String("name", first.Name))

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(logger.Named("http"))
	api.NewHandler(manager, hub, auth.NewGuard(cfg.BasicConfig.APIToken), logger.Named("api")).RegisterRoutes(router)

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := manager.Stop(shutdownCtx); err != nil {
			logger.Warn("session manager shutdown", zap.Error(err))
		}
		logger.Info("stopped")
		return nil
	})
	g.Go(func() error {
		manager.Prime(gctx, resolveUsername(cfg))
		return nil
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	return g.Wait()
}
