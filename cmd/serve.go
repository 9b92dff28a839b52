package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relay-backend/internal/config"
	"relay-backend/internal/handler"
	"relay-backend/internal/llm"
	"relay-backend/internal/service"
	"relay-backend/internal/skills"
	"relay-backend/internal/storage"
	"relay-backend/internal/transport"
	"relay-backend/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the enabled chat transports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	store := storage.New(cfg.Storage)
	defer store.Close()

	runner, err := llm.NewRunner(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create model runner: %w", err)
	}

	registry, err := skills.Load(ctx, cfg.Skills)
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}
	defer registry.Close()
	logger.Infof("Skills available: %s", strings.Join(registry.Names(), ", "))

	var (
		web      *transport.Web
		telegram *transport.Telegram
		webTr    transport.Transport
		tgTr     transport.Transport
		events   handler.Subscriber
	)
	if cfg.Transport.Web.Enabled {
		web = transport.NewWeb()
		webTr, events = web, web
	}
	if cfg.Transport.Telegram.Enabled {
		telegram = transport.NewTelegram(cfg.Transport.Telegram)
		tgTr = telegram
	}

	relay := service.NewRelayService(service.Options{
		Relay:        cfg.Relay,
		Session:      cfg.Session,
		SystemPrompt: strings.TrimSpace(cfg.LLM.SystemPrompt + "\n\n" + registry.Describe()),
	}, store, runner, registry, transport.NewMulti(webTr, tgTr))

	relayHandler := handler.NewRelayHandler(relay, store, events)
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        setupRouter(cfg, relayHandler),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Server listening on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if telegram != nil {
		g.Go(func() error {
			return telegram.Poll(gctx, func(key, text string) {
				if _, err := relay.Submit(key, text); err != nil {
					logger.Conversation(key).Warnf("inbound message rejected: %v", err)
				}
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Server shutdown failed: %v", err)
		}
		if err := relay.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Relay shutdown incomplete: %v", err)
		}
		logger.Info("Server stopped")
		return nil
	})

	return g.Wait()
}

func setupRouter(cfg *config.Config, relayHandler *handler.RelayHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}))

	router.GET("/health", relayHandler.Health)
	relayHandler.Register(router.Group("/api"))

	return router
}
