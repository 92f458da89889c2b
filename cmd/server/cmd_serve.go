package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"repair-service/internal/config"
	"repair-service/internal/dataset"
	"repair-service/internal/handler"
	"repair-service/internal/llm"
	"repair-service/internal/repair"
	"repair-service/internal/service"
	"repair-service/internal/validation"
	"repair-service/internal/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background worker",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log.Mode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting Repair Service...")

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize LLM client (multi-provider with rate limiting). Without
	// providers every miss resolves to the rule-based fallback.
	var generator service.Generator
	if len(cfg.Providers) > 0 {
		multiClient, err := llm.NewMultiProviderClient(llm.MultiProviderConfig{
			Providers:   cfg.Providers,
			MaxFailures: cfg.MaxFailuresBeforeSwitch,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize providers: %w", err)
		}
		defer multiClient.Close()
		generator = multiClient
		logger.Info("Multi-provider client initialized",
			zap.Int("provider_count", len(cfg.Providers)))
	} else {
		logger.Warn("No providers configured, explanations will use the rule-based fallback")
	}

	var validator validation.Validator = validation.Unconfigured{}
	if cfg.Validator.URL != "" {
		validator = validation.NewClient(validation.Config{
			URL:     cfg.Validator.URL,
			Timeout: cfg.Validator.Timeout,
		}, logger)
	} else {
		logger.Warn("No constraint engine configured, uploads and repairs will be refused")
	}

	explainer := service.NewExplainer(store, generator, service.ExplainerConfig{
		Language: cfg.Generation.Language,
		Timeout:  cfg.Generation.Timeout,
	}, logger)

	registry := dataset.NewRegistry()
	engine := repair.NewEngine(validator, repair.Config{
		Scope:   repair.Scope(cfg.Verification.Scope),
		Timeout: cfg.Validator.Timeout,
	}, logger)

	processor := worker.NewProcessor(explainer, worker.Config{
		Workers:     cfg.Worker.Workers,
		QueueSize:   cfg.Worker.QueueSize,
		DequeueWait: cfg.Worker.DequeueWait,
		StopTimeout: cfg.Worker.StopTimeout,
		Retention:   cfg.Worker.Retention,
		Language:    cfg.Generation.Language,
	}, logger)
	processor.SetViolationSource(service.NewSessionViolations(registry, validator))
	processor.Start()

	apiHandler := handler.NewHandler(handler.Services{
		Store:     store,
		Explainer: explainer,
		Repairs:   service.NewRepairService(registry, engine, store, logger),
		Processor: processor,
		Registry:  registry,
		Validator: validator,
	}, logger)

	// Setup Gin router
	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	router.Use(corsMiddleware())
	apiHandler.RegisterRoutes(router)

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if !processor.Stop() {
			logger.Warn("Worker abandoned in-flight jobs")
		}
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	logger.Info("Repair Service is running",
		zap.String("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Type),
		zap.String("verification_scope", cfg.Verification.Scope))

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}
