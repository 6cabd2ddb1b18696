package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"agentflow/backend/internal/api"
	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/config"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/mcp"
	"agentflow/backend/internal/notify"
	"agentflow/backend/internal/pipeline"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/services"
	"agentflow/backend/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentflow",
		Short:         "Multi-stage generation workflow service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath)
			if err != nil {
				return err
			}
			repo, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer repo.Close()
			logger.Info("schema applied", "driver", cfg.Store.Driver)
			return nil
		},
	})

	return root
}

func setup(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"model", cfg.Generation.Model,
	)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (repository.Repository, error) {
	return repository.Open(ctx, repository.Options{
		Driver:     cfg.Store.Driver,
		DSN:        cfg.DSN(),
		SQLitePath: cfg.Store.SQLitePath,
		Migrate:    migrate,
	})
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Starting AgentFlow")

	repo, err := openStore(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer repo.Close()
	logger.Info("Store connected", "driver", cfg.Store.Driver)

	prompts, err := pipeline.LoadPrompts(cfg.Generation.PromptsFile)
	if err != nil {
		return err
	}
	generator, err := services.NewLLMClient(services.LLMClientConfig{
		BaseURL: cfg.Generation.BaseURL,
		APIKey:  cfg.Generation.APIKey,
		Model:   cfg.Generation.Model,
		Timeout: cfg.Generation.Timeout,
	})
	if err != nil {
		return err
	}

	notifier := notify.New(repo, logger.With("component", "notifier"), notify.Options{
		Buffer:      cfg.Notifier.Buffer,
		SendTimeout: cfg.Notifier.SendTimeout,
	})
	defer notifier.Close()

	scheduler := pipeline.NewScheduler(repo, generator, prompts, notifier, logger.With("component", "scheduler"))
	launcher := pipeline.NewLauncher(repo, scheduler, logger.With("component", "launcher"), pipeline.LauncherOptions{})
	workflowService := services.NewWorkflowService(launcher, repo)
	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, repo, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ProblemErrorHandler
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("agentflow"))
	e.Use(middleware.RequestLoggerWithConfig(requestLogger(logger)))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiServer := api.NewServer(workflowService, authz, notifier, repo, logger.With("component", "api"))
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, apiServer)
	api.RegisterPublic(e, apiServer, cfg.Auth.OktaDomain)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(workflowService)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	logger.Info("MCP protocol handlers mounted")

	// WriteTimeout stays zero for the WebSocket and SSE streams.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				serverErrors <- err
				return
			}
			if created {
				logger.Warn("generated self-signed certificate", "cert", cfg.TLS.CertFile)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			runErr = err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	if err := launcher.Close(shutdownCtx); err != nil {
		logger.Warn("workflows still running at shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return runErr
}

func requestLogger(logger *logging.Logger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request", append(args, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", args...)
			return nil
		},
	}
}
