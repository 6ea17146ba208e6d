package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/executor"
	"github.com/isdmx/runbox/httpapi"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/reaper"
	"github.com/isdmx/runbox/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution service",
	Long: `Start the HTTP API, the configured MCP transport and the sandbox reaper.

Endpoints:
  POST   /code/execute     Execute code, body {"code","language","stdin"}
  GET    /code/languages   List supported languages
  GET    /healthz          Health check
  GET    /metrics          Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			language.NewRegistryFromConfig,
			newMetricsRegistry,
			func(reg *prometheus.Registry) prometheus.Registerer { return reg },
			func(reg *prometheus.Registry) prometheus.Gatherer { return reg },
			executor.NewMetrics,
			connectSubstrate,
			newService,
			func(svc *executor.Service) httpapi.Executor { return svc },
			func(svc *executor.Service) mcpserver.Executor { return svc },
			newRouter,
			newHTTPServer,
			mcpserver.New,
		),

		fx.Invoke(
			registerSubstrate,
			registerHTTPServer,
			registerMCPServer,
			registerReaper,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func newRouter(cfg *config.Config, log *zap.Logger, exec httpapi.Executor, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Logging.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return httpapi.NewRouter(log, exec, gatherer)
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, router *gin.Engine) *httpapi.Server {
	return httpapi.NewServer(log, router, cfg.Server.HTTPPort)
}

func registerSubstrate(lc fx.Lifecycle, substrate sandbox.Substrate) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return closeSubstrate(substrate)
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, server *httpapi.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return server.Start()
		},
		OnStop: server.Shutdown,
	})
}

func registerMCPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	switch cfg.Server.MCPTransport {
	case config.TransportStdio:
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := server.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("MCP stdio transport stopped", zap.Error(err))
					}
					// The client closed stdin; there is nobody left to serve.
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	case config.TransportHTTP:
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := server.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("MCP HTTP transport stopped", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: server.Shutdown,
		})
	}
}

func registerReaper(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, substrate sandbox.Substrate, reg prometheus.Registerer) {
	if substrate == nil {
		return
	}

	r := reaper.New(log, substrate, cfg.Sandbox.ReapInterval, cfg.Sandbox.ReapMinAge, reaper.WithRegisterer(reg))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			r.Stop()
			return nil
		},
	})
}
