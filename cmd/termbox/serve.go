package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termbox/internal/config"
	"github.com/jkaninda/termbox/internal/gateway"
	"github.com/jkaninda/termbox/internal/gateway/httpapi"
	"github.com/jkaninda/termbox/internal/gateway/ws"
	"github.com/jkaninda/termbox/internal/ratelimit"
	"github.com/jkaninda/termbox/internal/session"
)

const shutdownTimeout = 30 * time.Second

var (
	serveConfigPath string
	servePort       string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the terminal WebSocket endpoint",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `termbox --config path` and `termbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
		cmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	}
}

// runServe starts every enabled gateway and blocks until a signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(goutils.Env("TERMBOX_LOG_LEVEL", serveLogLevel))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting termbox", slog.String("version", version), slog.String("config", serveConfigPath))

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	reaper := session.NewReaper(sc.Sessions, cfg.Session.ReapScanInterval(), logger)
	stopReaper := reaper.Start(ctx)
	logger.Debug("session reaper started",
		slog.Duration("idle_timeout", cfg.Session.IdleTimeout()),
		slog.Duration("interval", cfg.Session.ReapScanInterval()),
	)

	gateways, wsServer := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		stopReaper()
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections outlive http.Server.Shutdown, so the
	// terminal endpoint is drained explicitly before the listeners close.
	if wsServer != nil {
		if err := wsServer.Stop(shutdownCtx); err != nil {
			logger.Error("stopping websocket endpoint", slog.String("error", err.Error()))
		}
	}
	for i := len(gateways) - 1; i >= 0; i-- {
		if g, ok := gateways[i].(*ws.Server); ok && g == wsServer {
			continue
		}
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	stopReaper()
	if err := sc.Sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("releasing sessions", slog.String("error", err.Error()))
	}
	logger.Info("termbox stopped")
	return runErr
}

// buildGateways creates all enabled gateways from config. The returned
// ws.Server is non-nil when the terminal endpoint is enabled, whether it is
// mounted on the HTTP gateway or served standalone.
func buildGateways(cfg *config.Config, sc *SharedComponents) ([]gateway.Gateway, *ws.Server) {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	var apiKeys map[string]string
	if gwCfg.HTTP != nil {
		apiKeys = gwCfg.HTTP.APIKeyUserMapping
	}

	// Terminal WebSocket endpoint.
	var wsServer *ws.Server
	if gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled {
		wsServer = ws.NewServer(sc.Bridge, sc.Store.Projects(), sc.Auth, sc.Workspace, gwCfg.WebSocket, sc.Logger).
			WithAPIKeys(apiKeys).
			WithMetrics(ws.NewMetrics(sc.Obs.MetricsOrNil().RegistryOrNil()))
		if sc.Obs.Metrics != nil || sc.Obs.Tracer != nil {
			wsServer.WithObservability(sc.Obs.Metrics, tracerOf(sc))
		}
		if gwCfg.WebSocket.AllowAnonymous {
			sc.Logger.Warn("websocket endpoint accepts unauthenticated connections")
		}
	}

	// HTTP API gateway.
	var httpGW *httpapi.Gateway
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
		})

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.HTTPListenAddr(),
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			HealthChecker:  sc.Obs.Health,
			Metrics:        sc.Obs.Metrics,
			Tracer:         tracerOf(sc),
		}
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		httpGW = httpapi.NewGateway(httpCfg, sc.Auth, sc.Store, sc.Sessions, sc.Workspace, limiter, sc.Logger)
	}

	if httpGW != nil && wsServer != nil {
		httpGW.WithTerminals(wsServer)
	}

	// Mount the terminal endpoint on the HTTP gateway if both are enabled.
	// Otherwise it serves on its own listener.
	if wsServer != nil {
		wsPath := wsServer.Path()
		if httpGW != nil {
			httpGW.WithHandler(wsPath+"/{userId}/{projectId}", wsPath, wsServer.Handler())
			sc.Logger.Debug("websocket endpoint mounted on http gateway", slog.String("path", wsPath))
		} else {
			gws = append(gws, wsServer)
			sc.Logger.Debug("gateway enabled",
				slog.String("type", "websocket"),
				slog.String("addr", gwCfg.WebSocket.WSListenAddr()),
				slog.String("path", wsPath),
			)
		}
	}

	if httpGW != nil {
		gws = append(gws, httpGW)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.HTTPListenAddr()),
			slog.Bool("docs", gwCfg.HTTP.EnableDocs),
			slog.Bool("websocket", wsServer != nil),
		)
	}

	return gws, wsServer
}

// tracerOf returns the OTel tracer, or nil when tracing is disabled.
func tracerOf(sc *SharedComponents) trace.Tracer {
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}
