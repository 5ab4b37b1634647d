package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cubelink/internal/alerting"
	"github.com/jkaninda/cubelink/internal/config"
	"github.com/jkaninda/cubelink/internal/gateway"
	"github.com/jkaninda/cubelink/internal/gateway/cli"
	"github.com/jkaninda/cubelink/internal/gateway/httpapi"
	"github.com/jkaninda/cubelink/internal/observability"
	"github.com/jkaninda/cubelink/internal/ratelimit"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/scheduler"
)

var (
	serveListen  string
	serveConsole bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the demo scheduler",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `cubelink --listen :9090` and `cubelink serve --listen :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveConsole, "console", false, "also read run requests from stdin")
	}
}

// runServe starts the HTTP gateway, the scheduler and optionally the console.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if serveListen != "" {
		cfg.Gateway.ListenAddr = serveListen
	}

	logger.Info("starting in serve mode", slog.String("config", configPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	registerHealthChecks(sc)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled demos (optional).
	var sched *scheduler.Scheduler
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *scheduler.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			schedMetrics = scheduler.NewMetrics(m.Registry)
		}
		sched, err = scheduler.New(sc.Runner, schedMetrics, logger, cfg.Scheduler)
		if err != nil {
			return fmt.Errorf("initializing scheduler: %w", err)
		}
		stopScheduler := sched.Start(ctx)
		defer stopScheduler()
		logger.Debug("scheduler started", slog.Int("schedules", len(cfg.Scheduler.Schedules)))
	}

	// Readiness watchdog (optional).
	if sc.Notify != nil && sc.Obs != nil && sc.Obs.Health != nil {
		if interval := cfg.Notifications.WatchInterval(); interval > 0 {
			var alertMetrics *alerting.Metrics
			if m := sc.Obs.MetricsOrNil(); m != nil {
				alertMetrics = alerting.NewMetrics(m.Registry)
			}
			watchdog := alerting.NewChecker(sc.Obs.Health, sc.Notify, alertMetrics, logger, interval)
			stopWatchdog := watchdog.Start(ctx)
			defer stopWatchdog()
		}
	}

	gateways := []gateway.Gateway{buildHTTPGateway(sc, sched)}
	if serveConsole {
		gateways = append(gateways, cli.NewGateway(sc.Runner, cfg.Transport.DefaultPort, "", os.Stdin, os.Stdout, logger))
	}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	// Deliveries in flight still end with a cleared display.
	if err := sc.Runner.Wait(shutdownCtx); err != nil {
		logger.Warn("deliveries still running at shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func buildHTTPGateway(sc *SharedComponents, sched *scheduler.Scheduler) *httpapi.Gateway {
	gwCfg := sc.Config.Gateway

	httpCfg := httpapi.Config{
		ListenAddr:     gwCfg.Addr(),
		EnableDocs:     gwCfg.EnableDocs,
		APIKeys:        gwCfg.APIKeyUserMapping,
		MaxRequestSize: gwCfg.MaxRequestSizeBytes,
	}
	if obs := sc.Obs; obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg := sc.Config.Observability; cfg != nil && cfg.Metrics != nil {
			httpCfg.MetricsPath = cfg.Metrics.Path
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.RateLimit.RequestsPerMinute,
		BurstSize:         gwCfg.RateLimit.BurstSize,
	})

	gw := httpapi.NewGateway(httpCfg, sc.Runner, sc.Store.Runs(), limiter, sc.Logger)
	if sched != nil {
		gw.WithScheduler(sched)
	}
	sc.Logger.Debug("gateway enabled", slog.String("type", "http"), slog.String("addr", httpCfg.ListenAddr))
	return gw
}

// registerHealthChecks adds the readiness checks selected in config.
func registerHealthChecks(sc *SharedComponents) {
	if sc.Obs == nil || sc.Obs.Health == nil {
		return
	}
	health := sc.Obs.Health
	hc := sc.Config.Observability.Health
	if hc == nil {
		hc = &config.HealthConfig{}
	}

	if hc.IncludeDB {
		health.AddCheck("database", observability.PingCheck(sc.Store))
	}
	if hc.IncludeSandbox {
		sbCfg := sc.Sandbox.Config()
		health.AddCheck("compiler", observability.BinaryCheck(sbCfg.Compiler))
		if sbCfg.Backend == sandbox.BackendDocker {
			health.AddCheck("docker", observability.BinaryCheck("docker"))
		}
	}
	if hc.IncludePort {
		health.AddCheck("device_port", observability.DevicePortCheck(sc.Config.Transport.DefaultPort))
	}
	if sc.Obs.Anomaly != nil {
		health.AddCheck("anomaly", observability.AnomalyCheck(sc.Obs.Anomaly))
	}
}
