package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/market-dashboard/internal/config"
	"github.com/rickgao/market-dashboard/internal/database"
	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/logging"
	"github.com/rickgao/market-dashboard/internal/recorder"
	"github.com/rickgao/market-dashboard/internal/relay"
	"github.com/rickgao/market-dashboard/internal/transport"
	"github.com/rickgao/market-dashboard/internal/version"
	"github.com/rickgao/market-dashboard/internal/widget"
)

func main() {
	configPath := flag.String("config", "configs/dashboard.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format).
		With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting dashboard",
		"version", version.String(),
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dashboard failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dashboard stopped")
}

// transportOptions maps the reconnect and transport sections onto
// transport options shared by every feed connection.
func transportOptions(cfg *config.DashboardConfig, logger *slog.Logger) []transport.Option {
	tc := transport.DefaultConfig()
	tc.HandshakeTimeout = cfg.Transport.HandshakeTimeout
	tc.WriteTimeout = cfg.Transport.WriteTimeout
	tc.PingInterval = cfg.Transport.PingInterval
	tc.ReadTimeout = cfg.Transport.ReadTimeout
	tc.ReadLimit = cfg.Transport.ReadLimit

	return []transport.Option{
		transport.WithConfig(tc),
		transport.WithPolicy(transport.Policy{
			Delay:       cfg.Reconnect.Delay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}),
		transport.WithLogger(logger),
	}
}

func run(ctx context.Context, cfg *config.DashboardConfig, logger *slog.Logger) error {
	hub := fanout.NewHub(
		fanout.WithLogger(logger),
		fanout.WithTransportOptions(transportOptions(cfg, logger)...),
	)
	defer hub.Close()

	var (
		tickReg *fanout.Registry
		taReg   *fanout.Registry
		err     error
	)
	if url := cfg.Feeds.Tick.URL; url != "" {
		if tickReg, err = hub.Acquire(feed.KeyTick, url); err != nil {
			return fmt.Errorf("acquire tick feed: %w", err)
		}
	}
	if url := cfg.Feeds.Indicators.URL; url != "" {
		if taReg, err = hub.Acquire(feed.KeyIndicators, url); err != nil {
			return fmt.Errorf("acquire indicators feed: %w", err)
		}
	}

	widgets, err := newWidgets(cfg, tickReg, taReg, logger)
	if err != nil {
		return err
	}
	defer widgets.Close()

	// Recorder
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled && tickReg != nil {
		logger.Info("connecting to database",
			"host", cfg.Recorder.Database.Host,
			"port", cfg.Recorder.Database.Port,
			"database", cfg.Recorder.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Recorder.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		rec = recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, recorder.WithLogger(logger))
		if err := rec.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := rec.Attach(tickReg); err != nil {
			return err
		}
		if err := rec.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rec.Stop(stopCtx); err != nil {
				logger.Error("recorder final flush failed", "error", err)
			}
		}()
	}

	// Relay
	if cfg.Relay.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		defer client.Close()

		rl := relay.New(client, cfg.Relay.ChannelPrefix, logger)
		if err := rl.Ping(ctx); err != nil {
			return err
		}
		// Runs until Close, which publishes what is still queued
		rl.Start(context.Background())
		defer rl.Close()
		for _, reg := range hub.Registries() {
			if err := rl.Attach(reg); err != nil {
				return err
			}
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHandler(cfg, hub, widgets, rec),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("dashboard running",
		"feeds", len(hub.Registries()),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)
	return g.Wait()
}

// dashboardWidgets holds the widgets built from config. Widgets for a feed
// that is not configured are nil.
type dashboardWidgets struct {
	table      *widget.TickTable
	volume     *widget.VolumeSeries
	candles    *widget.CandleSeries
	indicators *widget.IndicatorPanel
}

func newWidgets(cfg *config.DashboardConfig, tickReg, taReg *fanout.Registry, logger *slog.Logger) (*dashboardWidgets, error) {
	w := &dashboardWidgets{}
	opts := func(reg *fanout.Registry) widget.Options {
		return widget.Options{Registry: reg, Logger: logger}
	}

	var err error
	if tickReg != nil {
		w.table, err = widget.NewTickTable(widget.TickTableConfig{MaxRecords: cfg.Widgets.MaxRecords}, opts(tickReg))
		if err != nil {
			return nil, err
		}
		if w.volume, err = widget.NewVolumeSeries(cfg.Widgets.MaxPoints, opts(tickReg)); err != nil {
			w.Close()
			return nil, err
		}
		if w.candles, err = widget.NewCandleSeries(cfg.Widgets.TickInterval, cfg.Widgets.MaxPoints, opts(tickReg)); err != nil {
			w.Close()
			return nil, err
		}
	}
	if taReg != nil {
		if w.indicators, err = widget.NewIndicatorPanel(cfg.Widgets.Indicators, cfg.Widgets.MaxPoints, opts(taReg)); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

// Close unbinds every widget.
func (w *dashboardWidgets) Close() {
	if w.table != nil {
		w.table.Close()
	}
	if w.volume != nil {
		w.volume.Close()
	}
	if w.candles != nil {
		w.candles.Close()
	}
	if w.indicators != nil {
		w.indicators.Close()
	}
}
