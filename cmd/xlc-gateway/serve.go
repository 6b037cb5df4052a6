package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xlc-gateway/internal/event"
	"xlc-gateway/internal/gateway"
	"xlc-gateway/internal/kafka"
	"xlc-gateway/internal/metrics"
	"xlc-gateway/internal/store"
	"xlc-gateway/internal/tsdb"
	"xlc-gateway/internal/web"
)

// stopper is anything torn down at shutdown.
type stopper interface {
	Stop()
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

func runServe(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("xlc-gateway starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := event.NewBus(logger)
	registry := gateway.New(db, bus, logger, gateway.Config{
		UnitID:           cfg.Modbus.UnitID,
		Debounce:         cfg.Modbus.Debounce,
		RequestTimeout:   cfg.Modbus.RequestTimeout,
		HandshakeTimeout: cfg.Modbus.HandshakeTimeout,
	})
	if err := registry.LoadAll(); err != nil {
		return err
	}

	// stopped in reverse order
	var sinks []stopper
	var webOpts []web.ServerOption

	if cfg.Metrics.Enabled {
		m := metrics.New()
		sinks = append(sinks, stopFunc(m.Subscribe(bus)))
		webOpts = append(webOpts, web.WithMetrics(m.Handler()))
	}

	if cfg.InfluxDB.Enabled {
		w, err := tsdb.Connect(ctx, tsdb.Config{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		if err != nil {
			logger.Error("influxdb disabled", "err", err)
		} else {
			unsub := w.Subscribe(bus)
			sinks = append(sinks, stopFunc(func() {
				unsub()
				w.Close()
			}))
		}
	}

	if cfg.Kafka.Enabled {
		sink, err := kafka.New(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Acks:    cfg.Kafka.Acks,
		}, logger)
		if err != nil {
			logger.Error("kafka disabled", "err", err)
		} else {
			sink.Start(context.Background())
			unsub := bus.SubscribeAll(sink.Publish)
			sinks = append(sinks, stopFunc(func() {
				unsub()
				if err := sink.Stop(); err != nil {
					logger.Error("kafka close", "err", err)
				}
			}))
		}
	}

	sinks = append(sinks, initMQTT(registry, bus, cfg, logger))

	auto, autoWebOpts := initAutomation(registry, bus, cfg, logger)
	sinks = append(sinks, auto)
	webOpts = append(webOpts,
		web.WithAPIKey(cfg.Web.APIKey),
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		web.WithVersion(version),
	)
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(registry, bus, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := registry.Start(runCtx, cfg.Modbus.Listen); err != nil {
		httpServer.Close()
		webServer.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-ctx.Done():
		logger.Info("shutting down", "err", ctx.Err())
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	registry.Stop()
	for i := len(sinks) - 1; i >= 0; i-- {
		sinks[i].Stop()
	}

	logger.Info("goodbye")
	return nil
}
